// Package llm talks to an OpenAI-compatible chat completion backend and
// implements the analyst, coder and critic agents on top of it.
package llm

import "context"

// Request is one chat completion call
type Request struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Client completes a prompt
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ClientFunc adapts a function to Client
type ClientFunc func(ctx context.Context, req Request) (string, error)

func (f ClientFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
