package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/eventbus"
)

// pump moves a subscription's events onto a channel. The channel is closed
// when the stream ends; errc then carries nil for a finished task or the
// reason the stream broke off.
func pump(ctx context.Context, sub *eventbus.Subscription) (<-chan domain.Event, <-chan error) {
	events := make(chan domain.Event)
	errc := make(chan error, 1)
	go func() {
		defer close(events)
		for {
			ev, err := sub.Next(ctx)
			if errors.Is(err, eventbus.ErrClosed) {
				errc <- nil
				return
			}
			if err != nil {
				errc <- err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()
	return events, errc
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		sub, err := s.coord.Subscribe(ctx, r.PathValue("id"))
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		heartbeat := time.NewTicker(s.heartbeat)
		defer heartbeat.Stop()

		events, errc := pump(ctx, sub)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					if err := <-errc; err == nil {
						fmt.Fprint(w, "event: end\ndata: {}\n\n")
						flusher.Flush()
					}
					return
				}
				data, _ := json.Marshal(ev)
				fmt.Fprintf(w, "id: %d\n", ev.Version)
				fmt.Fprint(w, "event: task\n")
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			case <-heartbeat.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Server) websocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Subscribe before upgrading so unknown tasks get a plain 404.
		sub, err := s.coord.Subscribe(ctx, r.PathValue("id"))
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		defer sub.Close()

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn(ctx, "websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		// Clients only send close frames; reading notices them.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		heartbeat := time.NewTicker(s.heartbeat)
		defer heartbeat.Stop()

		events, errc := pump(ctx, sub)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					reason := "task finished"
					if err := <-errc; err != nil {
						reason = "stream ended"
					}
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
						time.Now().Add(time.Second))
					return
				}
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-heartbeat.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
