package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/retry"
)

// SlackNotifier posts to a Slack incoming webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	policy     retry.Policy
}

// SlackMessage is an incoming webhook payload
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment is a legacy message attachment
type SlackAttachment struct {
	Color     string       `json:"color"`
	Title     string       `json:"title,omitempty"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField is a short key/value cell of an attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier creates a new Slack notifier. An empty URL disables it.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		policy:     retry.Policy{MaxRetries: 2, InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, Multiplier: 2},
	}
}

// SlackColor returns the attachment color for a notification type
func SlackColor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "good"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "danger"
	default:
		return "#439FE0"
	}
}

// BuildSlackMessage lays a notification out as a Slack message
func BuildSlackMessage(n Notification) SlackMessage {
	att := SlackAttachment{
		Color:     SlackColor(n.Type),
		Title:     n.WorkItem,
		TitleLink: n.PRURL,
		Text:      n.Message,
		Footer:    "issue-orchestrator",
	}
	if att.Title == "" {
		att.Title = n.TaskID
	}
	if n.Outcome != "" {
		att.Fields = append(att.Fields, SlackField{Title: "Outcome", Value: string(n.Outcome), Short: true})
	}
	if n.MaxIter > 0 {
		att.Fields = append(att.Fields, SlackField{Title: "Iterations", Value: fmt.Sprintf("%d of %d", n.Iteration, n.MaxIter), Short: true})
	}
	if n.TaskID != "" {
		att.Fields = append(att.Fields, SlackField{Title: "Task", Value: n.TaskID, Short: true})
	}
	return SlackMessage{Text: n.Title, Attachments: []SlackAttachment{att}}
}

// Send posts the notification, retrying rate limits and server errors
func (s *SlackNotifier) Send(ctx context.Context, n Notification) error {
	if s.webhookURL == "" {
		return nil
	}
	msg := BuildSlackMessage(n)
	msg.Attachments[0].Timestamp = time.Now().Unix()
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.post(ctx, payload)
	})
}

func (s *SlackNotifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return domain.Transient("slack", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		wait, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return domain.TransientAfter("slack", fmt.Errorf("rate limited"), time.Duration(wait)*time.Second)
	case resp.StatusCode >= 500:
		return domain.Transient("slack", fmt.Errorf("slack returned %d", resp.StatusCode))
	}
	return fmt.Errorf("slack returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}
