package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

func TestBuildSlackMessage(t *testing.T) {
	task := domain.NewTask("t1", domain.WorkItemRef{Owner: "acme", Repo: "calc", Number: 7}, 5, time.Now())
	task.Iteration = 2
	task.PullRequest = &domain.PullRequestRef{Number: 3, URL: "https://github.com/acme/calc/pull/3"}
	if err := task.Finish(domain.OutcomeApproved, "score 9", time.Now()); err != nil {
		t.Fatal(err)
	}

	msg := BuildSlackMessage(ForTask(task))
	if msg.Text != "acme/calc#7 approved" {
		t.Errorf("Text = %q", msg.Text)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(msg.Attachments))
	}
	att := msg.Attachments[0]
	if att.Color != "good" || att.Title != "acme/calc#7" || att.TitleLink != task.PullRequest.URL {
		t.Errorf("attachment = %+v", att)
	}
	if len(att.Fields) != 3 || att.Fields[0].Value != "approved" || att.Fields[1].Value != "2 of 5" {
		t.Errorf("fields = %+v", att.Fields)
	}
}

func TestSlackNotifier_RetriesServerErrors(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	notifier.policy.InitialBackoff = time.Millisecond
	if err := notifier.Send(context.Background(), Notification{Title: "x"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestSlackNotifier_ClientErrorIsNotRetried(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer server.Close()

	err := NewSlackNotifier(server.URL).Send(context.Background(), Notification{Title: "x"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestSlackNotifier_Send(t *testing.T) {
	// Mock Slack server
	var got SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	err := notifier.Send(context.Background(), Notification{
		Title:   "Test",
		Message: "Test message",
		Type:    NotifyInfo,
		TaskID:  "t1",
		PRURL:   "https://github.com/acme/calc/pull/3",
	})

	if err != nil {
		t.Errorf("Send failed: %v", err)
	}
	if got.Text != "Test" || len(got.Attachments) != 1 || got.Attachments[0].Title != "t1" {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestSlackNotifier_DisabledWithoutWebhook(t *testing.T) {
	if err := NewSlackNotifier("").Send(context.Background(), Notification{Title: "x"}); err != nil {
		t.Errorf("disabled notifier returned %v", err)
	}
}

func TestForTask(t *testing.T) {
	task := domain.NewTask("t1", domain.WorkItemRef{Owner: "acme", Repo: "calc", Number: 7}, 5, time.Now())
	task.Iteration = 5
	if err := task.Finish(domain.OutcomeExhausted, "no approval after 5 iterations", time.Now()); err != nil {
		t.Fatal(err)
	}

	n := ForTask(task)
	if n.Type != NotifyWarning {
		t.Errorf("Type = %v, want warning", n.Type)
	}
	if n.Title != "acme/calc#7 needs human review" {
		t.Errorf("Title = %q", n.Title)
	}
	if n.Message != "Iteration 5/5. no approval after 5 iterations" {
		t.Errorf("Message = %q", n.Message)
	}
}

func TestNotificationTypeColors(t *testing.T) {
	tests := []struct {
		typ  NotificationType
		want string
	}{
		{NotifySuccess, "good"},
		{NotifyWarning, "warning"},
		{NotifyError, "danger"},
		{NotifyInfo, "#439FE0"},
	}

	for _, tt := range tests {
		got := SlackColor(tt.typ)
		if got != tt.want {
			t.Errorf("SlackColor(%v) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestMultiNotifier(t *testing.T) {
	var called []string

	mock1 := &mockNotifier{name: "mock1", calls: &called}
	mock2 := &mockNotifier{name: "mock2", calls: &called}

	failing := &mockNotifier{name: "failing", calls: &called, err: errors.New("offline")}

	multi := NewMultiNotifier(mock1, failing, mock2)
	err := multi.Send(context.Background(), Notification{Title: "Test"})

	if len(called) != 3 {
		t.Errorf("Expected 3 calls, got %d", len(called))
	}
	if err == nil {
		t.Error("expected the failing notifier's error")
	}
}

type mockNotifier struct {
	name  string
	calls *[]string
	err   error
}

func (m *mockNotifier) Send(_ context.Context, n Notification) error {
	*m.calls = append(*m.calls, m.name)
	return m.err
}

func TestDesktopCommand(t *testing.T) {
	n := Notification{Title: `acme/calc#7 "approved"`, Message: "Iteration 2/5.", Type: NotifyWarning, WorkItem: "acme/calc#7"}

	name, args := desktopCommand("linux", n)
	if name != "notify-send" {
		t.Fatalf("linux command = %q", name)
	}
	if args[3] != "critical" || args[len(args)-2] != n.Title {
		t.Errorf("linux args = %q", args)
	}

	name, args = desktopCommand("darwin", n)
	if name != "osascript" || len(args) != 2 {
		t.Fatalf("darwin command = %q %q", name, args)
	}
	if want := `with title "acme/calc#7 \"approved\"" subtitle "acme/calc#7"`; !strings.Contains(args[1], want) {
		t.Errorf("script = %s, want it to contain %s", args[1], want)
	}

	if name, _ := desktopCommand("windows", n); name != "" {
		t.Errorf("windows command = %q, want none", name)
	}
}

func TestDesktopNotifier_Disabled(t *testing.T) {
	d := NewDesktopNotifier(false)
	d.run = func(context.Context, string, ...string) error {
		t.Error("disabled notifier ran a command")
		return nil
	}
	if err := d.Send(context.Background(), Notification{Title: "x"}); err != nil {
		t.Error(err)
	}
}
