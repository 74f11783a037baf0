package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/logging"
)

// NATSSink republishes task events to <subject>.<taskID> for external consumers
type NATSSink struct {
	nc      *nats.Conn
	subject string
	owned   bool
	logger  *logging.Logger
}

// DialNATS connects to url and returns a sink that owns the connection
func DialNATS(url, subject string, logger *logging.Logger) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("issue-orchestrator"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	s := NewNATSSink(nc, subject, logger)
	s.owned = true
	return s, nil
}

// NewNATSSink wraps an existing connection
func NewNATSSink(nc *nats.Conn, subject string, logger *logging.Logger) *NATSSink {
	if logger == nil {
		logger = logging.Nop()
	}
	return &NATSSink{nc: nc, subject: subject, logger: logger}
}

// Subject returns the subject events for taskID are published on
func (s *NATSSink) Subject(taskID string) string {
	return s.subject + "." + taskID
}

// Handle implements Sink. nats.Conn.Publish buffers and does not wait on the network.
func (s *NATSSink) Handle(ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.nc.Publish(s.Subject(ev.TaskID), data); err != nil {
		s.logger.Warn(context.Background(), "nats publish failed",
			zap.String("task.id", ev.TaskID), zap.Error(err))
	}
}

// Close drains the connection if the sink opened it
func (s *NATSSink) Close() error {
	if !s.owned {
		return nil
	}
	return s.nc.Drain()
}
