package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(server.Shutdown)
	return server
}

func TestNATSSink_RepublishesEvents(t *testing.T) {
	server := startTestNATSServer(t)

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	msgs := make(chan *nats.Msg, 4)
	sub, err := nc.ChanSubscribe("issueorch.tasks.*", msgs)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	sink, err := DialNATS(server.ClientURL(), "issueorch.tasks", nil)
	require.NoError(t, err)
	defer sink.Close()

	bus := New(newFakeState().snapshot, WithSink(sink))
	bus.Publish("t42", domain.Event{Phase: domain.PhaseValidating, Iteration: 1, Version: 6})
	require.NoError(t, sink.nc.Flush())

	select {
	case msg := <-msgs:
		assert.Equal(t, "issueorch.tasks.t42", msg.Subject)
		var ev domain.Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, "t42", ev.TaskID)
		assert.Equal(t, domain.PhaseValidating, ev.Phase)
		assert.Equal(t, int64(6), ev.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("event not republished")
	}
}
