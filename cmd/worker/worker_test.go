package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/unclebandit/dropleopard/internal/config"
	"github.com/unclebandit/dropleopard/internal/notify"
	"github.com/unclebandit/dropleopard/internal/queue"
)

// MockDispatcher records every message it is asked to deliver
type MockDispatcher struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (m *MockDispatcher) Dispatch(ctx context.Context, msg notify.Message) notify.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return notify.Outcome{Status: notify.StatusSent}
}

func TestWorker(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := queue.NewInMemoryQueue(zap.NewNop())
	d := &MockDispatcher{}
	require.NoError(t, startConsumers(q, d, zap.NewNop()))

	msg := notify.Message{Event: notify.EventWelcome, To: "+15550000001", Body: "hi", CampaignID: "denimDrop01"}
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	// AMQP deliveries arrive as raw JSON.
	require.NoError(t, q.Publish(queue.TopicNotifications, body))
	require.NoError(t, q.Publish(queue.TopicEvents, queue.DropEvent{Type: queue.EventParticipantJoined}))
	q.Wait()
	require.NoError(t, q.Close())

	require.Len(t, d.msgs, 1)
	assert.Equal(t, msg, d.msgs[0])
}

func TestWorkerRequiresPostgres(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{Driver: "bolt"}}
	assert.ErrorIs(t, run(context.Background(), cfg, zap.NewNop()), errSharedStorage)
}
