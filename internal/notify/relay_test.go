package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/deviceorch/internal/events"
	"github.com/streamspace-dev/deviceorch/internal/persist"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (p *recordingPublisher) Publish(subject string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *recordingPublisher) Close() {}

func TestRelay_SessionStartedPublishesAndPersists(t *testing.T) {
	pub := &recordingPublisher{}
	store := persist.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.RecordSubmitted(ctx, "s1", "alpha"))

	relay := NewRelay(pub, store, ctx, "s1")
	relay.OnSessionStarted(&events.SessionStartedEvent{SessionID: "s1"})

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, SubjectSessionStarted, pub.subjects[0])

	rec, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, persist.SessionStarted, rec.Status)
}

func TestRelay_SessionEndedWithErrorPersistsFailedOutcome(t *testing.T) {
	pub := &recordingPublisher{}
	store := persist.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.RecordSubmitted(ctx, "s1", "alpha"))
	require.NoError(t, store.RecordStarted(ctx, "s1"))

	relay := NewRelay(pub, store, ctx, "s1")
	relay.OnSessionEnded(&events.SessionEndedEvent{SessionID: "s1", Err: errors.New("boom")})

	rec, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, persist.SessionEnded, rec.Status)
	assert.Equal(t, "FAILED", rec.Outcome)

	var payload wireEvent
	require.NoError(t, json.Unmarshal(pub.payloads[0], &payload))
	assert.Equal(t, "boom", payload.Error)
}

func TestRelay_NilPublisherAndStoreAreSafe(t *testing.T) {
	relay := NewRelay(nil, nil, context.Background(), "s1")
	assert.NotPanics(t, func() {
		relay.OnSessionStarted(&events.SessionStartedEvent{SessionID: "s1"})
		relay.OnSessionEnded(&events.SessionEndedEvent{SessionID: "s1"})
	})
}
