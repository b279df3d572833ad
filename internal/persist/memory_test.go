package persist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_TransitionsAdvanceMonotonically(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.RecordSubmitted(ctx, "s1", "alpha"))
	rec, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SessionSubmitted, rec.Status)

	require.NoError(t, s.RecordStarted(ctx, "s1"))
	rec, err = s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SessionStarted, rec.Status)

	require.NoError(t, s.RecordEnded(ctx, "s1", "FINISHED"))
	rec, err = s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SessionEnded, rec.Status)
	assert.Equal(t, "FINISHED", rec.Outcome)
}

func TestMemoryStore_ReplayingAnOlderTransitionIsNoOp(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.RecordSubmitted(ctx, "s1", "alpha"))
	require.NoError(t, s.RecordStarted(ctx, "s1"))
	require.NoError(t, s.RecordEnded(ctx, "s1", "FINISHED"))

	// Replaying RecordStarted after RecordEnded must not move status backward.
	require.NoError(t, s.RecordStarted(ctx, "s1"))
	rec, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SessionEnded, rec.Status)
	assert.Equal(t, "FINISHED", rec.Outcome)
}

func TestMemoryStore_UnknownSessionErrors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Get(ctx, "missing")
	assert.Error(t, err)
	assert.Error(t, s.RecordStarted(ctx, "missing"))
}

func TestMemoryStore_RecordJobsPersistsIdentity(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.RecordSubmitted(ctx, "s1", "alpha"))

	jobs := []JobRecord{
		{ID: "s1-job-0", TestID: "t1", DeviceType: "phone", RequiredDimensions: map[string]string{"os": "android"}},
	}
	require.NoError(t, s.RecordJobs(ctx, "s1", jobs))

	rec, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, jobs, rec.Jobs)
}

func TestMemoryStore_DoubleSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.RecordSubmitted(ctx, "s1", "alpha"))
	require.NoError(t, s.RecordStarted(ctx, "s1"))
	require.NoError(t, s.RecordSubmitted(ctx, "s1", "alpha-renamed"))

	rec, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", rec.Name, "resubmission must not clobber an in-flight record")
	assert.Equal(t, SessionStarted, rec.Status)
}
