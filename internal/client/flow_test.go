package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"disttx/internal/coordinator"
	"disttx/internal/participant"
	"disttx/internal/storage"
	"disttx/internal/txn"
)

// storeCoordinator serves the orchestrator from an in-process coordinator store.
type storeCoordinator struct{ *coordinator.Store }

func (c storeCoordinator) Remove(ctx context.Context, md *txn.Metadata, _ bool) error {
	return c.Store.Remove(ctx, md)
}

// ledgerCoordinator serves ledger reconciliation from the same store.
type ledgerCoordinator struct{ *coordinator.Store }

func (c ledgerCoordinator) Query(ctx context.Context, md *txn.Metadata) (*txn.Storage, error) {
	return c.Fetch(ctx, md)
}

type localParticipants map[string]*participant.Ledger

func (p localParticipants) Prepare(ctx context.Context, key string, ps *txn.ParticipantStorage) (*txn.ParticipantStorage, error) {
	return p[key].Prepare(ctx, ps)
}

func (p localParticipants) Commit(ctx context.Context, key string, md *txn.Metadata) error {
	return p[key].Commit(ctx, md.UUID)
}

func (p localParticipants) Reject(ctx context.Context, key string, md *txn.Metadata, view *txn.ParticipantStorage) error {
	if view != nil {
		return p[key].RejectForceCommit(ctx, view)
	}
	return p[key].Reject(ctx, md.UUID)
}

type cluster struct {
	store *coordinator.Store
	parts localParticipants
	orch  *Orchestrator
	sleep *sleepRecorder
}

func newCluster(t *testing.T, hooks map[string]participant.Hooks) *cluster {
	t.Helper()
	store := coordinator.New(coordinator.Config{}, storage.NewMemoryStore(), zap.NewNop(), nil)
	parts := localParticipants{}
	for _, key := range []string{"a", "b"} {
		l := participant.New(participant.Config{Key: key}, ledgerCoordinator{store}, hooks[key], zap.NewNop(), nil)
		t.Cleanup(l.Close)
		parts[key] = l
	}
	orch, sleeps := newTestOrchestrator(t, storeCoordinator{store}, parts, nil)
	return &cluster{store: store, parts: parts, orch: orch, sleep: sleeps}
}

func (c *cluster) reconcile() {
	for _, l := range c.parts {
		l.Tick(time.Now())
		l.Wait()
	}
}

func TestFlow_CommitRemovesCoordinatorRecord(t *testing.T) {
	c := newCluster(t, nil)
	s := newTwoParticipantTx(t, c.orch, Options{})

	res, err := c.orch.Submit(context.Background(), s)
	require.NoError(t, err)
	c.orch.Wait()
	assert.Equal(t, []string{"a", "b"}, res.Prepared)

	st, err := c.store.Fetch(context.Background(), &s.Metadata)
	require.NoError(t, err)
	assert.Equal(t, txn.StatusCommitted, st.Metadata.Status)

	for key, l := range c.parts {
		ps, ok := l.Finished(s.Metadata.UUID)
		require.True(t, ok, key)
		assert.Equal(t, txn.OutcomeCommitted, ps.Outcome)
	}

	c.reconcile()

	_, err = c.store.Fetch(context.Background(), &s.Metadata)
	assert.True(t, txn.IsNotFound(err))
	for _, l := range c.parts {
		running, finished := l.Len()
		assert.Zero(t, running)
		assert.Zero(t, finished)
	}
}

func TestFlow_PreemptedParticipantRetriesAfterOlderFinishes(t *testing.T) {
	lockRow := func(_ context.Context, ps *txn.ParticipantStorage) (txn.FailureReason, error) {
		ps.LockResources = append(ps.LockResources, "row")
		return txn.FailureReason{}, nil
	}
	c := newCluster(t, map[string]participant.Hooks{"b": {CheckPrepare: lockRow}})

	older := &txn.ParticipantStorage{
		Metadata: txn.Metadata{
			UUID:        "t0",
			Status:      txn.StatusPrepared,
			PrepareTime: time.Now().Add(-time.Minute),
			ExpireTime:  time.Now().Add(time.Minute),
		},
		ParticipantKey: "b",
	}
	_, err := c.parts["b"].Prepare(context.Background(), older)
	require.NoError(t, err)

	c.sleep.hook = func() {
		require.NoError(t, c.parts["b"].Commit(context.Background(), "t0"))
	}

	s := newTwoParticipantTx(t, c.orch, Options{Timeout: time.Minute})
	_, err = c.orch.Submit(context.Background(), s)
	require.NoError(t, err)
	c.orch.Wait()

	assert.Len(t, c.sleep.waits, 1)
	holder, ok := c.parts["b"].LockHolder("row")
	assert.False(t, ok, "held by %s", holder)

	ps, ok := c.parts["b"].Finished(s.Metadata.UUID)
	require.True(t, ok)
	assert.Equal(t, txn.OutcomeCommitted, ps.Outcome)
}

func TestFlow_UnfinishedParticipantLearnsCommitFromCoordinator(t *testing.T) {
	c := newCluster(t, nil)
	s := newTwoParticipantTx(t, c.orch, Options{})

	// Prepare and decide directly, as if the commit notification to "b" was lost.
	_, err := c.store.Create(context.Background(), s)
	require.NoError(t, err)
	for _, key := range []string{"a", "b"} {
		_, err := c.parts[key].Prepare(context.Background(), s.ParticipantView(key))
		require.NoError(t, err)
	}
	require.NoError(t, c.store.Commit(context.Background(), &s.Metadata))
	require.NoError(t, c.parts["a"].Commit(context.Background(), s.Metadata.UUID))

	require.NoError(t, c.parts["b"].Resolve(context.Background(), s.Metadata.UUID))
	ps, ok := c.parts["b"].Finished(s.Metadata.UUID)
	require.True(t, ok)
	assert.Equal(t, txn.OutcomeCommitted, ps.Outcome)

	c.reconcile()
	_, err = c.store.Fetch(context.Background(), &s.Metadata)
	assert.True(t, txn.IsNotFound(err))
}
