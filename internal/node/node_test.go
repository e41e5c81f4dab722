package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"disttx/internal/client"
	"disttx/internal/participant"
	"disttx/internal/ring"
	"disttx/internal/storage"
	"disttx/internal/txn"
)

const bufSize = 1 << 20

// lockPayload locks the participant payload as a resource name.
func lockPayload(_ context.Context, ps *txn.ParticipantStorage) (txn.FailureReason, error) {
	if len(ps.ParticipantData) > 0 {
		ps.LockResources = append(ps.LockResources, string(ps.ParticipantData))
	}
	return txn.FailureReason{}, nil
}

type testCluster struct {
	nodes map[string]*Node
}

// startCluster runs nodes in-process over bufconn. roles maps node id to role.
func startCluster(t *testing.T, roles map[string]Role, hooks participant.Hooks) *testCluster {
	t.Helper()

	listeners := make(map[string]*bufconn.Listener, len(roles))
	members := make([]ring.Node, 0, len(roles))
	for id := range roles {
		listeners[id] = bufconn.Listen(bufSize)
		members = append(members, ring.Node{ID: id, Addr: "passthrough:///" + id})
	}
	dialer := grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		lis, ok := listeners[addr]
		if !ok {
			return nil, fmt.Errorf("unknown address %s", addr)
		}
		return lis.DialContext(ctx)
	})

	c := &testCluster{nodes: make(map[string]*Node, len(roles))}
	for id, role := range roles {
		n, err := NewNode(Options{
			NodeID:          id,
			Role:            role,
			Nodes:           members,
			CoordinatorTick: time.Hour,
			ParticipantTick: time.Hour,
			RPCTimeout:      2 * time.Second,
			Hooks:           hooks,
			Logger:          zap.NewNop(),
			DialOptions:     []grpc.DialOption{dialer},
		})
		require.NoError(t, err)
		c.nodes[id] = n

		lis := listeners[id]
		go func() { _ = n.Serve(lis) }()
		t.Cleanup(n.Stop)
	}
	return c
}

func newTx(t *testing.T, o *client.Orchestrator, opts client.Options, parts map[string]string) *txn.Storage {
	t.Helper()
	s, err := o.Create(opts)
	require.NoError(t, err)
	for key, data := range parts {
		require.NoError(t, o.AddParticipant(s, key, []byte(data)))
	}
	return s
}

func TestKindTable(t *testing.T) {
	seen := make(map[string]bool)
	for k := Kind(0); k < numKinds; k++ {
		info := kinds[k]
		require.NotEmpty(t, info.service, k)
		require.NotNil(t, info.request, k)
		m := k.FullMethod()
		assert.False(t, seen[m], "duplicate method %s", m)
		seen[m] = true
	}
	assert.Equal(t, "/disttx.Coordinator/Create", KindCreate.FullMethod())
	assert.Equal(t, "/disttx.Participant/Commit", KindParticipantCommit.FullMethod())
	assert.Equal(t, "Unknown", numKinds.String())
}

func TestServiceDescsFollowRole(t *testing.T) {
	tests := []struct {
		name    string
		role    Role
		methods map[string]int
	}{
		{"both", RoleBoth, map[string]int{coordinatorService: 7, participantService: 3}},
		{"coordinator", RoleCoordinator, map[string]int{coordinatorService: 7}},
		{"participant", RoleParticipant, map[string]int{participantService: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := NewNode(Options{NodeID: "n1", Role: tt.role})
			require.NoError(t, err)
			defer n.Stop()

			server := NewServer("n1", n.Store(), n.Ledger(), zap.NewNop())
			got := make(map[string]int)
			for _, sd := range server.handlers().serviceDescs() {
				got[sd.ServiceName] = len(sd.Methods)
			}
			assert.Equal(t, tt.methods, got)
		})
	}
}

func TestCodecRejectsForeignTypes(t *testing.T) {
	_, err := wireCodec{}.Marshal("plain string")
	assert.Error(t, err)
	assert.Error(t, wireCodec{}.Unmarshal(nil, new(int)))

	b, err := wireCodec{}.Marshal(&txn.NotifyRequest{Metadata: txn.Metadata{UUID: "tx-1"}, ParticipantKey: "p"})
	require.NoError(t, err)
	var out txn.NotifyRequest
	require.NoError(t, wireCodec{}.Unmarshal(b, &out))
	assert.Equal(t, "tx-1", out.Metadata.UUID)
	assert.Equal(t, "p", out.ParticipantKey)
}

func TestClusterSubmitCommitsAndCleansUp(t *testing.T) {
	c := startCluster(t, map[string]Role{"n1": RoleBoth, "n2": RoleBoth, "n3": RoleBoth},
		participant.Hooks{CheckPrepare: lockPayload})
	orch := c.nodes["n1"].Orchestrator()

	s := newTx(t, orch, client.Options{}, map[string]string{"n2": "row-a", "n3": "row-b"})
	res, err := orch.Submit(context.Background(), s)
	require.NoError(t, err)
	orch.Wait()
	assert.Equal(t, []string{"n2", "n3"}, res.Prepared)

	for _, id := range []string{"n2", "n3"} {
		ps, ok := c.nodes[id].Ledger().Finished(s.Metadata.UUID)
		require.True(t, ok, id)
		assert.Equal(t, txn.OutcomeCommitted, ps.Outcome)
		_, held := c.nodes[id].Ledger().LockHolder(string(ps.ParticipantData))
		assert.False(t, held)
	}

	coord := NewCoordinatorClient(c.nodes["n1"].ring, c.nodes["n1"].clientMgr, time.Second, zap.NewNop(), nil)
	st, err := coord.Query(context.Background(), &s.Metadata)
	require.NoError(t, err)
	assert.Equal(t, txn.StatusCommitted, st.Metadata.Status)

	for _, id := range []string{"n2", "n3"} {
		l := c.nodes[id].Ledger()
		l.Tick(time.Now())
		l.Wait()
	}
	_, err = coord.Query(context.Background(), &s.Metadata)
	assert.True(t, txn.IsNotFound(err), "got %v", err)
}

func TestClusterReplicatedCommit(t *testing.T) {
	c := startCluster(t, map[string]Role{"n1": RoleBoth, "n2": RoleBoth, "n3": RoleBoth},
		participant.Hooks{CheckPrepare: lockPayload})
	orch := c.nodes["n1"].Orchestrator()

	s := newTx(t, orch, client.Options{ReplicateReadCount: 2, ReplicateTotalCount: 3},
		map[string]string{"n1": "", "n2": ""})
	require.True(t, s.Metadata.Replicated())

	_, err := orch.Submit(context.Background(), s)
	require.NoError(t, err)
	orch.Wait()

	committed := 0
	for _, n := range c.nodes {
		st, err := n.Store().Fetch(context.Background(), &s.Metadata)
		if err == nil && st.Metadata.Status == txn.StatusCommitted {
			committed++
		}
	}
	assert.GreaterOrEqual(t, committed, 2)
}

func TestClusterPreemptionCrossesTheWire(t *testing.T) {
	c := startCluster(t, map[string]Role{"n1": RoleBoth, "n2": RoleParticipant},
		participant.Hooks{CheckPrepare: lockPayload})

	older := &txn.ParticipantStorage{
		Metadata: txn.Metadata{
			UUID:        "t0",
			Status:      txn.StatusPrepared,
			PrepareTime: time.Now().Add(-time.Minute),
			ExpireTime:  time.Now().Add(time.Minute),
		},
		ParticipantData: []byte("row"),
	}
	_, err := c.nodes["n2"].Ledger().Prepare(context.Background(), older)
	require.NoError(t, err)

	parts := NewParticipantClient(c.nodes["n1"].ring, c.nodes["n1"].clientMgr, time.Second)
	younger := &txn.ParticipantStorage{
		Metadata: txn.Metadata{
			UUID:        "t1",
			Status:      txn.StatusPrepared,
			PrepareTime: time.Now(),
			ExpireTime:  time.Now().Add(time.Minute),
		},
		ParticipantKey:  "n2",
		ParticipantData: []byte("row"),
	}
	_, err = parts.Prepare(context.Background(), "n2", younger)
	require.Error(t, err)
	assert.True(t, errors.Is(err, txn.ErrResourcePreempted))
	assert.True(t, txn.Retryable(err))

	var pe *txn.PrepareError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "row", pe.Reason.LockedResource)

	// Commit of the holder releases the row and the retry succeeds.
	require.NoError(t, parts.Commit(context.Background(), "n2", &older.Metadata))
	out, err := parts.Prepare(context.Background(), "n2", younger)
	require.NoError(t, err)
	assert.Equal(t, []string{"row"}, out.LockResources)
}

func TestClusterForceCommitRejectUndoes(t *testing.T) {
	undone := make(chan string, 1)
	c := startCluster(t, map[string]Role{"n1": RoleBoth, "n2": RoleParticipant}, participant.Hooks{
		UndoEvent: func(_ context.Context, ps *txn.ParticipantStorage) error {
			undone <- ps.Metadata.UUID
			return nil
		},
	})

	parts := NewParticipantClient(c.nodes["n1"].ring, c.nodes["n1"].clientMgr, time.Second)
	view := &txn.ParticipantStorage{
		Metadata:  txn.Metadata{UUID: "t-force", Status: txn.StatusPrepared},
		Configure: txn.Configure{ForceCommit: true},
	}
	require.NoError(t, parts.Reject(context.Background(), "n2", &view.Metadata, view))

	select {
	case id := <-undone:
		assert.Equal(t, "t-force", id)
	case <-time.After(time.Second):
		t.Fatal("undo hook not called")
	}
}

func TestClusterErrors(t *testing.T) {
	c := startCluster(t, map[string]Role{"n1": RoleBoth, "n2": RoleCoordinator}, participant.Hooks{})
	parts := NewParticipantClient(c.nodes["n1"].ring, c.nodes["n1"].clientMgr, time.Second)
	md := &txn.Metadata{UUID: "t1"}

	err := parts.Commit(context.Background(), "missing", md)
	assert.True(t, errors.Is(err, txn.ErrRouterUnavailable))

	// n2 serves no participant RPCs.
	err = parts.Commit(context.Background(), "n2", md)
	assert.Equal(t, codes.Unimplemented, status.Code(err))

	_, err = parts.Prepare(context.Background(), "n1", &txn.ParticipantStorage{})
	assert.True(t, errors.Is(err, txn.ErrInvalidArgument))
}

func TestNodeRestartRestoresLedger(t *testing.T) {
	persist := storage.NewMemoryStore()
	done := make(chan string, 1)
	opts := Options{
		NodeID:          "n1",
		Role:            RoleParticipant,
		Nodes:           []ring.Node{{ID: "n1", Addr: "passthrough:///n1"}},
		ParticipantTick: time.Hour,
		Persist:         persist,
		Hooks: participant.Hooks{
			CheckPrepare: lockPayload,
			DoEvent: func(_ context.Context, ps *txn.ParticipantStorage) error {
				done <- ps.Metadata.UUID
				return nil
			},
		},
	}
	ctx := context.Background()
	prepared := func(id, row string) *txn.ParticipantStorage {
		return &txn.ParticipantStorage{
			Metadata: txn.Metadata{
				UUID:        id,
				Status:      txn.StatusPrepared,
				PrepareTime: time.Now(),
				ExpireTime:  time.Now().Add(time.Minute),
			},
			ParticipantData: []byte(row),
		}
	}

	n, err := NewNode(opts)
	require.NoError(t, err)
	_, err = n.Ledger().Prepare(ctx, prepared("t-run", "row-1"))
	require.NoError(t, err)
	_, err = n.Ledger().Prepare(ctx, prepared("t-done", "row-2"))
	require.NoError(t, err)
	require.NoError(t, n.Ledger().Commit(ctx, "t-done"))
	<-done
	n.Stop()
	n.Stop()

	restarted, err := NewNode(opts)
	require.NoError(t, err)
	defer restarted.Stop()
	l := restarted.Ledger()

	_, ok := l.Running("t-run")
	require.True(t, ok)
	holder, ok := l.LockHolder("row-1")
	require.True(t, ok)
	assert.Equal(t, "t-run", holder)

	ps, ok := l.Finished("t-done")
	require.True(t, ok, "unacknowledged outcome survives the restart")
	assert.Equal(t, txn.OutcomeCommitted, ps.Outcome)

	// A commit arriving after the restart still runs the business event.
	require.NoError(t, l.Commit(ctx, "t-run"))
	select {
	case id := <-done:
		assert.Equal(t, "t-run", id)
	case <-time.After(time.Second):
		t.Fatal("do event not called after restart")
	}

	_, err = persist.Get(ctx, ledgerZone, ledgerKey("n1"))
	assert.True(t, errors.Is(err, txn.ErrNotFound), "snapshot is consumed on load")
}

func TestNodeRejectsCorruptLedgerSnapshot(t *testing.T) {
	persist := storage.NewMemoryStore()
	_, err := persist.Set(context.Background(), ledgerZone, ledgerKey("n1"), []byte{0xff, 0xff}, 0)
	require.NoError(t, err)

	_, err = NewNode(Options{NodeID: "n1", Role: RoleParticipant, Persist: persist})
	assert.True(t, errors.Is(err, txn.ErrUnpack), "got %v", err)
}
