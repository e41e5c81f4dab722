package node

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"disttx/internal/client"
	"disttx/internal/coordinator"
	"disttx/internal/metrics"
	"disttx/internal/participant"
	"disttx/internal/ring"
	"disttx/internal/storage"
	"disttx/internal/txn"
)

// ledgerZone holds participant ledger snapshots, apart from the transaction records of zone 0
// and the local zone.
const ledgerZone uint32 = math.MaxUint32

func ledgerKey(participantKey string) string { return "ledger/" + participantKey }

// Role selects which sides of the protocol a node serves.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleParticipant Role = "participant"
	RoleBoth        Role = "both"
)

func (r Role) hasCoordinator() bool { return r == RoleCoordinator || r == RoleBoth || r == "" }
func (r Role) hasParticipant() bool { return r == RoleParticipant || r == RoleBoth || r == "" }

// Options configures a node.
type Options struct {
	NodeID     string
	ListenAddr string
	Role       Role

	// Nodes is the static cluster membership, self included.
	Nodes  []ring.Node
	VNodes int

	Coordinator     coordinator.Config
	CoordinatorTick time.Duration
	Participant     participant.Config
	ParticipantTick time.Duration
	Hooks           participant.Hooks
	RPCTimeout      time.Duration

	// Persist backs the coordinator store and the participant ledger snapshot.
	// Nil uses an in-memory store.
	Persist storage.Store

	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	DialOptions []grpc.DialOption
}

// Node is a single process of the transaction cluster.
type Node struct {
	opts       Options
	log        *zap.Logger
	ring       *ring.Ring
	clientMgr  *ClientManager
	grpcServer *grpc.Server
	persist    storage.Store

	store  *coordinator.Store
	ledger *participant.Ledger
	orch   *client.Orchestrator

	ctx      context.Context
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	stopOnce sync.Once
}

// NewNode wires the components of a node. Nothing runs until Start or Serve.
func NewNode(opts Options) (*Node, error) {
	if opts.NodeID == "" {
		return nil, errors.New("node id is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Participant.Key == "" {
		opts.Participant.Key = opts.NodeID
	}
	if opts.CoordinatorTick <= 0 {
		opts.CoordinatorTick = time.Second
	}
	if opts.ParticipantTick <= 0 {
		opts.ParticipantTick = time.Second
	}

	rng := ring.NewRing(opts.VNodes)
	rng.SetNodes(opts.Nodes)

	persist := opts.Persist
	if persist == nil {
		persist = storage.NewMemoryStore()
	}

	n := &Node{
		opts:      opts,
		log:       log,
		ring:      rng,
		clientMgr: NewClientManager(opts.DialOptions...),
		persist:   persist,
	}

	coordClient := NewCoordinatorClient(rng, n.clientMgr, opts.RPCTimeout, log.Named("quorum"), opts.Metrics)
	if opts.Role.hasCoordinator() {
		n.store = coordinator.New(opts.Coordinator, persist, log.Named("coordinator"), opts.Metrics)
	}
	if opts.Role.hasParticipant() {
		n.ledger = participant.New(opts.Participant, coordClient, opts.Hooks, log.Named("participant"), opts.Metrics)
		if err := n.restoreLedger(context.Background()); err != nil {
			n.ledger.Close()
			return nil, err
		}
	}
	n.orch = client.New(coordClient, NewParticipantClient(rng, n.clientMgr, opts.RPCTimeout), rng,
		log.Named("client"), opts.Metrics)

	n.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(log)))
	server := NewServer(opts.NodeID, n.store, n.ledger, log)
	for _, sd := range server.handlers().serviceDescs() {
		n.grpcServer.RegisterService(sd, server)
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	return n, nil
}

// Start listens on the configured address and serves until Stop.
func (n *Node) Start() error {
	lis, err := net.Listen("tcp", n.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.opts.ListenAddr, err)
	}
	return n.Serve(lis)
}

// Serve serves on lis until Stop.
func (n *Node) Serve(lis net.Listener) error {
	ctx := n.ctx
	if n.store != nil {
		n.loops.Add(1)
		go func() {
			defer n.loops.Done()
			n.store.Run(ctx, n.opts.CoordinatorTick)
		}()
	}
	if n.ledger != nil {
		n.loops.Add(1)
		go func() {
			defer n.loops.Done()
			n.ledger.Run(ctx, n.opts.ParticipantTick)
		}()
	}

	n.log.Info("starting node", zap.String("addr", lis.Addr().String()), zap.String("role", string(n.opts.Role)))

	if err := n.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop drains the coordinator, stops serving, waits for background loops and saves the
// participant ledger. Later calls do nothing.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.log.Info("stopping node")
		if n.store != nil {
			n.store.Shutdown()
		}
		n.grpcServer.GracefulStop()
		n.cancel()
		n.loops.Wait()
		if n.ledger != nil {
			n.ledger.Close()
			if err := n.saveLedger(context.Background()); err != nil {
				n.log.Error("save ledger snapshot failed", zap.Error(err))
			}
		}
		n.orch.Wait()
		n.clientMgr.Close()
	})
}

// restoreLedger loads the snapshot left by the last Stop. The stored copy is removed once loaded,
// so a crash before the next Stop never replays entries that were resolved since.
func (n *Node) restoreLedger(ctx context.Context) error {
	key := ledgerKey(n.ledger.Key())
	rec, err := n.persist.Get(ctx, ledgerZone, key)
	if errors.Is(err, txn.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load ledger snapshot: %w", err)
	}
	snap, err := txn.UnmarshalSnapshot(rec.Blob)
	if err != nil {
		return fmt.Errorf("load ledger snapshot: %w", err)
	}
	n.ledger.Load(snap)
	if err := n.persist.Remove(ctx, ledgerZone, key); err != nil && !errors.Is(err, txn.ErrNotFound) {
		return fmt.Errorf("clear ledger snapshot: %w", err)
	}
	n.log.Info("ledger snapshot restored",
		zap.Int("running", len(snap.Running)), zap.Int("finished", len(snap.Finished)))
	return nil
}

// saveLedger persists the ledger state. An empty ledger stores nothing.
func (n *Node) saveLedger(ctx context.Context) error {
	snap := n.ledger.Dump()
	if len(snap.Running) == 0 && len(snap.Finished) == 0 {
		return nil
	}
	blob, err := txn.MarshalSnapshot(snap)
	if err != nil {
		return err
	}
	if _, err := n.persist.Set(ctx, ledgerZone, ledgerKey(n.ledger.Key()), blob, 0); err != nil {
		return err
	}
	n.log.Info("ledger snapshot saved",
		zap.Int("running", len(snap.Running)), zap.Int("finished", len(snap.Finished)))
	return nil
}

// Orchestrator returns the client side of this node.
func (n *Node) Orchestrator() *client.Orchestrator { return n.orch }

// Ledger returns the participant ledger, nil when the node is not a participant.
func (n *Node) Ledger() *participant.Ledger { return n.ledger }

// Store returns the coordinator store, nil when the node is not a coordinator.
func (n *Node) Store() *coordinator.Store { return n.store }

func loggingInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if ce := log.Check(zap.DebugLevel, "rpc"); ce != nil {
			ce.Write(zap.String("method", info.FullMethod), zap.Duration("took", time.Since(start)), zap.Error(err))
		}
		return resp, err
	}
}
