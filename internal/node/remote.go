package node

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"disttx/internal/metrics"
	"disttx/internal/quorum"
	"disttx/internal/ring"
	"disttx/internal/txn"
)

// CoordinatorClient reaches the coordinator nodes of a transaction through the quorum layer.
// It serves both the orchestrator and participant reconciliation.
type CoordinatorClient struct {
	router  quorum.Router
	conns   *ClientManager
	timeout time.Duration
	log     *zap.Logger
	m       *metrics.Metrics
}

// NewCoordinatorClient creates a coordinator client. timeout bounds each replica call; zero takes
// the quorum default.
func NewCoordinatorClient(router quorum.Router, conns *ClientManager, timeout time.Duration, log *zap.Logger, m *metrics.Metrics) *CoordinatorClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &CoordinatorClient{router: router, conns: conns, timeout: timeout, log: log, m: m}
}

// call invokes kind on the coordinators of md and returns the merged record, if replies carry one.
func (c *CoordinatorClient) call(ctx context.Context, kind Kind, md *txn.Metadata, req *txn.CoordinatorRequest, noWait bool) (*txn.Storage, error) {
	var out *txn.Storage
	rpc := func(ctx context.Context, node ring.Node) (*txn.CoordinatorResponse, error) {
		resp := &txn.CoordinatorResponse{}
		if err := c.conns.Invoke(ctx, node.Addr, kind, req, resp); err != nil {
			return nil, err
		}
		return resp, nil
	}
	merge := func(resp *txn.CoordinatorResponse) {
		if resp == nil || resp.Storage == nil {
			return
		}
		if out == nil {
			out = resp.Storage
			return
		}
		txn.MergeStorage(out, resp.Storage)
	}

	res, err := quorum.Invoke(ctx, c.router, md, rpc, merge, quorum.Options{
		NoWait:            noWait,
		PerReplicaTimeout: c.timeout,
		Logger:            c.log,
	})
	if err != nil {
		c.m.QuorumFailure(kind.String())
		c.log.Debug("coordinator call failed", zap.Stringer("kind", kind), zap.String("uuid", md.UUID),
			zap.Int("acks", res.Acks), zap.Int("required", res.Required), zap.Error(err))
		return nil, err
	}
	return out, nil
}

// Create registers s at its coordinators and returns the merged stored record.
func (c *CoordinatorClient) Create(ctx context.Context, s *txn.Storage) (*txn.Storage, error) {
	return c.call(ctx, KindCreate, &s.Metadata, &txn.CoordinatorRequest{Metadata: s.Metadata, Storage: s}, false)
}

// Query returns the merged coordinator record, txn.ErrNotFound when no coordinator has it.
func (c *CoordinatorClient) Query(ctx context.Context, md *txn.Metadata) (*txn.Storage, error) {
	out, err := c.call(ctx, KindQuery, md, &txn.CoordinatorRequest{Metadata: *md}, false)
	if err == nil && out == nil {
		return nil, txn.ErrNotFound
	}
	return out, err
}

// Commit records the commit decision for the whole transaction.
func (c *CoordinatorClient) Commit(ctx context.Context, md *txn.Metadata) error {
	_, err := c.call(ctx, KindCommit, md, &txn.CoordinatorRequest{Metadata: *md}, false)
	return err
}

// Reject records the reject decision for the whole transaction.
func (c *CoordinatorClient) Reject(ctx context.Context, md *txn.Metadata) error {
	_, err := c.call(ctx, KindReject, md, &txn.CoordinatorRequest{Metadata: *md}, false)
	return err
}

// Remove deletes the record. With noWait it returns once the requests are sent.
func (c *CoordinatorClient) Remove(ctx context.Context, md *txn.Metadata, noWait bool) error {
	_, err := c.call(ctx, KindRemove, md, &txn.CoordinatorRequest{Metadata: *md}, noWait)
	return err
}

// CommitParticipant acknowledges that participant key has committed.
func (c *CoordinatorClient) CommitParticipant(ctx context.Context, md *txn.Metadata, key string) error {
	_, err := c.call(ctx, KindCommitParticipant, md, &txn.CoordinatorRequest{Metadata: *md, ParticipantKey: key}, false)
	return err
}

// RejectParticipant acknowledges that participant key has rejected.
func (c *CoordinatorClient) RejectParticipant(ctx context.Context, md *txn.Metadata, key string) error {
	_, err := c.call(ctx, KindRejectParticipant, md, &txn.CoordinatorRequest{Metadata: *md, ParticipantKey: key}, false)
	return err
}

// ParticipantClient reaches participants by key. A participant key is the id of the node hosting it.
type ParticipantClient struct {
	router  quorum.Router
	conns   *ClientManager
	timeout time.Duration
}

// NewParticipantClient creates a participant client. timeout bounds each call; zero means none.
func NewParticipantClient(router quorum.Router, conns *ClientManager, timeout time.Duration) *ParticipantClient {
	return &ParticipantClient{router: router, conns: conns, timeout: timeout}
}

func (p *ParticipantClient) invoke(ctx context.Context, key string, kind Kind, req, resp message) error {
	node, ok := p.router.Lookup(key)
	if !ok {
		return fmt.Errorf("participant %s: %w", key, txn.ErrRouterUnavailable)
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return p.conns.Invoke(ctx, node.Addr, kind, req, resp)
}

// Prepare asks participant key to prepare ps and returns its stored view.
func (p *ParticipantClient) Prepare(ctx context.Context, key string, ps *txn.ParticipantStorage) (*txn.ParticipantStorage, error) {
	resp := &txn.PrepareResponse{}
	if err := p.invoke(ctx, key, KindPrepare, &txn.PrepareRequest{Storage: ps}, resp); err != nil {
		return nil, err
	}
	return resp.Storage, nil
}

// Commit tells participant key that the transaction committed.
func (p *ParticipantClient) Commit(ctx context.Context, key string, md *txn.Metadata) error {
	return p.invoke(ctx, key, KindParticipantCommit, &txn.NotifyRequest{Metadata: *md, ParticipantKey: key}, &txn.Ack{})
}

// Reject tells participant key that the transaction was rejected.
// view is set only for force-commit transactions, which the participant never tracked.
func (p *ParticipantClient) Reject(ctx context.Context, key string, md *txn.Metadata, view *txn.ParticipantStorage) error {
	req := &txn.NotifyRequest{Metadata: *md, ParticipantKey: key, Storage: view}
	return p.invoke(ctx, key, KindParticipantReject, req, &txn.Ack{})
}
