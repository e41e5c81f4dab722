package node

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"disttx/internal/coordinator"
	"disttx/internal/participant"
	"disttx/internal/txn"
)

// Server serves the protocol RPCs of one node. Either side may be nil when the node
// does not play that role.
type Server struct {
	nodeID string
	store  *coordinator.Store
	ledger *participant.Ledger
	log    *zap.Logger
}

// NewServer creates the inbound handlers.
func NewServer(nodeID string, store *coordinator.Store, ledger *participant.Ledger, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{nodeID: nodeID, store: store, ledger: ledger, log: log}
}

// handlers resolves the dispatch table once. Kinds of an absent role stay unserved.
func (s *Server) handlers() *handlerTable {
	var t handlerTable
	if s.store != nil {
		t[KindCreate] = s.create
		t[KindQuery] = s.query
		t[KindCommit] = coordinatorOp(s.store.Commit)
		t[KindReject] = coordinatorOp(s.store.Reject)
		t[KindRemove] = coordinatorOp(s.store.Remove)
		t[KindCommitParticipant] = s.acknowledge(s.store.CommitParticipant)
		t[KindRejectParticipant] = s.acknowledge(s.store.RejectParticipant)
	}
	if s.ledger != nil {
		t[KindPrepare] = s.prepare
		t[KindParticipantCommit] = s.commit
		t[KindParticipantReject] = s.reject
	}
	return &t
}

func (s *Server) create(ctx context.Context, m message) (message, error) {
	req := m.(*txn.CoordinatorRequest)
	if req.Storage == nil {
		return nil, fmt.Errorf("%w: create without storage", txn.ErrInvalidArgument)
	}
	out, err := s.store.Create(ctx, req.Storage)
	if err != nil {
		return nil, err
	}
	return &txn.CoordinatorResponse{Storage: out}, nil
}

func (s *Server) query(ctx context.Context, m message) (message, error) {
	req := m.(*txn.CoordinatorRequest)
	out, err := s.store.Fetch(ctx, &req.Metadata)
	if err != nil {
		return nil, err
	}
	return &txn.CoordinatorResponse{Storage: out}, nil
}

func coordinatorOp(op func(context.Context, *txn.Metadata) error) handlerFunc {
	return func(ctx context.Context, m message) (message, error) {
		req := m.(*txn.CoordinatorRequest)
		if err := op(ctx, &req.Metadata); err != nil {
			return nil, err
		}
		return &txn.CoordinatorResponse{}, nil
	}
}

func (s *Server) acknowledge(op func(context.Context, *txn.Metadata, string) error) handlerFunc {
	return func(ctx context.Context, m message) (message, error) {
		req := m.(*txn.CoordinatorRequest)
		if err := op(ctx, &req.Metadata, req.ParticipantKey); err != nil {
			return nil, err
		}
		return &txn.CoordinatorResponse{}, nil
	}
}

func (s *Server) prepare(ctx context.Context, m message) (message, error) {
	req := m.(*txn.PrepareRequest)
	out, err := s.ledger.Prepare(ctx, req.Storage)
	if err != nil {
		return nil, err
	}
	return &txn.PrepareResponse{Storage: out}, nil
}

func (s *Server) commit(ctx context.Context, m message) (message, error) {
	req := m.(*txn.NotifyRequest)
	if err := s.ledger.Commit(ctx, req.Metadata.UUID); err != nil {
		return nil, err
	}
	return &txn.Ack{}, nil
}

func (s *Server) reject(ctx context.Context, m message) (message, error) {
	req := m.(*txn.NotifyRequest)
	var err error
	if req.Storage != nil && req.Storage.Configure.ForceCommit {
		err = s.ledger.RejectForceCommit(ctx, req.Storage)
	} else {
		err = s.ledger.Reject(ctx, req.Metadata.UUID)
	}
	if err != nil {
		return nil, err
	}
	return &txn.Ack{}, nil
}
