package quorum

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"disttx/internal/ring"
	"disttx/internal/txn"
)

const (
	// DefaultPerReplicaTimeout is the default timeout for each replica RPC.
	DefaultPerReplicaTimeout = 2 * time.Second
	// MaxStaleRetries bounds transparent retries of a single-node call that hit a CAS conflict.
	MaxStaleRetries = 5
)

// Router resolves nodes for a transaction.
type Router interface {
	Resolve(key string) (ring.Node, error)
	Lookup(id string) (ring.Node, bool)
}

// CallFunc performs one RPC against a node.
type CallFunc[T any] func(ctx context.Context, node ring.Node) (T, error)

// MergeFunc folds an accepted reply into the caller's result.
// It is never called concurrently for one Invoke.
type MergeFunc[T any] func(reply T)

// Options tunes one invocation.
type Options struct {
	// NoWait succeeds once enough calls were sent, without waiting for replies.
	NoWait            bool
	PerReplicaTimeout time.Duration
	Logger            *zap.Logger
}

// Result describes how an invocation completed.
type Result struct {
	Acks     int
	Required int
	Replicas int
	Attempts int
}

// Invoke runs call for the transaction described by md.
//
// Without replication the call goes to the node owning md.UUID and is retried while it fails
// with txn.ErrStaleVersion, up to MaxStaleRetries attempts. With replication the call fans out
// to every replica; it succeeds when ReplicateReadCount distinct replicas reply without error
// and fails with the last error once that can no longer happen.
func Invoke[T any](ctx context.Context, router Router, md *txn.Metadata, call CallFunc[T], merge MergeFunc[T], opts Options) (Result, error) {
	if opts.PerReplicaTimeout <= 0 {
		opts.PerReplicaTimeout = DefaultPerReplicaTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	if !md.Replicated() {
		return invokeSingle(ctx, router, md, call, merge, opts)
	}
	return invokeReplicated(ctx, router, md, call, merge, opts)
}

func invokeSingle[T any](ctx context.Context, router Router, md *txn.Metadata, call CallFunc[T], merge MergeFunc[T], opts Options) (Result, error) {
	res := Result{Required: 1, Replicas: 1}

	node, err := router.Resolve(md.UUID)
	if err != nil {
		return res, err
	}

	if opts.NoWait {
		go detachedCall(ctx, node, md.UUID, call, opts)
		res.Acks = 1
		return res, nil
	}

	for {
		res.Attempts++
		callCtx, cancel := context.WithTimeout(ctx, opts.PerReplicaTimeout)
		reply, err := call(callCtx, node)
		cancel()

		if err == nil {
			if merge != nil {
				merge(reply)
			}
			res.Acks = 1
			return res, nil
		}
		if !errors.Is(err, txn.ErrStaleVersion) || res.Attempts >= MaxStaleRetries {
			return res, err
		}
		opts.Logger.Debug("stale version, retrying",
			zap.String("uuid", md.UUID), zap.String("node", node.ID), zap.Int("attempt", res.Attempts))
	}
}

type reply[T any] struct {
	nodeID string
	value  T
	err    error
}

func invokeReplicated[T any](ctx context.Context, router Router, md *txn.Metadata, call CallFunc[T], merge MergeFunc[T], opts Options) (Result, error) {
	required := int(md.ReplicateReadCount)
	res := Result{Required: required, Attempts: 1}

	var lastErr error
	seen := make(map[string]bool)
	nodes := make([]ring.Node, 0, len(md.ReplicaNodes()))
	for _, id := range md.ReplicaNodes() {
		if seen[id] {
			continue
		}
		seen[id] = true
		n, ok := router.Lookup(id)
		if !ok {
			lastErr = fmt.Errorf("replica %s: %w", id, txn.ErrRouterUnavailable)
			continue
		}
		nodes = append(nodes, n)
	}
	res.Replicas = len(nodes)

	if len(nodes) < required {
		if lastErr == nil {
			lastErr = txn.ErrRouterUnavailable
		}
		return res, fmt.Errorf("quorum not reachable: replicas=%d required=%d: %w", len(nodes), required, lastErr)
	}

	if opts.NoWait {
		for _, n := range nodes {
			go detachedCall(ctx, n, md.UUID, call, opts)
		}
		res.Acks = len(nodes)
		return res, nil
	}

	replicaCtx, cancel := context.WithTimeout(ctx, opts.PerReplicaTimeout)
	defer cancel()

	// Buffered so late replies never block after we return.
	replies := make(chan reply[T], len(nodes))
	for _, n := range nodes {
		go func(n ring.Node) {
			v, err := call(replicaCtx, n)
			replies <- reply[T]{nodeID: n.ID, value: v, err: err}
		}(n)
	}

	pending := len(nodes)
	accepted := make(map[string]bool, required)
	for len(accepted) < required {
		if len(accepted)+pending < required {
			return res, fmt.Errorf("quorum not met: acks=%d required=%d replicas=%d: %w",
				len(accepted), required, len(nodes), lastErr)
		}

		select {
		case r := <-replies:
			pending--
			if r.err != nil {
				lastErr = fmt.Errorf("replica %s: %w", r.nodeID, r.err)
				continue
			}
			if accepted[r.nodeID] {
				continue
			}
			accepted[r.nodeID] = true
			res.Acks = len(accepted)
			if merge != nil {
				merge(r.value)
			}
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}

	return res, nil
}

// detachedCall sends one fire-and-forget call. It outlives the caller's context but keeps its values.
func detachedCall[T any](ctx context.Context, node ring.Node, uuid string, call CallFunc[T], opts Options) {
	defer func() {
		if r := recover(); r != nil {
			opts.Logger.Error("no-wait call panicked", zap.String("uuid", uuid), zap.Any("panic", r))
		}
	}()

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.PerReplicaTimeout)
	defer cancel()

	if _, err := call(callCtx, node); err != nil {
		opts.Logger.Warn("no-wait call failed",
			zap.String("uuid", uuid), zap.String("node", node.ID), zap.Error(err))
	}
}
