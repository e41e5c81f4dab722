package node

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"disttx/internal/txn"
)

// ClientManager caches one gRPC connection per peer address.
type ClientManager struct {
	mu       sync.RWMutex
	conns    map[string]*grpc.ClientConn
	dialOpts []grpc.DialOption
}

// NewClientManager creates a client manager. opts are appended to the default dial options.
func NewClientManager(opts ...grpc.DialOption) *ClientManager {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	return &ClientManager{
		conns:    make(map[string]*grpc.ClientConn),
		dialOpts: append(dialOpts, opts...),
	}
}

// Conn returns the connection to addr, creating it on first use.
func (cm *ClientManager) Conn(addr string) (*grpc.ClientConn, error) {
	cm.mu.RLock()
	conn, exists := cm.conns[addr]
	cm.mu.RUnlock()

	if exists {
		return conn, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Double-check after acquiring write lock
	if conn, exists := cm.conns[addr]; exists {
		return conn, nil
	}

	conn, err := grpc.NewClient(addr, cm.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	cm.conns[addr] = conn
	return conn, nil
}

// Invoke calls kind on addr and decodes the reply into resp. Application errors come back
// as the matching txn sentinel.
func (cm *ClientManager) Invoke(ctx context.Context, addr string, kind Kind, req, resp message) error {
	conn, err := cm.Conn(addr)
	if err != nil {
		return err
	}
	if err := conn.Invoke(ctx, kind.FullMethod(), req, resp); err != nil {
		return txn.FromStatus(err)
	}
	return nil
}

// Close closes every cached connection.
func (cm *ClientManager) Close() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for addr, conn := range cm.conns {
		_ = conn.Close()
		delete(cm.conns, addr)
	}
}
