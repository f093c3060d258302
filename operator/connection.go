package operator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/lightsparkdev/spark-wallet/rpc"
)

// Pool hands out one SessionClient per operator, creating and caching the
// underlying grpc connection on first use. Safe for concurrent use.
type Pool struct {
	resolver *Resolver

	keepaliveTime    time.Duration
	keepaliveTimeout time.Duration

	mu      sync.Mutex
	conns   map[string]*grpc.ClientConn
	clients map[string]rpc.SessionClient
}

// NewPool builds a connection pool over the resolver. Keepalive detects dead
// connections: time is the ping interval, timeout how long to wait for an ack
// before closing.
func NewPool(resolver *Resolver, keepaliveTime, keepaliveTimeout time.Duration) *Pool {
	return &Pool{
		resolver:         resolver,
		keepaliveTime:    keepaliveTime,
		keepaliveTimeout: keepaliveTimeout,
		conns:            make(map[string]*grpc.ClientConn),
		clients:          make(map[string]rpc.SessionClient),
	}
}

// SessionClient returns the client for the operator, dialing if needed.
func (p *Pool) SessionClient(ctx context.Context, op *SigningOperator) (rpc.SessionClient, error) {
	p.mu.Lock()
	if client, ok := p.clients[op.Identifier]; ok {
		p.mu.Unlock()
		return client, nil
	}
	p.mu.Unlock()

	endpoint, err := p.resolver.Resolve(ctx, op)
	if err != nil {
		return nil, err
	}

	conn, err := p.dial(endpoint, op)
	if err != nil {
		p.resolver.Invalidate(op.Identifier)
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[op.Identifier]; ok {
		_ = conn.Close()
		return client, nil
	}
	client := rpc.NewSessionClient(conn)
	p.conns[op.Identifier] = conn
	p.clients[op.Identifier] = client
	return client, nil
}

func (p *Pool) dial(endpoint string, op *SigningOperator) (*grpc.ClientConn, error) {
	var transportCreds credentials.TransportCredentials
	if op.CertPath != "" {
		creds, err := credentials.NewClientTLSFromFile(op.CertPath, "")
		if err != nil {
			return nil, fmt.Errorf("loading cert for operator %s: %w", op.Identifier, err)
		}
		transportCreds = creds
	} else {
		transportCreds = insecure.NewCredentials()
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(transportCreds),
	}
	if p.keepaliveTime > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                p.keepaliveTime,
			Timeout:             p.keepaliveTimeout,
			PermitWithoutStream: true,
		}))
	}

	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing operator %s at %s: %w", op.Identifier, endpoint, err)
	}
	return conn, nil
}

// Drop closes and forgets the operator's connection. The next SessionClient
// call re-resolves and re-dials.
func (p *Pool) Drop(identifier string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[identifier]; ok {
		_ = conn.Close()
		delete(p.conns, identifier)
		delete(p.clients, identifier)
	}
	p.resolver.Invalidate(identifier)
}

// Close closes all connections.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, conn := range p.conns {
		_ = conn.Close()
		delete(p.conns, id)
		delete(p.clients, id)
	}
}
