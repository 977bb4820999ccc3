/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package comm

import (
	"context"
	"sync"
	"time"

	"github.com/hyperledger/fabric/common/flogging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"

	"github.com/hyperledger-labs/fabric-client-core/pkg/apierrors"
)

var logger = flogging.MustGetLogger("comm")

const (
	DefaultDialTimeout     = 3 * time.Second
	DefaultKeepAliveTime    = 60 * time.Second
	DefaultKeepAliveTimeout = 20 * time.Second
)

// entry is one pooled connection, owned exclusively by the Pool: consumers
// hold a non-owning reference and never call Close on the *grpc.ClientConn
// themselves.
type entry struct {
	conn *grpc.ClientConn
	spec EndpointSpec
}

// Pool deduplicates gRPC connections by (url, tlsRoots-hash,
// clientCert-hash) and opens each one lazily, on first use, keeping it
// open and shared by reference to every consumer that asks for the same
// endpoint identity.
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewPool constructs an empty connection pool.
func NewPool() *Pool {
	return &Pool{entries: make(map[string]*entry)}
}

// Get returns the shared *grpc.ClientConn for spec, dialing lazily on the
// first call for a given dedup key and reusing it on every subsequent
// call. The dial itself honors dialTimeout.
func (p *Pool) Get(ctx context.Context, spec EndpointSpec, dialTimeout time.Duration) (*grpc.ClientConn, error) {
	key := spec.key()

	p.mu.RLock()
	e, ok := p.entries[key]
	p.mu.RUnlock()
	if ok {
		return e.conn, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-checked: another goroutine may have dialed while we waited
	// for the write lock.
	if e, ok := p.entries[key]; ok {
		return e.conn, nil
	}

	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	opts, err := spec.dialOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, grpc.WithBlock())

	conn, err := grpc.DialContext(dialCtx, spec.URL, opts...)
	if err != nil {
		return nil, apierrors.NewTransportError("UNAVAILABLE", err)
	}

	p.entries[key] = &entry{conn: conn, spec: spec}
	logger.Debugf("dialed new connection to %s", spec.URL)
	return conn, nil
}

// ReportBroken is called by a consumer that observed its current call fail
// with a connection-level error. The broken connection is dropped from the
// pool so the next Get transparently re-dials; the consumer never closes
// the channel itself.
func (p *Pool) ReportBroken(spec EndpointSpec) {
	key := spec.key()
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		return
	}
	if e.conn.GetState() == connectivity.Shutdown {
		delete(p.entries, key)
		return
	}
	logger.Warnf("dropping connection to %s after reported failure", spec.URL)
	e.conn.Close()
	delete(p.entries, key)
}

// Close drains every pooled connection. A closed Pool must not be reused.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for key, e := range p.entries {
		if err := e.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.entries, key)
	}
	return firstErr
}

// Size reports the number of distinct live connections, for diagnostics
// and tests.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
