/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package endorser implements the Endorsement Coordinator (C6): parallel
// fan-out of a signed proposal to a target peer set, per-peer deadlines,
// response classification, and the byte-identical-proposalResponseBytes
// divergence check required before a transaction may be committed.
package endorser

import (
	"context"
	"sync"
	"time"

	"github.com/hyperledger/fabric-chaincode-go/shim"
	"github.com/hyperledger/fabric/common/flogging"
	"github.com/hyperledger/fabric-protos-go/peer"
	"go.uber.org/zap"
	"google.golang.org/grpc/status"

	"github.com/hyperledger-labs/fabric-client-core/pkg/apierrors"
	"github.com/hyperledger-labs/fabric-client-core/pkg/comm"
	"github.com/hyperledger-labs/fabric-client-core/pkg/txn"
)

var logger = flogging.MustGetLogger("endorser")

// Target names one endorsing peer the Coordinator may dispatch to.
type Target struct {
	ID       string
	Endpoint comm.EndpointSpec
}

// Endorsement carries one peer's endorser signature over a proposal
// response, matching spec.md §3's nested endorsement shape.
type Endorsement struct {
	EndorserBytes  []byte
	SignatureBytes []byte
}

// Response is spec.md §3's EndorsementResponse: a response is valid iff
// status is in [200,400) and Endorsement is non-empty.
type Response struct {
	Peer                   string
	Status                 int32
	Message                string
	Payload                []byte
	Endorsement            *Endorsement
	ProposalResponseBytes  []byte
}

func (r Response) isValid() bool {
	return r.Status >= shim.OK && r.Status < shim.ERRORTHRESHOLD && r.Endorsement != nil
}

// Result is what Coordinator.Endorse returns: the collated valid set plus
// per-peer errors for diagnostics. The caller (the orchestrator) is
// responsible for evaluating its policy against Valid; the coordinator
// never short-circuits on "enough responses".
type Result struct {
	Valid  []Response
	Errors []apierrors.PeerError
}

// Coordinator dispatches proposals to peers through a shared connection
// pool, decorated with an optional per-peer circuit breaker so a
// persistently failing peer is skipped quickly rather than retried into
// its deadline every call.
type Coordinator struct {
	pool            *comm.Pool
	dialTimeout     time.Duration
	breakers        map[string]*CircuitBreaker
	breakersMu      sync.Mutex
	breakerConfig   CircuitBreakerConfig
}

// NewCoordinator constructs a Coordinator over a shared connection pool.
func NewCoordinator(pool *comm.Pool) *Coordinator {
	return &Coordinator{
		pool:          pool,
		dialTimeout:   comm.DefaultDialTimeout,
		breakers:      make(map[string]*CircuitBreaker),
		breakerConfig: DefaultCircuitBreakerConfig(),
	}
}

func (c *Coordinator) breakerFor(peerID string) *CircuitBreaker {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	if cb, ok := c.breakers[peerID]; ok {
		return cb
	}
	cb := NewCircuitBreaker(c.breakerConfig, newMetrics())
	c.breakers[peerID] = cb
	return cb
}

// Endorse implements spec.md §4.6's algorithm: dispatch concurrently to
// every target with an independent deadline, classify each response, and
// — once every peer has resolved — reject the whole valid set if any two
// valid responses diverge on ProposalResponseBytes.
func (c *Coordinator) Endorse(ctx context.Context, p *txn.Proposal, targets []Target, perPeerDeadline time.Duration) Result {
	type outcome struct {
		peer string
		resp *Response
		err  error
	}

	outcomes := make(chan outcome, len(targets))
	var wg sync.WaitGroup
	wg.Add(len(targets))

	for _, target := range targets {
		target := target
		go func() {
			defer wg.Done()
			resp, err := c.dispatch(ctx, p, target, perPeerDeadline)
			outcomes <- outcome{peer: target.ID, resp: resp, err: err}
		}()
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	var valid []Response
	var errs []apierrors.PeerError
	for o := range outcomes {
		if o.err != nil {
			errs = append(errs, apierrors.PeerError{Peer: o.peer, Err: o.err})
			continue
		}
		if o.resp.isValid() {
			valid = append(valid, *o.resp)
		} else {
			errs = append(errs, apierrors.PeerError{
				Peer: o.peer,
				Err:  apierrors.NewTransportError("INVALID_RESPONSE", statusError(o.resp)),
			})
		}
	}

	valid, divergent := partitionDivergent(valid)
	if len(divergent) > 0 {
		errs = append(errs, apierrors.PeerError{
			Peer: "*",
			Err:  apierrors.NewDivergentRWSet(divergent),
		})
		logger.Warnf("divergent proposalResponseBytes across peers %v; marking all invalid", divergent)
		valid = nil
	}

	return Result{Valid: valid, Errors: errs}
}

func statusError(r *Response) error {
	return &statusErr{status: r.Status, message: r.Message}
}

type statusErr struct {
	status  int32
	message string
}

func (e *statusErr) Error() string {
	return status.New(0, e.message).Err().Error()
}

// dispatch sends the proposal to one peer and classifies its response,
// honoring perPeerDeadline and the circuit breaker guarding that peer.
func (c *Coordinator) dispatch(ctx context.Context, p *txn.Proposal, target Target, deadline time.Duration) (*Response, error) {
	defer func(start time.Time) {
		// Skip this deferred closure's own frame so the logged caller is
		// dispatch itself, matching the teacher's zap.AddCallerSkip idiom.
		decorated := logger.WithOptions(zap.AddCallerSkip(1))
		decorated.Debugf("dispatched proposal to peer %s in %dms", target.ID, time.Since(start).Milliseconds())
	}(time.Now())

	breaker := c.breakerFor(target.ID)

	var resp *Response
	err := breaker.Execute(func() error {
		dctx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()

		conn, dialErr := c.pool.Get(dctx, target.Endpoint, c.dialTimeout)
		if dialErr != nil {
			return apierrors.NewPeerTimeout(target.ID)
		}

		client := peer.NewEndorserClient(conn)
		pr, callErr := client.ProcessProposal(dctx, p.SignedProposal())
		if callErr != nil {
			if dctx.Err() != nil {
				return apierrors.NewPeerTimeout(target.ID)
			}
			c.pool.ReportBroken(target.Endpoint)
			return apierrors.NewTransportError(status.Code(callErr).String(), callErr)
		}

		resp = toResponse(target.ID, pr)
		return nil
	})
	return resp, err
}

func toResponse(peerID string, pr *peer.ProposalResponse) *Response {
	r := &Response{Peer: peerID}
	if pr.Response != nil {
		r.Status = pr.Response.Status
		r.Message = pr.Response.Message
		r.Payload = pr.Response.Payload
	}
	if pr.Endorsement != nil {
		r.Endorsement = &Endorsement{
			EndorserBytes:  pr.Endorsement.Endorser,
			SignatureBytes: pr.Endorsement.Signature,
		}
	}
	r.ProposalResponseBytes = pr.Payload
	return r
}

// partitionDivergent splits a valid-response set into the ones that share
// the majority ProposalResponseBytes and the peer ids that diverge from
// it, implementing testable property 3: a returned valid set always has
// exactly one distinct ProposalResponseBytes value.
func partitionDivergent(valid []Response) ([]Response, []string) {
	if len(valid) <= 1 {
		return valid, nil
	}
	counts := make(map[string]int)
	for _, r := range valid {
		counts[string(r.ProposalResponseBytes)]++
	}
	if len(counts) <= 1 {
		return valid, nil
	}

	var majority string
	best := -1
	for k, n := range counts {
		if n > best {
			best, majority = n, k
		}
	}

	var kept []Response
	var divergentPeers []string
	for _, r := range valid {
		if string(r.ProposalResponseBytes) != majority {
			divergentPeers = append(divergentPeers, r.Peer)
			continue
		}
		kept = append(kept, r)
	}
	return kept, divergentPeers
}
