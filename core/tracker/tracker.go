/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package tracker implements the Commit Tracker (C9): awaiting a
// transaction's validation code across a set of peers under one of
// three resolution strategies, backed by each peer's EventService.
package tracker

import (
	"context"
	"sync"
	"time"

	fabricpeer "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/hyperledger/fabric/common/flogging"

	"github.com/hyperledger-labs/fabric-client-core/core/event"
	"github.com/hyperledger-labs/fabric-client-core/pkg/apierrors"
	"github.com/hyperledger-labs/fabric-client-core/pkg/identity"
)

var logger = flogging.MustGetLogger("tracker")

// Strategy selects how awaitCommit resolves across multiple peers.
type Strategy int

const (
	// AllOf resolves success only once every target peer has delivered
	// txId with a zero validation code; any non-zero code fails it
	// immediately.
	AllOf Strategy = iota
	// AnyOf resolves success on the first peer to deliver txId with a
	// zero validation code. A non-zero code from one peer only fails the
	// tracker once every peer has reported; if the timeout elapses first,
	// the result is a CommitTimeout.
	AnyOf
	// None skips tracking entirely and assumes commit after the
	// broadcast ack — offered only for fire-and-forget callers.
	None
)

// Tracker arms a transaction listener on each named peer's EventService
// and resolves once the configured strategy is satisfied or timeout
// elapses.
type Tracker struct {
	mu       sync.Mutex
	services map[string]*event.Service
}

// NewTracker wraps the shared, already-constructed EventService per peer
// the orchestrator maintains; the tracker starts one if it isn't already
// LISTENING rather than owning its lifecycle.
func NewTracker(services map[string]*event.Service) *Tracker {
	return &Tracker{services: services}
}

type report struct {
	peer string
	code fabricpeer.TxValidationCode
}

// Armed is a transaction listener already registered on every target
// peer's EventService. Splitting registration (Arm) from resolution
// (Wait) lets a caller broadcast only after listeners are in place,
// satisfying the "arm before broadcast" ordering spec.md §5 requires: an
// event arriving synchronously with the broadcast ack must be delivered,
// not lost to a listener that was still being registered.
type Armed struct {
	txID       string
	strategy   Strategy
	peerIDs    []string
	reports    chan report
	unregister map[string]func()
}

// Arm registers a transaction listener on every named peer's
// EventService (starting it at Newest if not already LISTENING) and
// returns once every registration has completed. Strategy None arms
// nothing and Wait resolves immediately.
func (t *Tracker) Arm(ctx context.Context, idCtx *identity.Context, channelID, txID string, peerIDs []string, strategy Strategy) (*Armed, error) {
	if strategy == None {
		return &Armed{txID: txID, strategy: None}, nil
	}
	if len(peerIDs) == 0 {
		return nil, apierrors.NewBadArgs("peerIDs", "must not be empty")
	}

	reports := make(chan report, len(peerIDs))
	unregister := make(map[string]func(), len(peerIDs))

	for _, peerID := range peerIDs {
		svc, ok := t.serviceFor(peerID)
		if !ok {
			return nil, apierrors.NewBadArgs("peerIDs", "no EventService registered for peer "+peerID)
		}
		if svc.State() != event.Listening {
			if err := svc.Start(ctx, idCtx, channelID, event.Newest(), event.Newest(), event.Filtered); err != nil {
				return nil, apierrors.Wrap(err, "starting EventService for commit tracking failed")
			}
		}
		peerID := peerID
		id := svc.RegisterTransaction(txID, func(c event.TxCommit) {
			reports <- report{peer: peerID, code: c.ValidationCode}
		}, event.Options{Once: true})
		unregister[peerID] = func() { svc.Unregister(id) }
	}

	return &Armed{txID: txID, strategy: strategy, peerIDs: peerIDs, reports: reports, unregister: unregister}, nil
}

// Disarm unregisters every listener Arm registered without waiting for a
// result, for callers that decide not to await commit after all (e.g.
// broadcast itself failed).
func (a *Armed) Disarm() {
	for _, fn := range a.unregister {
		fn()
	}
}

// Wait blocks until the armed strategy resolves, the timeout elapses, or
// ctx is cancelled. Listeners are always unregistered before returning.
func (a *Armed) Wait(ctx context.Context, timeout time.Duration) (fabricpeer.TxValidationCode, error) {
	if a.strategy == None {
		return fabricpeer.TxValidationCode_VALID, nil
	}
	defer func() {
		for _, fn := range a.unregister {
			fn()
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	responded := make(map[string]fabricpeer.TxValidationCode, len(a.peerIDs))
	var last fabricpeer.TxValidationCode
	for len(responded) < len(a.peerIDs) {
		select {
		case r := <-a.reports:
			responded[r.peer] = r.code
			last = r.code
			logger.Debugf("peer %s reported validation code %s for tx %s", r.peer, r.code.String(), a.txID)

			if a.strategy == AllOf && r.code != fabricpeer.TxValidationCode_VALID {
				return r.code, apierrors.NewCommitFailure(a.txID, uint8(r.code))
			}
			if a.strategy == AnyOf && r.code == fabricpeer.TxValidationCode_VALID {
				return r.code, nil
			}
		case <-timer.C:
			return 0, apierrors.NewCommitTimeout(a.txID, peerList(responded), outstanding(a.peerIDs, responded))
		case <-ctx.Done():
			return 0, apierrors.NewCommitTimeout(a.txID, peerList(responded), outstanding(a.peerIDs, responded))
		}
	}

	// Every peer has responded. AllOf: all were valid, or we'd have
	// returned already. AnyOf: none were valid, or we'd have returned
	// already — surface the last observed non-zero code.
	if a.strategy == AllOf {
		return fabricpeer.TxValidationCode_VALID, nil
	}
	return last, apierrors.NewCommitFailure(a.txID, uint8(last))
}

// AwaitCommit is the single-call convenience form of Arm followed by
// Wait, for callers that don't need broadcast to happen strictly between
// the two (e.g. fire-and-forget submitters tolerant of the race Arm/Wait
// exists to eliminate).
func (t *Tracker) AwaitCommit(ctx context.Context, idCtx *identity.Context, channelID, txID string, peerIDs []string, strategy Strategy, timeout time.Duration) (fabricpeer.TxValidationCode, error) {
	armed, err := t.Arm(ctx, idCtx, channelID, txID, peerIDs, strategy)
	if err != nil {
		return 0, err
	}
	return armed.Wait(ctx, timeout)
}

func (t *Tracker) serviceFor(peerID string) (*event.Service, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	svc, ok := t.services[peerID]
	return svc, ok
}

func peerList(responded map[string]fabricpeer.TxValidationCode) []string {
	out := make([]string, 0, len(responded))
	for p := range responded {
		out = append(out, p)
	}
	return out
}

func outstanding(all []string, responded map[string]fabricpeer.TxValidationCode) []string {
	out := make([]string, 0, len(all))
	for _, p := range all {
		if _, ok := responded[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}
