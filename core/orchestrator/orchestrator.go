/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package orchestrator implements the Transaction Orchestrator (C10): the
// single entry point that drives a transaction from a fresh identity
// context through proposal construction, endorsement, policy evaluation,
// broadcast and commit confirmation, composing C1 through C9.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/hyperledger/fabric/common/flogging"

	"github.com/hyperledger-labs/fabric-client-core/core/committer"
	"github.com/hyperledger-labs/fabric-client-core/core/endorser"
	"github.com/hyperledger-labs/fabric-client-core/core/event"
	"github.com/hyperledger-labs/fabric-client-core/core/tracker"
	"github.com/hyperledger-labs/fabric-client-core/pkg/apierrors"
	"github.com/hyperledger-labs/fabric-client-core/pkg/identity"
	"github.com/hyperledger-labs/fabric-client-core/pkg/policy"
	"github.com/hyperledger-labs/fabric-client-core/pkg/txn"
)

var logger = flogging.MustGetLogger("orchestrator")

// Options parameterizes one submit or evaluate call. Endorsers and
// EventServices share peer identity by ID: an entry in Endorsers
// without a corresponding entry in EventServices cannot be tracked and
// is rejected unless Strategy is tracker.None.
type Options struct {
	Endorsers         []endorser.Target
	EventServices     map[string]*event.Service
	Orderer           committer.Target
	Policy            policy.Policy
	Strategy          tracker.Strategy
	PerPeerDeadline   time.Duration
	BroadcastTimeouts committer.Timeouts
	CommitTimeout     time.Duration
}

// DefaultOptions fills the three timeout tiers spec.md §5 names, leaving
// Endorsers/EventServices/Orderer/Policy for the caller to supply.
func DefaultOptions() Options {
	return Options{
		PerPeerDeadline:   30 * time.Second,
		BroadcastTimeouts: committer.DefaultTimeouts(),
		CommitTimeout:     60 * time.Second,
		Strategy:          tracker.AllOf,
	}
}

// Orchestrator wires the Endorsement Coordinator, Commit Submitter and
// Commit Tracker together behind one submit/evaluate call.
type Orchestrator struct {
	coordinator *endorser.Coordinator
	submitter   *committer.Submitter
}

// New constructs an Orchestrator over the given Coordinator and
// Submitter, which in turn share one connection pool with the caller's
// EventServices.
func New(coordinator *endorser.Coordinator, submitter *committer.Submitter) *Orchestrator {
	return &Orchestrator{coordinator: coordinator, submitter: submitter}
}

// Submit implements spec.md §4.10's seven-step submit algorithm.
func (o *Orchestrator) Submit(ctx context.Context, id *identity.Identity, channelID, chaincodeID, fn string, args [][]byte, transient map[string][]byte, opts Options) ([]byte, error) {
	idCtx, proposal, endorsed, err := o.endorseOnly(ctx, id, channelID, chaincodeID, fn, args, transient, opts)
	if err != nil {
		return nil, err
	}

	if opts.Policy == nil {
		return nil, apierrors.NewBadArgs("opts.Policy", "must not be nil")
	}
	if !opts.Policy.Satisfied(endorsed.Valid) {
		if divergent := divergentRWSet(endorsed.Errors); divergent != nil {
			return nil, divergent
		}
		return nil, apierrors.NewEndorsementPolicyFailure(endorsed.Errors)
	}

	peerIDs := make([]string, 0, len(endorsed.Valid))
	for _, r := range endorsed.Valid {
		peerIDs = append(peerIDs, r.Peer)
	}

	trk := tracker.NewTracker(opts.EventServices)

	// Arm blocks until every listener is registered, so the transaction
	// listener is in place before the broadcast below can possibly
	// produce a matching block — eliminating the race where a block
	// arrives between the orderer's ack and listener registration.
	armed, err := trk.Arm(ctx, idCtx, channelID, idCtx.TxID, peerIDs, opts.Strategy)
	if err != nil {
		return nil, err
	}

	result, err := o.submitter.Broadcast(ctx, idCtx, proposal, endorsed.Valid, opts.Orderer, opts.BroadcastTimeouts)
	if err != nil {
		armed.Disarm()
		return nil, err
	}
	if !result.Success() {
		armed.Disarm()
		return nil, apierrors.NewOrdererRejected(result.Status.String(), result.Info)
	}

	logger.Debugf("broadcast acked for tx %s, awaiting commit across %v", idCtx.TxID, peerIDs)

	if _, err := armed.Wait(ctx, opts.CommitTimeout); err != nil {
		return nil, err
	}
	return firstPayload(endorsed.Valid), nil
}

// Evaluate runs steps 1-3 of spec.md §4.10's submit algorithm only — it
// builds and endorses a proposal but never broadcasts — and returns the
// first valid response's payload.
func (o *Orchestrator) Evaluate(ctx context.Context, id *identity.Identity, channelID, chaincodeID, fn string, args [][]byte, transient map[string][]byte, opts Options) ([]byte, error) {
	_, _, endorsed, err := o.endorseOnly(ctx, id, channelID, chaincodeID, fn, args, transient, opts)
	if err != nil {
		return nil, err
	}
	if len(endorsed.Valid) == 0 {
		if divergent := divergentRWSet(endorsed.Errors); divergent != nil {
			return nil, divergent
		}
		return nil, apierrors.NewEndorsementPolicyFailure(endorsed.Errors)
	}
	return firstPayload(endorsed.Valid), nil
}

func (o *Orchestrator) endorseOnly(ctx context.Context, id *identity.Identity, channelID, chaincodeID, fn string, args [][]byte, transient map[string][]byte, opts Options) (*identity.Context, *txn.Proposal, endorser.Result, error) {
	idCtx, err := identity.NewContext(id)
	if err != nil {
		return nil, nil, endorser.Result{}, err
	}

	proposal, err := txn.Build(idCtx, channelID, chaincodeID, fn, args, transient)
	if err != nil {
		return nil, nil, endorser.Result{}, err
	}

	if len(opts.Endorsers) == 0 {
		return nil, nil, endorser.Result{}, apierrors.NewBadArgs("opts.Endorsers", "must not be empty")
	}
	result := o.coordinator.Endorse(ctx, proposal, opts.Endorsers, opts.PerPeerDeadline)

	return idCtx, proposal, result, nil
}

func firstPayload(valid []endorser.Response) []byte {
	if len(valid) == 0 {
		return nil
	}
	return valid[0].Payload
}

// divergentRWSet pulls a *apierrors.DivergentRWSet out of the
// coordinator's per-peer errors, if the divergence check flagged one, so
// callers can recover it via errors.As instead of the opaque
// EndorsementPolicyFailure every other rejection surfaces as.
func divergentRWSet(errs []apierrors.PeerError) error {
	for _, e := range errs {
		var divergent *apierrors.DivergentRWSet
		if errors.As(e.Err, &divergent) {
			return divergent
		}
	}
	return nil
}
