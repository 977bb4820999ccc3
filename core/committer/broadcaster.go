/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package committer

import (
	"context"
	"time"

	"github.com/hyperledger/fabric/common/flogging"
	"github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/orderer"

	"github.com/hyperledger-labs/fabric-client-core/core/endorser"
	"github.com/hyperledger-labs/fabric-client-core/pkg/apierrors"
	"github.com/hyperledger-labs/fabric-client-core/pkg/comm"
	"github.com/hyperledger-labs/fabric-client-core/pkg/identity"
	"github.com/hyperledger-labs/fabric-client-core/pkg/txn"
)

var logger = flogging.MustGetLogger("committer")

// Target names the orderer a transaction envelope is broadcast to.
type Target struct {
	ID       string
	Endpoint comm.EndpointSpec
}

// Result is the orderer's single broadcast acknowledgement.
type Result struct {
	Status common.Status
	Info   string
}

func (r Result) Success() bool { return r.Status == common.Status_SUCCESS }

// Timeouts bounds the two distinguishable phases of a broadcast call.
type Timeouts struct {
	// System is the budget for opening the stream and completing the
	// outbound Send; exceeding it is a local failure (SYSTEM_TIMEOUT).
	System time.Duration
	// Request is the budget for receiving the orderer's ack once Send has
	// completed; exceeding it is a remote failure (REQUEST_TIMEOUT).
	Request time.Duration
}

// DefaultTimeouts mirrors the orderer client defaults used across the
// examples this client borrows its broadcast idiom from.
func DefaultTimeouts() Timeouts {
	return Timeouts{System: 3 * time.Second, Request: 10 * time.Second}
}

// Submitter wraps a connection pool with the dial budget the Broadcast
// stream is opened under.
type Submitter struct {
	pool        *comm.Pool
	dialTimeout time.Duration
}

// NewSubmitter constructs a Submitter over a shared connection pool.
func NewSubmitter(pool *comm.Pool) *Submitter {
	return &Submitter{pool: pool, dialTimeout: comm.DefaultDialTimeout}
}

// Broadcast implements spec.md §4.7's algorithm: build a TransactionEnvelope
// from the proposal and its valid endorsements, open the orderer's
// Broadcast stream, send the envelope, and await the single status ack —
// distinguishing a failure to complete the send (SYSTEM_TIMEOUT) from a
// failure to receive the ack after a completed send (REQUEST_TIMEOUT).
func (s *Submitter) Broadcast(ctx context.Context, idCtx *identity.Context, p *txn.Proposal, validResponses []endorser.Response, target Target, to Timeouts) (*Result, error) {
	env, err := buildEnvelope(idCtx, p, validResponses)
	if err != nil {
		return nil, err
	}

	sysCtx, sysCancel := context.WithTimeout(ctx, to.System)
	defer sysCancel()

	conn, err := s.pool.Get(sysCtx, target.Endpoint, s.dialTimeout)
	if err != nil {
		return nil, apierrors.NewOrdererTimeout(target.ID, apierrors.SystemTimeout)
	}

	client := orderer.NewAtomicBroadcastClient(conn)
	stream, err := client.Broadcast(sysCtx)
	if err != nil {
		s.pool.ReportBroken(target.Endpoint)
		return nil, apierrors.NewOrdererTimeout(target.ID, apierrors.SystemTimeout)
	}

	sendDone := make(chan error, 1)
	go func() { sendDone <- stream.Send(env) }()

	select {
	case sendErr := <-sendDone:
		if sendErr != nil {
			s.pool.ReportBroken(target.Endpoint)
			return nil, apierrors.NewOrdererTimeout(target.ID, apierrors.SystemTimeout)
		}
	case <-sysCtx.Done():
		return nil, apierrors.NewOrdererTimeout(target.ID, apierrors.SystemTimeout)
	}

	reqCtx, reqCancel := context.WithTimeout(ctx, to.Request)
	defer reqCancel()

	recvDone := make(chan recvResult, 1)
	go func() {
		resp, recvErr := stream.Recv()
		recvDone <- recvResult{resp: resp, err: recvErr}
	}()

	select {
	case r := <-recvDone:
		if r.err != nil {
			s.pool.ReportBroken(target.Endpoint)
			return nil, apierrors.NewOrdererTimeout(target.ID, apierrors.RequestTimeout)
		}
		logger.Debugf("received broadcast ack from %s: status=%s", target.ID, r.resp.Status.String())
		return &Result{Status: r.resp.Status, Info: r.resp.Info}, nil
	case <-reqCtx.Done():
		return nil, apierrors.NewOrdererTimeout(target.ID, apierrors.RequestTimeout)
	}
}

type recvResult struct {
	resp *orderer.BroadcastResponse
	err  error
}
