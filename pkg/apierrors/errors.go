/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package apierrors defines the structural error taxonomy surfaced by every
// component of the SDK core. Errors are typed structs, not a flat sentinel
// list, so a caller can recover structured diagnostics (peer identity, url,
// status, validation code) with errors.As instead of parsing message text.
package apierrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// BadArgs reports a caller-side contract violation. Non-retryable.
type BadArgs struct {
	Field  string
	Reason string
}

func (e *BadArgs) Error() string {
	return fmt.Sprintf("bad argument %q: %s", e.Field, e.Reason)
}

func NewBadArgs(field, reason string) error {
	return &BadArgs{Field: field, Reason: reason}
}

// CryptoError reports a sign/verify/parse failure. Non-retryable.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto: %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

func NewCryptoError(op string, err error) error {
	return &CryptoError{Op: op, Err: err}
}

// TransportError reports a gRPC-level failure. Code UNAVAILABLE is
// retryable; every other code is terminal.
type TransportError struct {
	Code string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error [%s]: %v", e.Code, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Retryable() bool { return e.Code == "UNAVAILABLE" }

func NewTransportError(code string, err error) error {
	return &TransportError{Code: code, Err: err}
}

// PeerTimeout reports one peer missing its endorsement deadline. It does
// not fail an endorsement call on its own.
type PeerTimeout struct {
	Peer string
}

func (e *PeerTimeout) Error() string { return fmt.Sprintf("peer %q timed out", e.Peer) }

func NewPeerTimeout(peer string) error { return &PeerTimeout{Peer: peer} }

// OrdererTimeoutPhase distinguishes the two broadcast timeout phases.
type OrdererTimeoutPhase string

const (
	// SystemTimeout fires when the outbound send itself does not complete.
	SystemTimeout OrdererTimeoutPhase = "SYSTEM_TIMEOUT"
	// RequestTimeout fires after the send, while awaiting the ack.
	RequestTimeout OrdererTimeoutPhase = "REQUEST_TIMEOUT"
)

// OrdererTimeout reports a broadcast-stage timeout, distinguishable by phase.
type OrdererTimeout struct {
	Phase   OrdererTimeoutPhase
	Orderer string
}

func (e *OrdererTimeout) Error() string {
	return fmt.Sprintf("orderer %q: %s", e.Orderer, e.Phase)
}

func NewOrdererTimeout(orderer string, phase OrdererTimeoutPhase) error {
	return &OrdererTimeout{Orderer: orderer, Phase: phase}
}

// PeerError carries one endorser's failure for EndorsementPolicyFailure
// diagnostics.
type PeerError struct {
	Peer string
	Err  error
}

// EndorsementPolicyFailure reports that the valid response set does not
// satisfy the caller's policy.
type EndorsementPolicyFailure struct {
	Errors []PeerError
}

func (e *EndorsementPolicyFailure) Error() string {
	return fmt.Sprintf("endorsement policy not satisfied: %d peer error(s)", len(e.Errors))
}

func NewEndorsementPolicyFailure(errs []PeerError) error {
	return &EndorsementPolicyFailure{Errors: errs}
}

// DivergentRWSet reports that valid responses for one proposal disagree on
// proposalResponseBytes. Fatal: retrying with the same arguments would fail
// again at commit time.
type DivergentRWSet struct {
	Peers []string
}

func (e *DivergentRWSet) Error() string {
	return fmt.Sprintf("divergent endorsement results across peers %v", e.Peers)
}

func NewDivergentRWSet(peers []string) error {
	return &DivergentRWSet{Peers: peers}
}

// OrdererRejected reports that the orderer refused the envelope.
type OrdererRejected struct {
	Status string
	Info   string
}

func (e *OrdererRejected) Error() string {
	return fmt.Sprintf("orderer rejected envelope: %s: %s", e.Status, e.Info)
}

func NewOrdererRejected(status, info string) error {
	return &OrdererRejected{Status: status, Info: info}
}

// CommitFailure reports a non-zero validation code observed in a committed
// block. Non-retryable with the same txId.
type CommitFailure struct {
	TxID string
	Code uint8
}

func (e *CommitFailure) Error() string {
	return fmt.Sprintf("transaction %s failed to commit: validation code %d", e.TxID, e.Code)
}

func NewCommitFailure(txID string, code uint8) error {
	return &CommitFailure{TxID: txID, Code: code}
}

// CommitTimeout reports that no qualifying block was observed within the
// commit budget. The responded/outstanding peer sets are carried for
// diagnostics; ledger state is ambiguous at this point.
type CommitTimeout struct {
	TxID        string
	Responded   []string
	Outstanding []string
}

func (e *CommitTimeout) Error() string {
	return fmt.Sprintf("commit wait for %s timed out: %d responded, %d outstanding",
		e.TxID, len(e.Responded), len(e.Outstanding))
}

func NewCommitTimeout(txID string, responded, outstanding []string) error {
	return &CommitTimeout{TxID: txID, Responded: responded, Outstanding: outstanding}
}

// StreamTerminated reports an event stream closing unexpectedly; surfaced
// to every listener registered on that stream exactly once.
type StreamTerminated struct {
	Reason string
}

func (e *StreamTerminated) Error() string { return fmt.Sprintf("stream terminated: %s", e.Reason) }

func NewStreamTerminated(reason string) error { return &StreamTerminated{Reason: reason} }

// Wrap attaches additional context while preserving the original error for
// errors.Cause/errors.As, matching the wrapping idiom used throughout this
// module.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.WithMessage(err, msg)
}

// Wrapf is the formatted form of Wrap.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.WithMessagef(err, format, args...)
}
