/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package event implements the EventService block-delivery state machine
// (C8): one peer-side Deliver stream per (channel, peer), multiplexed
// across in-process listeners registered for blocks, transactions, or
// chaincode events.
package event

import (
	"regexp"

	"github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/peer"
)

// State is a position in the EventService state machine:
// DISCONNECTED -> CONNECTING -> LISTENING -> CLOSING -> DISCONNECTED.
type State int

const (
	Disconnected State = iota
	Connecting
	Listening
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Listening:
		return "LISTENING"
	case Closing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Mode selects the shape of blocks delivered on the stream.
type Mode int

const (
	// Full delivers complete blocks, including read/write sets.
	Full Mode = iota
	// Filtered delivers only txids and validation codes, for deployments
	// without read permission on the ledger.
	Filtered
)

// posKind tags which case a BlockPosition holds.
type posKind int

const (
	posOldest posKind = iota
	posNewest
	posSpecified
)

// BlockPosition names a point in a channel's block sequence: the oldest
// available block, the newest at subscribe time, or one specific number.
type BlockPosition struct {
	kind   posKind
	number uint64
}

func Oldest() BlockPosition             { return BlockPosition{kind: posOldest} }
func Newest() BlockPosition             { return BlockPosition{kind: posNewest} }
func AtBlock(number uint64) BlockPosition { return BlockPosition{kind: posSpecified, number: number} }

// reached reports whether observed has advanced at least as far as p,
// treating Newest as larger than any integer and Oldest as smaller.
func (p BlockPosition) reached(observed uint64) bool {
	switch p.kind {
	case posNewest:
		return false
	case posOldest:
		return true
	default:
		return observed >= p.number
	}
}

// equals reports whether observed is exactly the block this position
// names, used for endBlock-reached checks; Newest never matches.
func (p BlockPosition) equals(observed uint64) bool {
	return p.kind == posSpecified && p.number == observed
}

// blockRangeOrdered reports whether endBlock is at or after startBlock,
// validated before a stream is ever opened (spec.md §4.8). Oldest is
// smaller than anything; Newest is larger than anything specified; two
// specified positions compare by reusing reached, treating endBlock's
// number as the "observed" point startBlock must already be reached by.
func blockRangeOrdered(startBlock, endBlock BlockPosition) bool {
	switch startBlock.kind {
	case posOldest:
		return true
	case posNewest:
		return endBlock.kind == posNewest
	default:
		switch endBlock.kind {
		case posOldest:
			return false
		case posNewest:
			return true
		default:
			return startBlock.reached(endBlock.number)
		}
	}
}

// ALLTransactions is the registerTransaction sentinel matching every
// transaction id on the channel, not just one.
const ALLTransactions = ""

// Options tune how long a listener stays registered and how it learns
// the session ended.
type Options struct {
	// Once, when true, unregisters the listener after its first dispatch.
	Once bool
	// EndBlock, when non-nil, unregisters the listener once that block
	// number has been dispatched to it.
	EndBlock *uint64
	// OnClose, when non-nil, is invoked exactly once with the terminal
	// reason (nil on a clean end-of-range close) when Close runs while
	// this listener is still registered.
	OnClose func(reason error)
}

// TxCommit is delivered to a transaction listener.
type TxCommit struct {
	TxID           string
	BlockNumber    uint64
	ValidationCode peer.TxValidationCode
}

// ChaincodeEventRecord is delivered to a chaincode-event listener.
type ChaincodeEventRecord struct {
	ChaincodeID string
	EventName   string
	Payload     []byte
	TxID        string
	BlockNumber uint64
}

// listenerKind tags the variant of a registered listener, per the
// REDESIGN FLAG favoring a tagged registration table over an abstract
// listener base class with mode flags.
type listenerKind int

const (
	kindBlock listenerKind = iota
	kindTransaction
	kindChaincodeEvent
)

type listener struct {
	id   string
	kind listenerKind
	opts Options

	blockFilter func(*common.Block) bool
	blockCb     func(*common.Block)

	txID string
	txCb func(TxCommit)

	ccID      string
	eventNameRe *regexp.Regexp
	ccCb      func(ChaincodeEventRecord)
}
