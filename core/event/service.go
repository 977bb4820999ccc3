/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package event

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/protobuf/ptypes/timestamp"
	"github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/orderer"
	"github.com/hyperledger/fabric-protos-go/peer"
	"github.com/hyperledger/fabric/common/flogging"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hyperledger-labs/fabric-client-core/pkg/apierrors"
	"github.com/hyperledger-labs/fabric-client-core/pkg/comm"
	"github.com/hyperledger-labs/fabric-client-core/pkg/identity"
)

var logger = flogging.MustGetLogger("event")

type deliverStream interface {
	Send(*common.Envelope) error
	Recv() (*peer.DeliverResponse, error)
	CloseSend() error
}

// Service is one (channel, peer) block-delivery session, multiplexing
// registered listeners over a single Deliver/DeliverFiltered stream.
type Service struct {
	pool        *comm.Pool
	peerID      string
	endpoint    comm.EndpointSpec
	dialTimeout time.Duration

	mu              sync.Mutex
	state           State
	mode            Mode
	channelID       string
	stream          deliverStream
	cancel          context.CancelFunc
	lastBlockNumber uint64
	haveLast        bool
	listeners       map[string]*listener
	nextID          uint64
}

// NewService constructs a Service bound to one peer's Deliver endpoint,
// not yet connected.
func NewService(pool *comm.Pool, peerID string, endpoint comm.EndpointSpec) *Service {
	return &Service{
		pool:        pool,
		peerID:      peerID,
		endpoint:    endpoint,
		dialTimeout: comm.DefaultDialTimeout,
		state:       Disconnected,
		listeners:   make(map[string]*listener),
	}
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Start implements spec.md §4.8's start contract: dials the peer, opens a
// Deliver (mode=Full) or DeliverFiltered (mode=Filtered) stream seeded at
// startBlock, and begins dispatching incoming blocks until endBlock is
// reached or close is called.
func (s *Service) Start(ctx context.Context, idCtx *identity.Context, channelID string, startBlock, endBlock BlockPosition, mode Mode) error {
	if !blockRangeOrdered(startBlock, endBlock) {
		return apierrors.NewBadArgs("endBlock", "must not be before startBlock")
	}

	s.mu.Lock()
	if s.state != Disconnected {
		s.mu.Unlock()
		return apierrors.NewBadArgs("state", "Start called while not DISCONNECTED; call Close first")
	}
	s.state = Connecting
	s.channelID = channelID
	s.mode = mode
	s.haveLast = false
	s.mu.Unlock()

	envelope, err := buildSeekEnvelope(idCtx, channelID, startBlock, endBlock)
	if err != nil {
		s.setState(Disconnected)
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	conn, err := s.pool.Get(dctx, s.endpoint, s.dialTimeout)
	cancel()
	if err != nil {
		s.setState(Disconnected)
		return apierrors.NewTransportError("UNAVAILABLE", err)
	}

	streamCtx, streamCancel := context.WithCancel(ctx)
	client := peer.NewDeliverClient(conn)
	var stream deliverStream
	if mode == Full {
		stream, err = client.Deliver(streamCtx)
	} else {
		stream, err = client.DeliverFiltered(streamCtx)
	}
	if err != nil {
		streamCancel()
		s.setState(Disconnected)
		return apierrors.NewTransportError(status.Code(err).String(), err)
	}

	if err := stream.Send(envelope); err != nil {
		streamCancel()
		s.setState(Disconnected)
		return apierrors.NewTransportError(status.Code(err).String(), err)
	}

	s.mu.Lock()
	s.stream = stream
	s.cancel = streamCancel
	s.state = Listening
	s.mu.Unlock()

	go s.readLoop(endBlock)
	return nil
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Service) readLoop(endBlock BlockPosition) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if status.Code(err) == codes.Unavailable {
				s.Close(apierrors.NewTransportError("SERVICE_UNAVAILABLE", err))
				return
			}
			s.Close(apierrors.Wrap(err, "deliver stream terminated"))
			return
		}

		switch r := resp.Type.(type) {
		case *peer.DeliverResponse_Block:
			s.handleRecords(r.Block.Header.Number, decodeFullBlock(r.Block), r.Block, endBlock)
		case *peer.DeliverResponse_FilteredBlock:
			s.handleRecords(r.FilteredBlock.Number, decodeFilteredBlock(r.FilteredBlock), nil, endBlock)
		case *peer.DeliverResponse_Status:
			if r.Status == common.Status_SUCCESS {
				s.mu.Lock()
				reachedEnd := s.haveLast && endBlock.equals(s.lastBlockNumber)
				s.mu.Unlock()
				if reachedEnd {
					s.Close(nil)
					return
				}
				logger.Debugf("deliver status SUCCESS before end-block reached on %s; connection remains open", s.peerID)
			} else {
				s.Close(apierrors.NewTransportError(r.Status.String(), fmt.Errorf("deliver closed with status %s", r.Status)))
				return
			}
		}
	}
}

// handleRecords dispatches one block's decoded transactions to every
// matching listener in strict ascending block-number order, then closes
// the session if this block was the configured end block. rawBlock is
// nil for FILTERED-mode deliveries, where block listeners cannot fire.
func (s *Service) handleRecords(blockNumber uint64, records []txRecord, rawBlock *common.Block, endBlock BlockPosition) {
	s.mu.Lock()
	s.lastBlockNumber = blockNumber
	s.haveLast = true
	snapshot := make([]*listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		snapshot = append(snapshot, l)
	}
	s.mu.Unlock()

	var toUnregister []string
	for _, l := range snapshot {
		fired := s.dispatchOne(l, blockNumber, records, rawBlock)
		if !fired {
			continue
		}
		if l.opts.Once || (l.opts.EndBlock != nil && *l.opts.EndBlock == blockNumber) {
			toUnregister = append(toUnregister, l.id)
		}
	}
	for _, id := range toUnregister {
		s.Unregister(id)
	}

	if endBlock.equals(blockNumber) {
		s.Close(nil)
	}
}

func (s *Service) dispatchOne(l *listener, blockNumber uint64, records []txRecord, rawBlock *common.Block) bool {
	switch l.kind {
	case kindBlock:
		if rawBlock == nil {
			return false
		}
		if l.blockFilter != nil && !l.blockFilter(rawBlock) {
			return false
		}
		l.blockCb(rawBlock)
		return true
	case kindTransaction:
		fired := false
		for _, rec := range records {
			if l.txID != ALLTransactions && rec.txID != l.txID {
				continue
			}
			l.txCb(TxCommit{TxID: rec.txID, BlockNumber: blockNumber, ValidationCode: rec.validationCode})
			fired = true
		}
		return fired
	case kindChaincodeEvent:
		fired := false
		for _, rec := range records {
			for _, ev := range rec.ccEvents {
				if ev.ChaincodeID != l.ccID {
					continue
				}
				if l.eventNameRe != nil && !l.eventNameRe.MatchString(ev.EventName) {
					continue
				}
				l.ccCb(ev)
				fired = true
			}
		}
		return fired
	default:
		return false
	}
}

func (s *Service) newID() string {
	return fmt.Sprintf("%s-%d", s.peerID, atomic.AddUint64(&s.nextID, 1))
}

// RegisterBlock registers a full-block listener; filter may be nil to
// match every block. FILTERED-mode streams never dispatch to it, since
// there is no raw common.Block to pass.
func (s *Service) RegisterBlock(filter func(*common.Block) bool, cb func(*common.Block), opts Options) string {
	l := &listener{kind: kindBlock, blockFilter: filter, blockCb: cb, opts: opts}
	return s.register(l)
}

// RegisterTransaction registers a transaction listener; txID may be
// ALLTransactions to match every transaction on the channel.
func (s *Service) RegisterTransaction(txID string, cb func(TxCommit), opts Options) string {
	l := &listener{kind: kindTransaction, txID: txID, txCb: cb, opts: opts}
	return s.register(l)
}

// RegisterChaincodeEvent registers a chaincode-event listener against a
// compiled name pattern; passing nil matches every event name emitted by
// the chaincode.
func (s *Service) RegisterChaincodeEvent(ccID string, eventNameRe *regexp.Regexp, cb func(ChaincodeEventRecord), opts Options) string {
	l := &listener{kind: kindChaincodeEvent, ccID: ccID, eventNameRe: eventNameRe, ccCb: cb, opts: opts}
	return s.register(l)
}

func (s *Service) register(l *listener) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.id = s.newID()
	s.listeners[l.id] = l
	return l.id
}

// Unregister removes a listener; unregistering an unknown or already
// removed id is a no-op.
func (s *Service) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, id)
}

// Close is idempotent: it transitions to CLOSING, aborts the stream,
// invokes every registered listener's terminal callback once with
// reason, clears registrations, and transitions to DISCONNECTED.
func (s *Service) Close(reason error) {
	s.mu.Lock()
	if s.state == Disconnected || s.state == Closing {
		s.mu.Unlock()
		return
	}
	s.state = Closing
	cancel := s.cancel
	stream := s.stream
	listeners := s.listeners
	s.listeners = make(map[string]*listener)
	s.mu.Unlock()

	if stream != nil {
		stream.CloseSend() //nolint:errcheck
	}
	if cancel != nil {
		cancel()
	}

	for _, l := range listeners {
		if l.opts.OnClose != nil {
			l.opts.OnClose(reason)
		}
	}

	s.setState(Disconnected)
}

func buildSeekEnvelope(idCtx *identity.Context, channelID string, start, end BlockPosition) (*common.Envelope, error) {
	creator, err := idCtx.Identity.Serialize()
	if err != nil {
		return nil, err
	}

	chdr := &common.ChannelHeader{
		Type:      int32(common.HeaderType_DELIVER_SEEK_INFO),
		ChannelId: channelID,
		TxId:      idCtx.TxID,
		Epoch:     0,
		Timestamp: &timestamp.Timestamp{},
	}
	chdrBytes, err := proto.Marshal(chdr)
	if err != nil {
		return nil, apierrors.NewCryptoError("buildSeekEnvelope", err)
	}
	shdr := &common.SignatureHeader{Creator: creator, Nonce: idCtx.Nonce}
	shdrBytes, err := proto.Marshal(shdr)
	if err != nil {
		return nil, apierrors.NewCryptoError("buildSeekEnvelope", err)
	}

	seekInfo := &orderer.SeekInfo{
		Start:    seekPosition(start),
		Stop:     seekPosition(end),
		Behavior: orderer.SeekInfo_BLOCK_UNTIL_READY,
	}
	seekBytes, err := proto.Marshal(seekInfo)
	if err != nil {
		return nil, apierrors.NewCryptoError("buildSeekEnvelope", err)
	}

	payload := &common.Payload{
		Header: &common.Header{ChannelHeader: chdrBytes, SignatureHeader: shdrBytes},
		Data:   seekBytes,
	}
	payloadBytes, err := proto.Marshal(payload)
	if err != nil {
		return nil, apierrors.NewCryptoError("buildSeekEnvelope", err)
	}

	sig, err := idCtx.Sign(payloadBytes)
	if err != nil {
		return nil, apierrors.Wrap(err, "signing deliver seek envelope failed")
	}
	return &common.Envelope{Payload: payloadBytes, Signature: sig}, nil
}

func seekPosition(p BlockPosition) *orderer.SeekPosition {
	switch p.kind {
	case posOldest:
		return &orderer.SeekPosition{Type: &orderer.SeekPosition_Oldest{Oldest: &orderer.SeekOldest{}}}
	case posNewest:
		return &orderer.SeekPosition{Type: &orderer.SeekPosition_Newest{Newest: &orderer.SeekNewest{}}}
	default:
		return &orderer.SeekPosition{Type: &orderer.SeekPosition_Specified{Specified: &orderer.SeekSpecified{Number: p.number}}}
	}
}
