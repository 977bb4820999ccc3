/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package event_test

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/peer"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/hyperledger-labs/fabric-client-core/core/event"
	"github.com/hyperledger-labs/fabric-client-core/pkg/apierrors"
	"github.com/hyperledger-labs/fabric-client-core/pkg/comm"
	"github.com/hyperledger-labs/fabric-client-core/pkg/crypto"
	"github.com/hyperledger-labs/fabric-client-core/pkg/identity"
)

type fakeDeliverServer struct {
	peer.UnimplementedDeliverServer
	responses []*peer.DeliverResponse
}

func (f *fakeDeliverServer) Deliver(stream peer.Deliver_DeliverServer) error {
	return f.run(stream)
}

func (f *fakeDeliverServer) DeliverFiltered(stream peer.Deliver_DeliverFilteredServer) error {
	return f.run(stream)
}

type sendRecvStream interface {
	Recv() (*common.Envelope, error)
	Send(*peer.DeliverResponse) error
}

func (f *fakeDeliverServer) run(stream sendRecvStream) error {
	if _, err := stream.Recv(); err != nil {
		return err
	}
	for _, resp := range f.responses {
		if err := stream.Send(resp); err != nil {
			return err
		}
	}
	return nil
}

func startFakeDeliverer(t *testing.T, responses []*peer.DeliverResponse) (string, func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := grpc.NewServer()
	peer.RegisterDeliverServer(server, &fakeDeliverServer{responses: responses})
	go server.Serve(lis) //nolint:errcheck
	return lis.Addr().String(), server.Stop
}

func newTestIdentityContext(t *testing.T) *identity.Context {
	t.Helper()
	k, err := crypto.GenerateKey(crypto.P256)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "user1", Organization: []string{"Org1"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, k.Public(), k)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	id, err := identity.New("Org1MSP", certPEM, k)
	require.NoError(t, err)
	ctx, err := identity.NewContext(id)
	require.NoError(t, err)
	return ctx
}

func fullBlockResponse(t *testing.T, number uint64, txID string) *peer.DeliverResponse {
	t.Helper()
	chdr := &common.ChannelHeader{Type: int32(common.HeaderType_ENDORSER_TRANSACTION), TxId: txID}
	chdrBytes, err := proto.Marshal(chdr)
	require.NoError(t, err)
	payload := &common.Payload{Header: &common.Header{ChannelHeader: chdrBytes}}
	payloadBytes, err := proto.Marshal(payload)
	require.NoError(t, err)
	envBytes, err := proto.Marshal(&common.Envelope{Payload: payloadBytes})
	require.NoError(t, err)

	return &peer.DeliverResponse{
		Type: &peer.DeliverResponse_Block{
			Block: &common.Block{
				Header: &common.BlockHeader{Number: number},
				Data:   &common.BlockData{Data: [][]byte{envBytes}},
				Metadata: &common.BlockMetadata{
					Metadata: [][]byte{{}, {}, {0}},
				},
			},
		},
	}
}

func TestEventServiceDispatchesBlocksInOrderAndAutoCloses(t *testing.T) {
	responses := []*peer.DeliverResponse{
		fullBlockResponse(t, 1, "tx1"),
		fullBlockResponse(t, 2, "tx2"),
	}
	addr, stop := startFakeDeliverer(t, responses)
	defer stop()

	svc := event.NewService(comm.NewPool(), "peer0", comm.EndpointSpec{URL: addr})
	seen := make(chan uint64, 4)
	svc.RegisterBlock(nil, func(b *common.Block) { seen <- b.Header.Number }, event.Options{})

	ctx := newTestIdentityContext(t)
	require.NoError(t, svc.Start(context.Background(), ctx, "mychannel", event.Oldest(), event.AtBlock(2), event.Full))

	require.Equal(t, uint64(1), <-seen)
	require.Equal(t, uint64(2), <-seen)

	require.Eventually(t, func() bool { return svc.State() == event.Disconnected }, time.Second, 10*time.Millisecond)
}

func TestEventServiceTransactionListenerMatchesByTxID(t *testing.T) {
	responses := []*peer.DeliverResponse{
		fullBlockResponse(t, 1, "tx1"),
		fullBlockResponse(t, 2, "tx2"),
	}
	addr, stop := startFakeDeliverer(t, responses)
	defer stop()

	svc := event.NewService(comm.NewPool(), "peer0", comm.EndpointSpec{URL: addr})
	commits := make(chan event.TxCommit, 4)
	svc.RegisterTransaction("tx2", func(c event.TxCommit) { commits <- c }, event.Options{Once: true})

	ctx := newTestIdentityContext(t)
	require.NoError(t, svc.Start(context.Background(), ctx, "mychannel", event.Oldest(), event.AtBlock(2), event.Full))

	commit := <-commits
	require.Equal(t, "tx2", commit.TxID)
	require.Equal(t, uint64(2), commit.BlockNumber)
}

func TestEventServiceStartRejectsEndBlockBeforeStartBlock(t *testing.T) {
	svc := event.NewService(comm.NewPool(), "peer0", comm.EndpointSpec{URL: "127.0.0.1:0"})
	ctx := newTestIdentityContext(t)

	err := svc.Start(context.Background(), ctx, "mychannel", event.AtBlock(5), event.AtBlock(2), event.Full)
	require.Error(t, err)
	var badArgs *apierrors.BadArgs
	require.True(t, errors.As(err, &badArgs))
	require.Equal(t, event.Disconnected, svc.State())
}

func TestEventServiceCloseNotifiesOnClose(t *testing.T) {
	addr, stop := startFakeDeliverer(t, nil)

	svc := event.NewService(comm.NewPool(), "peer0", comm.EndpointSpec{URL: addr})
	notified := make(chan error, 1)
	svc.RegisterBlock(nil, func(*common.Block) {}, event.Options{OnClose: func(reason error) { notified <- reason }})

	ctx := newTestIdentityContext(t)
	require.NoError(t, svc.Start(context.Background(), ctx, "mychannel", event.Newest(), event.Newest(), event.Full))

	stop()

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("expected OnClose to fire after server shutdown")
	}
	require.Equal(t, event.Disconnected, svc.State())
}
