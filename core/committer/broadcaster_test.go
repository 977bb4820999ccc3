/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package committer_test

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/orderer"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/hyperledger-labs/fabric-client-core/core/committer"
	"github.com/hyperledger-labs/fabric-client-core/core/endorser"
	"github.com/hyperledger-labs/fabric-client-core/pkg/comm"
	"github.com/hyperledger-labs/fabric-client-core/pkg/crypto"
	"github.com/hyperledger-labs/fabric-client-core/pkg/identity"
	"github.com/hyperledger-labs/fabric-client-core/pkg/txn"
)

type fakeOrdererServer struct {
	orderer.UnimplementedAtomicBroadcastServer
	status     common.Status
	delay      time.Duration
	neverReply bool
}

func (f *fakeOrdererServer) Broadcast(stream orderer.AtomicBroadcast_BroadcastServer) error {
	_, err := stream.Recv()
	if err != nil {
		return err
	}
	if f.neverReply {
		<-stream.Context().Done()
		return stream.Context().Err()
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return stream.Send(&orderer.BroadcastResponse{Status: f.status})
}

func startFakeOrderer(t *testing.T, status common.Status, delay time.Duration, neverReply bool) (string, func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := grpc.NewServer()
	orderer.RegisterAtomicBroadcastServer(server, &fakeOrdererServer{status: status, delay: delay, neverReply: neverReply})
	go server.Serve(lis) //nolint:errcheck
	return lis.Addr().String(), server.Stop
}

func newTestIdentityContext(t *testing.T) *identity.Context {
	t.Helper()
	key, err := crypto.GenerateKey(crypto.P256)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "user1", Organization: []string{"Org1"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	id, err := identity.New("Org1MSP", certPEM, key)
	require.NoError(t, err)
	ctx, err := identity.NewContext(id)
	require.NoError(t, err)
	return ctx
}

func fakeValidResponses(payload []byte, n int) []endorser.Response {
	resps := make([]endorser.Response, n)
	for i := range resps {
		resps[i] = endorser.Response{
			Peer:   "peer",
			Status: 200,
			Endorsement: &endorser.Endorsement{
				EndorserBytes:  []byte("endorser-cert"),
				SignatureBytes: []byte("sig"),
			},
			ProposalResponseBytes: payload,
		}
	}
	return resps
}

func TestBroadcastSuccess(t *testing.T) {
	addr, stop := startFakeOrderer(t, common.Status_SUCCESS, 0, false)
	defer stop()

	ctx := newTestIdentityContext(t)
	p, err := txn.Build(ctx, "mychannel", "mycc", "invoke", [][]byte{[]byte("a")}, nil)
	require.NoError(t, err)

	s := committer.NewSubmitter(comm.NewPool())
	result, err := s.Broadcast(context.Background(), ctx, p, fakeValidResponses([]byte("rwset"), 2),
		committer.Target{ID: "orderer0", Endpoint: comm.EndpointSpec{URL: addr}},
		committer.Timeouts{System: time.Second, Request: time.Second})

	require.NoError(t, err)
	require.True(t, result.Success())
}

func TestBroadcastOrdererRejection(t *testing.T) {
	addr, stop := startFakeOrderer(t, common.Status_BAD_REQUEST, 0, false)
	defer stop()

	ctx := newTestIdentityContext(t)
	p, err := txn.Build(ctx, "mychannel", "mycc", "invoke", [][]byte{[]byte("a")}, nil)
	require.NoError(t, err)

	s := committer.NewSubmitter(comm.NewPool())
	result, err := s.Broadcast(context.Background(), ctx, p, fakeValidResponses([]byte("rwset"), 1),
		committer.Target{ID: "orderer0", Endpoint: comm.EndpointSpec{URL: addr}},
		committer.Timeouts{System: time.Second, Request: time.Second})

	require.NoError(t, err)
	require.False(t, result.Success())
	require.Equal(t, common.Status_BAD_REQUEST, result.Status)
}

func TestBroadcastRequestTimeoutAfterSendCompletes(t *testing.T) {
	addr, stop := startFakeOrderer(t, common.Status_SUCCESS, 0, true)
	defer stop()

	ctx := newTestIdentityContext(t)
	p, err := txn.Build(ctx, "mychannel", "mycc", "invoke", [][]byte{[]byte("a")}, nil)
	require.NoError(t, err)

	s := committer.NewSubmitter(comm.NewPool())
	_, err = s.Broadcast(context.Background(), ctx, p, fakeValidResponses([]byte("rwset"), 1),
		committer.Target{ID: "orderer0", Endpoint: comm.EndpointSpec{URL: addr}},
		committer.Timeouts{System: time.Second, Request: 200 * time.Millisecond})

	require.Error(t, err)
	require.Contains(t, err.Error(), "REQUEST_TIMEOUT")
}

func TestBroadcastSystemTimeoutOnUnreachableOrderer(t *testing.T) {
	ctx := newTestIdentityContext(t)
	p, err := txn.Build(ctx, "mychannel", "mycc", "invoke", [][]byte{[]byte("a")}, nil)
	require.NoError(t, err)

	s := committer.NewSubmitter(comm.NewPool())
	_, err = s.Broadcast(context.Background(), ctx, p, fakeValidResponses([]byte("rwset"), 1),
		committer.Target{ID: "orderer0", Endpoint: comm.EndpointSpec{URL: "127.0.0.1:1"}},
		committer.Timeouts{System: 200 * time.Millisecond, Request: time.Second})

	require.Error(t, err)
	require.Contains(t, err.Error(), "SYSTEM_TIMEOUT")
}
