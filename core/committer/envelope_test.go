/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package committer

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/peer"
	"github.com/stretchr/testify/require"

	"github.com/hyperledger-labs/fabric-client-core/core/endorser"
	"github.com/hyperledger-labs/fabric-client-core/pkg/crypto"
	"github.com/hyperledger-labs/fabric-client-core/pkg/identity"
	"github.com/hyperledger-labs/fabric-client-core/pkg/txn"
)

func newTestContext(t *testing.T) *identity.Context {
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

func TestBuildEnvelopeRejectsEmptyResponses(t *testing.T) {
	ctx := newTestContext(t)
	p, err := txn.Build(ctx, "mychannel", "mycc", "put", nil, map[string][]byte{"secret": []byte("v")})
	require.NoError(t, err)

	_, err = buildEnvelope(ctx, p, nil)
	require.Error(t, err)
}

func TestBuildEnvelopeStripsTransientFromTheLedgerBoundPayload(t *testing.T) {
	ctx := newTestContext(t)
	p, err := txn.Build(ctx, "mychannel", "mycc", "put", nil, map[string][]byte{"secret": []byte("v")})
	require.NoError(t, err)

	resps := []endorser.Response{{
		Peer:                  "peer0",
		Status:                200,
		Endorsement:           &endorser.Endorsement{EndorserBytes: []byte("cert"), SignatureBytes: []byte("sig")},
		ProposalResponseBytes: []byte("rwset"),
	}}

	env, err := buildEnvelope(ctx, p, resps)
	require.NoError(t, err)

	payload := &common.Payload{}
	require.NoError(t, proto.Unmarshal(env.Payload, payload))
	tx := &peer.Transaction{}
	require.NoError(t, proto.Unmarshal(payload.Data, tx))
	require.Len(t, tx.Actions, 1)
	cap := &peer.ChaincodeActionPayload{}
	require.NoError(t, proto.Unmarshal(tx.Actions[0].Payload, cap))

	ccPayload := &peer.ChaincodeProposalPayload{}
	require.NoError(t, proto.Unmarshal(cap.ChaincodeProposalPayload, ccPayload))
	require.Empty(t, ccPayload.TransientMap)

	require.Equal(t, []byte("rwset"), cap.Action.ProposalResponsePayload)
	require.Len(t, cap.Action.Endorsements, 1)
}

func TestBuildEnvelopeReusesOriginalProposalHeader(t *testing.T) {
	ctx := newTestContext(t)
	p, err := txn.Build(ctx, "mychannel", "mycc", "put", nil, nil)
	require.NoError(t, err)

	resps := []endorser.Response{{
		Peer:                  "peer0",
		Status:                200,
		Endorsement:           &endorser.Endorsement{EndorserBytes: []byte("cert"), SignatureBytes: []byte("sig")},
		ProposalResponseBytes: []byte("rwset"),
	}}

	env, err := buildEnvelope(ctx, p, resps)
	require.NoError(t, err)

	payload := &common.Payload{}
	require.NoError(t, proto.Unmarshal(env.Payload, payload))

	wantHeader, err := unmarshalHeader(p.HeaderBytes)
	require.NoError(t, err)
	require.Equal(t, wantHeader.ChannelHeader, payload.Header.ChannelHeader)
	require.Equal(t, wantHeader.SignatureHeader, payload.Header.SignatureHeader)
}
