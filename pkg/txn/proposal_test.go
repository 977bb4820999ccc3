/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package txn

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hyperledger-labs/fabric-client-core/pkg/crypto"
	"github.com/hyperledger-labs/fabric-client-core/pkg/identity"
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
	certPEM := pemEncodeCertForTest(der)

	id, err := identity.New("Org1MSP", certPEM, k)
	require.NoError(t, err)

	ctx, err := identity.NewContext(id)
	require.NoError(t, err)
	return ctx
}

func TestBuildProposalIsVerifiable(t *testing.T) {
	ctx := newTestContext(t)
	p, err := Build(ctx, "mychannel", "mycc", "put", [][]byte{[]byte("k"), []byte("v")}, nil)
	require.NoError(t, err)

	ok, err := crypto.Verify(ctx.Identity.Certificate(), p.PayloadBytes, p.Signature)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBuildProposalCarriesContextTxID(t *testing.T) {
	ctx := newTestContext(t)
	p, err := Build(ctx, "mychannel", "mycc", "put", nil, nil)
	require.NoError(t, err)
	require.Equal(t, ctx.TxID, p.TxID)
}

func TestBuildProposalRejectsEmptyChannel(t *testing.T) {
	ctx := newTestContext(t)
	_, err := Build(ctx, "", "mycc", "put", nil, nil)
	require.Error(t, err)
}

func TestBuildProposalRejectsEmptyChaincode(t *testing.T) {
	ctx := newTestContext(t)
	_, err := Build(ctx, "mychannel", "", "put", nil, nil)
	require.Error(t, err)
}
