/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package crypto

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSignCert(t *testing.T, k *KeyHandle) *x509.Certificate {
	t.Helper()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(nil, template, template, &k.priv.PublicKey, k.priv)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestSignVerifyRoundTrip(t *testing.T) {
	for _, c := range []Curve{P256, P384} {
		k, err := GenerateKey(c)
		require.NoError(t, err)
		cert := selfSignCert(t, k)

		msg := []byte("proposal payload bytes")
		sig, err := Sign(k, msg)
		require.NoError(t, err)

		ok, err := Verify(cert, msg, sig)
		require.NoError(t, err)
		require.True(t, ok, "curve %s", c)

		ok, err = Verify(cert, []byte("tampered"), sig)
		require.NoError(t, err)
		require.False(t, ok)
	}
}

func TestSignatureIsCanonicalLowS(t *testing.T) {
	k, err := GenerateKey(P256)
	require.NoError(t, err)

	half := halfOrder(k.priv.Curve)
	for i := 0; i < 20; i++ {
		sig, err := Sign(k, []byte("msg"))
		require.NoError(t, err)

		var parsed ecdsaSignature
		_, err = asn1.Unmarshal(sig, &parsed)
		require.NoError(t, err)
		require.LessOrEqualf(t, parsed.S.Cmp(half), 0, "signature S exceeds n/2")
	}
}

func TestSKIIsDeterministicOverPublicKey(t *testing.T) {
	k, err := GenerateKey(P256)
	require.NoError(t, err)
	require.Len(t, k.SKI(), 32) // sha256 digest size
}

func TestHashAlgorithms(t *testing.T) {
	msg := []byte("hello")
	for _, algo := range []HashAlgo{SHA256, SHA384, SHA3_256, SHA3_384} {
		digest, err := Hash(msg, algo)
		require.NoError(t, err)
		require.NotEmpty(t, digest)
	}
	_, err := Hash(msg, "MD5")
	require.Error(t, err)
}

func TestImportCertRejectsGarbage(t *testing.T) {
	_, err := ImportCert([]byte("not a pem"))
	require.Error(t, err)
}

func TestCreateCSR(t *testing.T) {
	k, err := GenerateKey(P256)
	require.NoError(t, err)
	csrPEM, err := CreateCSR(k, pkix.Name{CommonName: "user1", Organization: []string{"Org1"}})
	require.NoError(t, err)
	require.Contains(t, string(csrPEM), "CERTIFICATE REQUEST")
}

func TestMemoryKeyStoreRoundTrip(t *testing.T) {
	store := NewMemoryKeyStore()
	k, err := GenerateKey(P256)
	require.NoError(t, err)

	require.NoError(t, StorePrivateKey(store, k))
	raw, err := store.Load(skiKey(k.SKI(), "priv"))
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	_, err = store.Load("missing")
	require.Error(t, err)
}
