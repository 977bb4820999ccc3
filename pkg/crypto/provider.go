/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package crypto implements the cryptographic primitives the SDK core needs
// to sign proposals and transactions and to verify peer/orderer material:
// key generation, ECDSA signing with canonical low-S signatures, hashing,
// X.509 import and CSR creation.
package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"io"
	"math/big"

	"github.com/hyperledger/fabric/common/flogging"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"

	"github.com/hyperledger-labs/fabric-client-core/pkg/apierrors"
)

var logger = flogging.MustGetLogger("crypto")

// Curve names accepted by GenerateKey.
type Curve string

const (
	P256 Curve = "P-256"
	P384 Curve = "P-384"
)

// HashAlgo names a supported digest algorithm.
type HashAlgo string

const (
	SHA256   HashAlgo = "SHA256"
	SHA384   HashAlgo = "SHA384"
	SHA3_256 HashAlgo = "SHA3-256"
	SHA3_384 HashAlgo = "SHA3-384"
)

// KeyHandle is an opaque reference to a private key. Callers outside this
// package never see the raw key material, only its SKI.
type KeyHandle struct {
	ski    []byte
	curve  Curve
	priv   *ecdsa.PrivateKey
	pubDER []byte
}

// SKI returns the subject-key-identifier: sha256 over the DER-encoded
// public key.
func (k *KeyHandle) SKI() []byte { return k.ski }

// PublicKeyDER returns the DER encoding of the public key.
func (k *KeyHandle) PublicKeyDER() []byte { return k.pubDER }

// Public implements crypto.Signer, letting a KeyHandle stand in anywhere
// the stdlib x509 package wants a signer — certificate issuance, CSR
// signing via a common code path.
func (k *KeyHandle) Public() crypto.PublicKey { return &k.priv.PublicKey }

// Sign implements crypto.Signer. digest must already be the message hash;
// the resulting ASN.1 signature is canonicalized to low-S exactly like
// the Sign(KeyHandle, msg) entry point below.
func (k *KeyHandle) Sign(rand_ io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand_, k.priv, digest)
	if err != nil {
		return nil, err
	}
	s = toLowS(k.priv.Curve, s)
	return asn1.Marshal(ecdsaSignature{R: r, S: s})
}

func curveFor(c Curve) (elliptic.Curve, error) {
	switch c {
	case P256:
		return elliptic.P256(), nil
	case P384:
		return elliptic.P384(), nil
	default:
		return nil, &apierrors.BadArgs{Field: "curve", Reason: "unsupported curve: " + string(c)}
	}
}

func ski(pubDER []byte) []byte {
	sum := sha256.Sum256(pubDER)
	return sum[:]
}

// GenerateKey creates a fresh ECDSA key pair on the requested curve and
// returns an opaque handle to it, keyed by SKI.
func GenerateKey(curveName Curve) (*KeyHandle, error) {
	c, err := curveFor(curveName)
	if err != nil {
		return nil, err
	}
	priv, err := ecdsa.GenerateKey(c, rand.Reader)
	if err != nil {
		return nil, apierrors.NewCryptoError("generateKey", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, apierrors.NewCryptoError("generateKey", err)
	}
	return &KeyHandle{
		ski:    ski(pubDER),
		curve:  curveName,
		priv:   priv,
		pubDER: pubDER,
	}, nil
}

// halfOrder returns n/2 for a curve's group order, used to canonicalize
// ECDSA signatures to the low-S form.
func halfOrder(c elliptic.Curve) *big.Int {
	return new(big.Int).Rsh(c.Params().N, 1)
}

type ecdsaSignature struct {
	R, S *big.Int
}

// toLowS normalizes S to the lower half of the curve order, as ledger
// acceptance requires: s <= n/2. Signing rewrites a high-S value with it;
// Verify rejects a high-S signature instead of rewriting it.
func toLowS(c elliptic.Curve, s *big.Int) *big.Int {
	half := halfOrder(c)
	if s.Cmp(half) > 0 {
		return new(big.Int).Sub(c.Params().N, s)
	}
	return s
}

// Sign produces a canonical (low-S) ECDSA signature over msg's digest using
// the given key handle. The digest algorithm matches the key's curve
// (SHA-256 for P-256, SHA-384 for P-384), matching standard Fabric MSP
// signing conventions.
func Sign(k *KeyHandle, msg []byte) ([]byte, error) {
	if k == nil || k.priv == nil {
		return nil, apierrors.NewBadArgs("keyHandle", "nil key handle")
	}
	digest, err := digestFor(k.curve, msg)
	if err != nil {
		return nil, err
	}
	r, s, err := ecdsa.Sign(rand.Reader, k.priv, digest)
	if err != nil {
		return nil, apierrors.NewCryptoError("sign", err)
	}
	s = toLowS(k.priv.Curve, s)
	sig, err := asn1.Marshal(ecdsaSignature{R: r, S: s})
	if err != nil {
		return nil, apierrors.NewCryptoError("sign", err)
	}
	return sig, nil
}

func digestFor(c Curve, msg []byte) ([]byte, error) {
	switch c {
	case P256:
		d := sha256.Sum256(msg)
		return d[:], nil
	case P384:
		d := sha512.Sum384(msg)
		return d[:], nil
	default:
		return nil, apierrors.NewBadArgs("curve", "unsupported curve: "+string(c))
	}
}

// Verify checks a signature against an X.509 certificate's ECDSA public
// key. A high-S signature is rejected outright, matching Sign's
// canonicalization on the other side of the channel.
func Verify(cert *x509.Certificate, msg, sig []byte) (bool, error) {
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return false, apierrors.NewCryptoError("verify", errors.New("certificate does not hold an ECDSA public key"))
	}
	var parsed ecdsaSignature
	if _, err := asn1.Unmarshal(sig, &parsed); err != nil {
		return false, apierrors.NewCryptoError("verify", err)
	}
	if parsed.S.Cmp(halfOrder(pub.Curve)) > 0 {
		logger.Debugf("rejecting signature with high-S value")
		return false, nil
	}
	curveName, err := curveNameOf(pub.Curve)
	if err != nil {
		return false, err
	}
	digest, err := digestFor(curveName, msg)
	if err != nil {
		return false, err
	}
	return ecdsa.Verify(pub, digest, parsed.R, parsed.S), nil
}

func curveNameOf(c elliptic.Curve) (Curve, error) {
	switch c {
	case elliptic.P256():
		return P256, nil
	case elliptic.P384():
		return P384, nil
	default:
		return "", apierrors.NewCryptoError("curveNameOf", errors.New("unsupported certificate curve"))
	}
}

// Hash computes msg's digest under the named algorithm.
func Hash(msg []byte, algo HashAlgo) ([]byte, error) {
	switch algo {
	case SHA256:
		d := sha256.Sum256(msg)
		return d[:], nil
	case SHA384:
		d := sha512.Sum384(msg)
		return d[:], nil
	case SHA3_256:
		d := sha3.Sum256(msg)
		return d[:], nil
	case SHA3_384:
		d := sha3.Sum384(msg)
		return d[:], nil
	default:
		return nil, apierrors.NewBadArgs("algo", "unsupported hash algorithm: "+string(algo))
	}
}

// HashFunc exposes the stdlib crypto.Hash identifier matching algo, for
// callers that need to thread it through crypto.Signer-shaped APIs.
func HashFunc(algo HashAlgo) (crypto.Hash, error) {
	switch algo {
	case SHA256:
		return crypto.SHA256, nil
	case SHA384:
		return crypto.SHA384, nil
	default:
		return 0, apierrors.NewBadArgs("algo", "no stdlib crypto.Hash for: "+string(algo))
	}
}

// ImportCert parses a PEM-encoded X.509 certificate.
func ImportCert(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, apierrors.NewCryptoError("importCert", errors.New("no PEM block found"))
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, apierrors.NewCryptoError("importCert", errors.Wrap(err, "bad certificate encoding"))
	}
	return cert, nil
}

// ImportKey parses a PEM-encoded PKCS#8 or SEC1 ECDSA private key, such as
// the one found alongside a certificate in an MSP's keystore directory.
func ImportKey(pemBytes []byte) (*KeyHandle, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, apierrors.NewCryptoError("importKey", errors.New("no PEM block found"))
	}
	priv, err := parseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, apierrors.NewCryptoError("importKey", errors.Wrap(err, "bad private key encoding"))
	}
	curveName, err := curveNameOf(priv.Curve)
	if err != nil {
		return nil, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, apierrors.NewCryptoError("importKey", err)
	}
	return &KeyHandle{
		ski:    ski(pubDER),
		curve:  curveName,
		priv:   priv,
		pubDER: pubDER,
	}, nil
}

func parseECPrivateKey(der []byte) (*ecdsa.PrivateKey, error) {
	if priv, err := x509.ParseECPrivateKey(der); err == nil {
		return priv, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("PKCS#8 key is not an ECDSA private key")
	}
	return priv, nil
}

// CreateCSR builds a PEM-encoded PKCS#10 certificate signing request for
// the given key handle and subject.
func CreateCSR(k *KeyHandle, subject pkix.Name) ([]byte, error) {
	if k == nil || k.priv == nil {
		return nil, apierrors.NewBadArgs("keyHandle", "nil key handle")
	}
	template := &x509.CertificateRequest{
		Subject:            subject,
		SignatureAlgorithm: sigAlgFor(k.curve),
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, k)
	if err != nil {
		return nil, apierrors.NewCryptoError("createCSR", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

func sigAlgFor(c Curve) x509.SignatureAlgorithm {
	if c == P384 {
		return x509.ECDSAWithSHA384
	}
	return x509.ECDSAWithSHA256
}
