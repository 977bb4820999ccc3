/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package identity implements the signing identity value object (C2) and
// the per-transaction identity context (C4) that derives a fresh nonce and
// transaction id for every proposal.
package identity

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"

	"github.com/golang/protobuf/proto"
	mspproto "github.com/hyperledger/fabric-protos-go/msp"
	"github.com/pkg/errors"

	"github.com/hyperledger-labs/fabric-client-core/pkg/apierrors"
	"github.com/hyperledger-labs/fabric-client-core/pkg/crypto"
)

// Identity is an immutable signing identity: an MSP id, a certificate, and
// a handle to the matching private key. It is constructed once and never
// mutated; all operations on it are pure functions of its fields.
type Identity struct {
	mspID string
	cert  *x509.Certificate
	certPEM []byte
	key   *crypto.KeyHandle
}

// New constructs an Identity from a PEM-encoded certificate and a key
// handle already held by the CryptoProvider.
func New(mspID string, certPEM []byte, key *crypto.KeyHandle) (*Identity, error) {
	if mspID == "" {
		return nil, apierrors.NewBadArgs("mspID", "must not be empty")
	}
	if len(certPEM) == 0 {
		return nil, apierrors.NewBadArgs("certPEM", "must not be empty")
	}
	cert, err := crypto.ImportCert(certPEM)
	if err != nil {
		return nil, err
	}
	return &Identity{mspID: mspID, cert: cert, certPEM: pem.EncodeToMemory(pemBlockFor(certPEM)), key: key}, nil
}

func pemBlockFor(certPEM []byte) *pem.Block {
	block, _ := pem.Decode(certPEM)
	if block != nil {
		return block
	}
	return &pem.Block{Type: "CERTIFICATE", Bytes: certPEM}
}

// MSPID returns the owning organization's membership service provider id.
func (id *Identity) MSPID() string { return id.mspID }

// Certificate returns the parsed X.509 certificate.
func (id *Identity) Certificate() *x509.Certificate { return id.cert }

// KeyHandle returns the opaque private-key handle used for signing.
func (id *Identity) KeyHandle() *crypto.KeyHandle { return id.key }

// PublicKey returns a verifier for signatures produced by this identity:
// pass it to crypto.Verify together with a message and signature.
func (id *Identity) PublicKey() *x509.Certificate { return id.cert }

// Serialize produces the MSP-serialized form: an (mspId, cert-bytes)
// envelope, matching the wire representation every proposal's
// SignatureHeader.Creator field carries.
func (id *Identity) Serialize() ([]byte, error) {
	sid := &mspproto.SerializedIdentity{
		Mspid:   id.mspID,
		IdBytes: id.certPEM,
	}
	raw, err := proto.Marshal(sid)
	if err != nil {
		return nil, apierrors.NewCryptoError("serialize", err)
	}
	return raw, nil
}

// Sign delegates to the CryptoProvider using this identity's key handle.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(id.key, msg)
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// Parse reconstructs an Identity's (mspId, cert) pair from its serialized
// wire form. It does not recover the private key handle — a caller that
// round-trips an Identity this way gets back only the mspId and the
// certificate PEM, enough to verify but not to sign, matching the fact that a serialized identity never carries
// key material.
func Parse(raw []byte) (mspID string, certPEM []byte, err error) {
	sid := &mspproto.SerializedIdentity{}
	if err := proto.Unmarshal(raw, sid); err != nil {
		return "", nil, apierrors.NewCryptoError("parse", errors.Wrap(err, "bad serialized identity"))
	}
	return sid.Mspid, sid.IdBytes, nil
}

// Equal reports whether two identities serialize identically — the
// round-trip invariant parse(serialize(identity)) == identity reduces to
// this since Identity itself is not comparable by ==.
func (id *Identity) Equal(other *Identity) bool {
	a, errA := id.Serialize()
	b, errB := other.Serialize()
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}
