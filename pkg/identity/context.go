/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"github.com/hyperledger-labs/fabric-client-core/pkg/apierrors"
)

const nonceSize = 24

// Context is the per-transaction identity state: a fresh nonce and the
// transaction id derived from it. It is created once per invocation and
// owned by the orchestrating call; reusing one across two proposals is
// only valid if the caller regenerates both fields via NewContext again.
type Context struct {
	Identity *Identity
	Nonce    []byte
	TxID     string
}

// NewContext generates a cryptographically random 24-byte nonce and
// computes txId = hex(sha256(nonce || serialize(identity))).
func NewContext(id *Identity) (*Context, error) {
	if id == nil {
		return nil, apierrors.NewBadArgs("identity", "must not be nil")
	}
	nonce, err := mustNonce()
	if err != nil {
		return nil, err
	}
	txID, err := computeTxID(nonce, id)
	if err != nil {
		return nil, err
	}
	return &Context{Identity: id, Nonce: nonce, TxID: txID}, nil
}

func mustNonce() ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, apierrors.NewCryptoError("mustNonce", err)
	}
	return nonce, nil
}

func computeTxID(nonce []byte, id *Identity) (string, error) {
	serialized, err := id.Serialize()
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(nonce)
	h.Write(serialized)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Sign delegates to the underlying identity's key handle.
func (c *Context) Sign(msg []byte) ([]byte, error) {
	return c.Identity.Sign(msg)
}
