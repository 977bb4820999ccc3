/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package crypto

import (
	"encoding/hex"
	"sync"

	"github.com/hyperledger-labs/fabric-client-core/pkg/apierrors"
)

// KeyStore is the single persisted-key-material contract this SDK
// requires of a caller-supplied credential store. Two variants of this
// contract existed historically with slightly different constructor
// shapes; this is the collapsed form both reduce to.
type KeyStore interface {
	Load(name string) ([]byte, error)
	Store(name string, raw []byte) error
}

// skiKey follows the "<SKI>-priv" / "<SKI>-pub" naming convention.
func skiKey(ski []byte, suffix string) string {
	return hex.EncodeToString(ski) + "-" + suffix
}

// MemoryKeyStore is an in-process KeyStore, useful for tests and for
// callers that manage persistence entirely outside this SDK.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{data: make(map[string][]byte)}
}

func (m *MemoryKeyStore) Load(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.data[name]
	if !ok {
		return nil, apierrors.NewBadArgs("name", "no such key: "+name)
	}
	return raw, nil
}

func (m *MemoryKeyStore) Store(name string, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[name] = raw
	return nil
}

// StorePrivateKey persists k's PKCS#8 DER encoding under its SKI.
func StorePrivateKey(store KeyStore, k *KeyHandle) error {
	der, err := marshalPKCS8(k.priv)
	if err != nil {
		return apierrors.NewCryptoError("storePrivateKey", err)
	}
	return store.Store(skiKey(k.ski, "priv"), der)
}
