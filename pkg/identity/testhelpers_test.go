/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package identity

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"

	"github.com/hyperledger-labs/fabric-client-core/pkg/crypto"
)

// x509SelfSign signs template with k, which implements crypto.Signer.
func x509SelfSign(template *x509.Certificate, k *crypto.KeyHandle) ([]byte, error) {
	return x509.CreateCertificate(rand.Reader, template, template, k.Public(), k)
}

func pemEncodeCert(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
