/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package comm implements the gRPC endpoint and connection pool: lazy
// mutually-authenticated dialing, dedup-by-identity connection reuse, and
// the terminal-error-on-broken-stream contract every consumer relies on.
package comm

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/hyperledger-labs/fabric-client-core/pkg/apierrors"
)

// EndpointSpec describes one gRPC service endpoint: a URL plus whatever
// TLS material is needed to reach it. Consumed, never parsed — a
// connection-profile loader is out of scope for this module.
type EndpointSpec struct {
	URL                 string
	TLSRootCerts        [][]byte
	ClientCert          []byte
	ClientKey           []byte
	ServerNameOverride  string
	GRPCOptions         []grpc.DialOption
}

// key returns the pool's dedup key: (url, tlsRoots-hash, clientCert-hash).
func (e EndpointSpec) key() string {
	h := sha256.New()
	h.Write([]byte(e.URL))
	for _, root := range e.TLSRootCerts {
		h.Write(root)
	}
	h.Write(e.ClientCert)
	return hex.EncodeToString(h.Sum(nil))
}

func (e EndpointSpec) dialOptions() ([]grpc.DialOption, error) {
	opts := make([]grpc.DialOption, 0, len(e.GRPCOptions)+2)

	creds, err := e.transportCredentials()
	if err != nil {
		return nil, err
	}
	opts = append(opts, grpc.WithTransportCredentials(creds))
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                DefaultKeepAliveTime,
		Timeout:             DefaultKeepAliveTimeout,
		PermitWithoutStream: true,
	}))
	opts = append(opts, e.GRPCOptions...)
	return opts, nil
}

func (e EndpointSpec) transportCredentials() (credentials.TransportCredentials, error) {
	if len(e.TLSRootCerts) == 0 {
		return insecure.NewCredentials(), nil
	}

	// Mutual TLS is mandatory whenever tlsRoots != empty.
	pool := x509.NewCertPool()
	for _, root := range e.TLSRootCerts {
		if !pool.AppendCertsFromPEM(root) {
			return nil, apierrors.NewBadArgs("tlsRootCerts", "failed to parse root certificate")
		}
	}

	cfg := &tls.Config{RootCAs: pool}
	if e.ServerNameOverride != "" {
		cfg.ServerName = e.ServerNameOverride
	}

	if len(e.ClientCert) == 0 {
		return nil, apierrors.NewBadArgs("clientCert", "mutual TLS requires a client certificate when TLS roots are set")
	}
	if len(e.ClientKey) == 0 {
		return nil, apierrors.NewBadArgs("clientKey", "clientCert given without matching clientKey")
	}
	pair, err := tls.X509KeyPair(e.ClientCert, e.ClientKey)
	if err != nil {
		return nil, apierrors.NewCryptoError("transportCredentials", err)
	}
	cfg.Certificates = []tls.Certificate{pair}

	return credentials.NewTLS(cfg), nil
}
