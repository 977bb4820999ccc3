/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package apierrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransportErrorRetryable(t *testing.T) {
	unavailable := NewTransportError("UNAVAILABLE", errors.New("dial failed"))
	var te *TransportError
	require.ErrorAs(t, unavailable, &te)
	require.True(t, te.Retryable())

	terminal := NewTransportError("PERMISSION_DENIED", errors.New("denied"))
	require.ErrorAs(t, terminal, &te)
	require.False(t, te.Retryable())
}

func TestOrdererTimeoutPhasesAreDistinguishable(t *testing.T) {
	sys := NewOrdererTimeout("orderer1:7050", SystemTimeout)
	req := NewOrdererTimeout("orderer1:7050", RequestTimeout)

	var sysErr, reqErr *OrdererTimeout
	require.ErrorAs(t, sys, &sysErr)
	require.ErrorAs(t, req, &reqErr)
	require.NotEqual(t, sysErr.Phase, reqErr.Phase)
}

func TestCommitTimeoutCarriesDiagnostics(t *testing.T) {
	err := NewCommitTimeout("tx1", []string{"peer0"}, []string{"peer1"})
	var ct *CommitTimeout
	require.ErrorAs(t, err, &ct)
	require.Equal(t, []string{"peer0"}, ct.Responded)
	require.Equal(t, []string{"peer1"}, ct.Outstanding)
}

func TestWrapPreservesCause(t *testing.T) {
	root := errors.New("boom")
	wrapped := Wrap(root, "while doing X")
	require.ErrorIs(t, wrapped, root)
	require.Nil(t, Wrap(nil, "noop"))
}
