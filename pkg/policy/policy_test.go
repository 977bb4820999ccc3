/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package policy_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperledger-labs/fabric-client-core/core/endorser"
	"github.com/hyperledger-labs/fabric-client-core/pkg/policy"
)

func TestAllOfRequiresEveryNamedPeer(t *testing.T) {
	p := policy.AllOf("peer0", "peer1")

	require.False(t, p.Satisfied([]endorser.Response{{Peer: "peer0"}}))
	require.True(t, p.Satisfied([]endorser.Response{{Peer: "peer0"}, {Peer: "peer1"}}))
	require.True(t, p.Satisfied([]endorser.Response{{Peer: "peer0"}, {Peer: "peer1"}, {Peer: "peer2"}}))
}

func TestAnyNRequiresNFromNamedSet(t *testing.T) {
	p := policy.AnyN(2, "peer0", "peer1", "peer2")

	require.False(t, p.Satisfied([]endorser.Response{{Peer: "peer0"}}))
	require.True(t, p.Satisfied([]endorser.Response{{Peer: "peer0"}, {Peer: "peer2"}}))
}

func TestAnyNWithoutNamedPeersCountsAnyResponses(t *testing.T) {
	p := policy.AnyN(2)

	require.False(t, p.Satisfied([]endorser.Response{{Peer: "peer0"}}))
	require.True(t, p.Satisfied([]endorser.Response{{Peer: "peer0"}, {Peer: "peer9"}}))
}

func TestLayoutsSatisfiedByAnyOneGroup(t *testing.T) {
	p := policy.Layouts([][]policy.PrincipalQuantity{
		{{MSPID: "Org1MSP", Quantity: 2}},
		{{MSPID: "Org1MSP", Quantity: 1}, {MSPID: "Org2MSP", Quantity: 1}},
	})

	require.False(t, p.Satisfied([]endorser.Response{{Peer: "Org1MSP/peer0"}}))
	require.True(t, p.Satisfied([]endorser.Response{{Peer: "Org1MSP/peer0"}, {Peer: "Org2MSP/peer0"}}))
	require.True(t, p.Satisfied([]endorser.Response{{Peer: "Org1MSP/peer0"}, {Peer: "Org1MSP/peer1"}}))
}
