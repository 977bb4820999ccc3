/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package policy implements the EndorsementPolicy contract consumed by
// the Endorsement Coordinator's caller (C10): a boolean expression over
// (mspId, quantity) principals deciding whether a valid-response set is
// enough to commit. The policy DSL itself is supplied by the caller, or
// derived from Discovery's layouts — this package never parses configtx.
package policy

import "github.com/hyperledger-labs/fabric-client-core/core/endorser"

// Policy decides whether a collated, already-divergence-checked valid
// response set satisfies an endorsement requirement.
type Policy interface {
	Satisfied(responses []endorser.Response) bool
}

// PrincipalQuantity is one (mspId, quantity) term of a discovery-derived
// layout: a layout is satisfied when at least Quantity distinct peers
// from MSPID appear among the valid responses.
type PrincipalQuantity struct {
	MSPID    string
	Quantity int
}

// allOf requires every named peer to appear in the valid set.
type allOf struct {
	peers map[string]struct{}
}

// AllOf builds a Policy satisfied only when every named peer endorsed.
func AllOf(peers ...string) Policy {
	set := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		set[p] = struct{}{}
	}
	return &allOf{peers: set}
}

func (p *allOf) Satisfied(responses []endorser.Response) bool {
	present := make(map[string]struct{}, len(responses))
	for _, r := range responses {
		present[r.Peer] = struct{}{}
	}
	for peer := range p.peers {
		if _, ok := present[peer]; !ok {
			return false
		}
	}
	return true
}

// anyN requires at least N of the named peers to appear in the valid
// set; an empty peer list means any N of whatever endorsed.
type anyN struct {
	n     int
	peers map[string]struct{}
}

// AnyN builds a Policy satisfied once n distinct peers from the named
// set (or, if peers is empty, any n valid responses) are present.
func AnyN(n int, peers ...string) Policy {
	set := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		set[p] = struct{}{}
	}
	return &anyN{n: n, peers: set}
}

func (p *anyN) Satisfied(responses []endorser.Response) bool {
	if len(p.peers) == 0 {
		return len(responses) >= p.n
	}
	count := 0
	for _, r := range responses {
		if _, ok := p.peers[r.Peer]; ok {
			count++
		}
	}
	return count >= p.n
}

// layouts requires every (mspId, quantity) term of at least one group to
// be met by distinct peers in the valid set, mirroring Discovery's
// disjunction-of-groups layout representation.
type layouts struct {
	groups [][]PrincipalQuantity
}

// Layouts builds a Policy satisfied when any one group is fully met:
// for every (mspId, quantity) term in that group, at least quantity
// distinct endorsing peers carry that mspId.
func Layouts(groups [][]PrincipalQuantity) Policy {
	return &layouts{groups: groups}
}

func (p *layouts) Satisfied(responses []endorser.Response) bool {
	for _, group := range p.groups {
		if groupSatisfied(group, responses) {
			return true
		}
	}
	return false
}

func groupSatisfied(group []PrincipalQuantity, responses []endorser.Response) bool {
	for _, term := range group {
		if countByMSP(term.MSPID, responses) < term.Quantity {
			return false
		}
	}
	return true
}

// countByMSP counts valid responses naming a peer of the given mspId.
// Response.Peer is the logical peer id, not its mspId, so this relies on
// the mspId-qualified id convention the caller gives its endorser targets
// (e.g. "Org1MSP/peer0") — the same convention Discovery's endpoints map
// uses for its keys.
func countByMSP(mspID string, responses []endorser.Response) int {
	count := 0
	for _, r := range responses {
		if mspOf(r.Peer) == mspID {
			count++
		}
	}
	return count
}

func mspOf(peerID string) string {
	for i := 0; i < len(peerID); i++ {
		if peerID[i] == '/' {
			return peerID[:i]
		}
	}
	return peerID
}
