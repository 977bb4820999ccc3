/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package discovery implements the optional Discovery component (C11):
// querying a peer's Discovery service for the set of peers currently
// able to endorse a chaincode invocation and the layouts (disjunction of
// per-mspId quantity groups) describing how many of them the
// endorsement policy actually requires.
package discovery

import (
	"context"
	"fmt"

	"github.com/golang/protobuf/proto"
	discoveryproto "github.com/hyperledger/fabric-protos-go/discovery"
	"github.com/hyperledger/fabric-protos-go/gossip"
	"github.com/hyperledger/fabric-protos-go/msp"
	"github.com/hyperledger/fabric/common/flogging"

	"github.com/hyperledger-labs/fabric-client-core/pkg/apierrors"
	"github.com/hyperledger-labs/fabric-client-core/pkg/comm"
	"github.com/hyperledger-labs/fabric-client-core/pkg/identity"
	"github.com/hyperledger-labs/fabric-client-core/pkg/policy"
)

var logger = flogging.MustGetLogger("discovery")

// Endorser is one peer the discovered endorsement descriptor names,
// keyed the way pkg/policy.Layouts expects: "mspId/endpoint".
type Endorser struct {
	MSPID    string
	Endpoint string
}

func (e Endorser) id() string { return e.MSPID + "/" + e.Endpoint }

// Result is spec.md §4.11's discover() return value.
type Result struct {
	Endorsers []Endorser
	Layouts   [][]policy.PrincipalQuantity
	Endpoints map[string]comm.EndpointSpec
}

// Client queries one peer's Discovery service over a shared connection
// pool.
type Client struct {
	pool *comm.Pool
}

// NewClient constructs a Client over a shared connection pool.
func NewClient(pool *comm.Pool) *Client {
	return &Client{pool: pool}
}

// Discover implements spec.md §4.11: ask the named peer for the
// endorsers and layouts currently satisfying chaincodeID on channelID.
func (c *Client) Discover(ctx context.Context, idCtx *identity.Context, channelID, chaincodeID string, target comm.EndpointSpec) (*Result, error) {
	serializedIdentity, err := idCtx.Identity.Serialize()
	if err != nil {
		return nil, apierrors.Wrap(err, "serializing identity for discovery request failed")
	}

	req := &discoveryproto.Request{
		Authentication: &discoveryproto.AuthInfo{
			ClientIdentity: serializedIdentity,
		},
		Queries: []*discoveryproto.Query{
			{
				Channel: channelID,
				Query: &discoveryproto.Query_CcQuery{
					CcQuery: &discoveryproto.ChaincodeQuery{
						Interests: []*discoveryproto.ChaincodeInterest{
							{Chaincodes: []*discoveryproto.ChaincodeCall{{Name: chaincodeID}}},
						},
					},
				},
			},
		},
	}

	payload, err := proto.Marshal(req)
	if err != nil {
		return nil, apierrors.NewCryptoError("discoveryRequest", err)
	}
	sig, err := idCtx.Sign(payload)
	if err != nil {
		return nil, apierrors.Wrap(err, "signing discovery request failed")
	}

	conn, err := c.pool.Get(ctx, target, comm.DefaultDialTimeout)
	if err != nil {
		return nil, apierrors.NewTransportError("UNAVAILABLE", err)
	}

	resp, err := discoveryproto.NewDiscoveryClient(conn).Discover(ctx, &discoveryproto.SignedRequest{
		Payload:   payload,
		Signature: sig,
	})
	if err != nil {
		c.pool.ReportBroken(target)
		return nil, apierrors.NewTransportError("DISCOVERY_FAILED", err)
	}
	if len(resp.Results) == 0 {
		return nil, apierrors.NewTransportError("EMPTY_RESPONSE", fmt.Errorf("discovery returned no results"))
	}

	return decodeCcQueryResult(resp.Results[0], chaincodeID)
}

func decodeCcQueryResult(qr *discoveryproto.QueryResult, chaincodeID string) (*Result, error) {
	if errResult, ok := qr.Result.(*discoveryproto.QueryResult_Error); ok {
		return nil, apierrors.NewTransportError("DISCOVERY_ERROR", fmt.Errorf("discovery error: %s", errResult.Error.GetContent()))
	}
	ccResult, ok := qr.Result.(*discoveryproto.QueryResult_CcQueryRes)
	if !ok {
		return nil, apierrors.NewTransportError("UNEXPECTED_RESULT", fmt.Errorf("discovery response did not carry a chaincode query result"))
	}

	var descriptor *discoveryproto.EndorsementDescriptor
	for _, d := range ccResult.CcQueryRes.GetContent() {
		if d.GetChaincode() == chaincodeID {
			descriptor = d
			break
		}
	}
	if descriptor == nil {
		return nil, apierrors.NewTransportError("NOT_FOUND", fmt.Errorf("discovery response carried no descriptor for chaincode %s", chaincodeID))
	}

	groupMSP := make(map[string]string, len(descriptor.GetEndorsersByGroups()))
	endorserSet := make(map[string]Endorser)
	endpoints := make(map[string]comm.EndpointSpec)

	for group, peers := range descriptor.GetEndorsersByGroups() {
		for _, dp := range peers.GetPeers() {
			e, endpoint, err := decodePeer(dp)
			if err != nil {
				logger.Warnf("skipping undecodable peer in group %s: %s", group, err)
				continue
			}
			groupMSP[group] = e.MSPID
			endorserSet[e.id()] = e
			if endpoint != "" {
				endpoints[e.id()] = comm.EndpointSpec{URL: endpoint}
			}
		}
	}

	endorsers := make([]Endorser, 0, len(endorserSet))
	for _, e := range endorserSet {
		endorsers = append(endorsers, e)
	}

	var layouts [][]policy.PrincipalQuantity
	for _, l := range descriptor.GetLayouts() {
		group := make([]policy.PrincipalQuantity, 0, len(l.GetQuantitiesByGroup()))
		for name, quantity := range l.GetQuantitiesByGroup() {
			mspID, ok := groupMSP[name]
			if !ok {
				return nil, apierrors.NewTransportError("MALFORMED_LAYOUT", fmt.Errorf("layout group %s isn't mapped to any endorser", name))
			}
			group = append(group, policy.PrincipalQuantity{MSPID: mspID, Quantity: int(quantity)})
		}
		layouts = append(layouts, group)
	}

	return &Result{Endorsers: endorsers, Layouts: layouts, Endpoints: endpoints}, nil
}

// decodePeer extracts the mspId and gossip endpoint a discovery.Peer
// carries: Identity is a marshaled msp.SerializedIdentity, and
// MembershipInfo is a gossip envelope wrapping an AliveMessage whose
// Membership.Endpoint names the peer's external address.
func decodePeer(dp *discoveryproto.Peer) (Endorser, string, error) {
	var sID msp.SerializedIdentity
	if err := proto.Unmarshal(dp.GetIdentity(), &sID); err != nil {
		return Endorser{}, "", apierrors.NewCryptoError("decodePeerIdentity", err)
	}

	var endpoint string
	if env := dp.GetMembershipInfo(); env != nil {
		var gm gossip.GossipMessage
		if err := proto.Unmarshal(env.Payload, &gm); err == nil {
			if alive := gm.GetAliveMsg(); alive != nil && alive.Membership != nil {
				endpoint = alive.Membership.Endpoint
			}
		}
	}

	return Endorser{MSPID: sID.Mspid, Endpoint: endpoint}, endpoint, nil
}
