/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package txn

import (
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-protos-go/peer"

	"github.com/hyperledger-labs/fabric-client-core/pkg/apierrors"
	"github.com/hyperledger-labs/fabric-client-core/pkg/identity"
)

// Proposal is the wire-ready, signed proposal value described by spec.md
// §3: payloadBytes is the exact byte string that was signed, satisfying
// verify(identity.cert, payloadBytes, signature) == true.
type Proposal struct {
	ChannelID     string
	ChaincodeID   string
	Function      string
	Args          [][]byte
	Transient     map[string][]byte
	TxID          string
	PayloadBytes  []byte
	Signature     []byte

	// HeaderBytes and ChaincodeProposalPayloadBytes are the marshaled
	// common.Header and peer.ChaincodeProposalPayload that make up
	// PayloadBytes. The committer reuses them verbatim when assembling the
	// TransactionEnvelope, so the envelope's header matches the one every
	// endorser signed over.
	HeaderBytes                   []byte
	ChaincodeProposalPayloadBytes []byte
}

// SignedProposal returns the wire message sent to an endorser's
// ProcessProposal RPC.
func (p *Proposal) SignedProposal() *peer.SignedProposal {
	return &peer.SignedProposal{
		ProposalBytes: p.PayloadBytes,
		Signature:     p.Signature,
	}
}

// Build constructs and signs a Proposal from an identity context, following
// spec.md §4.5 exactly:
//  1. ChannelHeader{type=ENDORSER_TX, channelId, txId=ctx.txId, timestamp=now, epoch=0, extension=chaincodeId}
//  2. SignatureHeader{creator=serialize(ctx.identity), nonce=ctx.nonce}
//  3. ChaincodeProposalPayload{input=(fn,args), transientMap}
//  4. payloadBytes = concat(header-bytes, payload-bytes) using the platform's binary framing
//  5. signature = ctx.sign(payloadBytes)
//
// Build never re-signs a Proposal with a different nonce — call NewContext
// again for a fresh attempt. Its output is not deterministic: the channel
// header carries the current time and ECDSA signing draws a random value,
// so two Build calls on the same context yield different PayloadBytes and
// Signature.
func Build(ctx *identity.Context, channelID, chaincodeID, fn string, args [][]byte, transient map[string][]byte) (*Proposal, error) {
	if ctx == nil {
		return nil, apierrors.NewBadArgs("ctx", "must not be nil")
	}
	if channelID == "" {
		return nil, apierrors.NewBadArgs("channelId", "must not be empty")
	}
	if chaincodeID == "" {
		return nil, apierrors.NewBadArgs("chaincodeId", "must not be empty")
	}

	chdr, err := buildChannelHeader(channelID, ctx.TxID, chaincodeID, time.Now())
	if err != nil {
		return nil, err
	}
	shdr, err := buildSignatureHeader(ctx.Identity, ctx.Nonce)
	if err != nil {
		return nil, err
	}
	header, err := buildHeader(chdr, shdr)
	if err != nil {
		return nil, err
	}

	ccPayload, err := buildChaincodeProposalPayload(chaincodeID, fn, args, transient)
	if err != nil {
		return nil, err
	}
	ccPayloadBytes, err := proto.Marshal(ccPayload)
	if err != nil {
		return nil, apierrors.NewCryptoError("buildProposal", err)
	}

	headerBytes, err := proto.Marshal(header)
	if err != nil {
		return nil, apierrors.NewCryptoError("buildProposal", err)
	}

	wireProposal := &peer.Proposal{
		Header:  headerBytes,
		Payload: ccPayloadBytes,
	}
	payloadBytes, err := proto.Marshal(wireProposal)
	if err != nil {
		return nil, apierrors.NewCryptoError("buildProposal", err)
	}

	sig, err := ctx.Sign(payloadBytes)
	if err != nil {
		return nil, apierrors.Wrap(err, "signing proposal failed")
	}

	return &Proposal{
		ChannelID:                     channelID,
		ChaincodeID:                   chaincodeID,
		Function:                      fn,
		Args:                          args,
		Transient:                     transient,
		TxID:                          ctx.TxID,
		PayloadBytes:                  payloadBytes,
		Signature:                     sig,
		HeaderBytes:                   headerBytes,
		ChaincodeProposalPayloadBytes: ccPayloadBytes,
	}, nil
}

func buildChaincodeProposalPayload(chaincodeID, fn string, args [][]byte, transient map[string][]byte) (*peer.ChaincodeProposalPayload, error) {
	invocationArgs := make([][]byte, 0, len(args)+1)
	invocationArgs = append(invocationArgs, []byte(fn))
	invocationArgs = append(invocationArgs, args...)

	spec := &peer.ChaincodeInvocationSpec{
		ChaincodeSpec: &peer.ChaincodeSpec{
			ChaincodeId: &peer.ChaincodeID{Name: chaincodeID},
			Input:       &peer.ChaincodeInput{Args: invocationArgs},
		},
	}
	specBytes, err := proto.Marshal(spec)
	if err != nil {
		return nil, apierrors.NewCryptoError("buildChaincodeProposalPayload", err)
	}

	return &peer.ChaincodeProposalPayload{
		Input:        specBytes,
		TransientMap: transient,
	}, nil
}
