/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package committer implements the Commit Submitter (C7): assembling a
// TransactionEnvelope from a proposal's endorsed responses and streaming
// it to an orderer's broadcast channel.
package committer

import (
	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/peer"

	"github.com/hyperledger-labs/fabric-client-core/core/endorser"
	"github.com/hyperledger-labs/fabric-client-core/pkg/apierrors"
	"github.com/hyperledger-labs/fabric-client-core/pkg/identity"
	"github.com/hyperledger-labs/fabric-client-core/pkg/txn"
)

// buildEnvelope wraps validResponses' single, already-verified-identical
// ProposalResponseBytes, together with every peer's endorsement, inside a
// Payload carrying the original proposal header, then signs that payload
// with the same identity that signed the proposal.
//
// Precondition: validResponses is non-empty and every element shares one
// ProposalResponseBytes value — the Endorsement Coordinator guarantees
// this before returning a non-empty Result.Valid.
func buildEnvelope(ctx *identity.Context, p *txn.Proposal, validResponses []endorser.Response) (*common.Envelope, error) {
	if len(validResponses) == 0 {
		return nil, apierrors.NewBadArgs("validResponses", "must not be empty")
	}

	endorsements := make([]*peer.Endorsement, len(validResponses))
	for i, r := range validResponses {
		if r.Endorsement == nil {
			return nil, apierrors.NewBadArgs("validResponses", "missing endorsement")
		}
		endorsements[i] = &peer.Endorsement{
			Endorser:  r.Endorsement.EndorserBytes,
			Signature: r.Endorsement.SignatureBytes,
		}
	}

	cea := &peer.ChaincodeEndorsedAction{
		ProposalResponsePayload: validResponses[0].ProposalResponseBytes,
		Endorsements:            endorsements,
	}

	ccProposalPayloadNoTransient, err := stripTransient(p.ChaincodeProposalPayloadBytes)
	if err != nil {
		return nil, err
	}

	cap := &peer.ChaincodeActionPayload{
		ChaincodeProposalPayload: ccProposalPayloadNoTransient,
		Action:                   cea,
	}
	capBytes, err := proto.Marshal(cap)
	if err != nil {
		return nil, apierrors.NewCryptoError("buildEnvelope", err)
	}

	shdrBytes, err := signatureHeaderBytes(p.HeaderBytes)
	if err != nil {
		return nil, err
	}

	tx := &peer.Transaction{
		Actions: []*peer.TransactionAction{
			{Header: shdrBytes, Payload: capBytes},
		},
	}
	txBytes, err := proto.Marshal(tx)
	if err != nil {
		return nil, apierrors.NewCryptoError("buildEnvelope", err)
	}

	payload := &common.Payload{
		Header: &common.Header{}, // replaced below with the original header bytes split back out
		Data:   txBytes,
	}
	hdr, err := unmarshalHeader(p.HeaderBytes)
	if err != nil {
		return nil, err
	}
	payload.Header = hdr

	payloadBytes, err := proto.Marshal(payload)
	if err != nil {
		return nil, apierrors.NewCryptoError("buildEnvelope", err)
	}

	sig, err := ctx.Sign(payloadBytes)
	if err != nil {
		return nil, apierrors.Wrap(err, "signing transaction envelope failed")
	}

	return &common.Envelope{Payload: payloadBytes, Signature: sig}, nil
}

func unmarshalHeader(raw []byte) (*common.Header, error) {
	hdr := &common.Header{}
	if err := proto.Unmarshal(raw, hdr); err != nil {
		return nil, apierrors.NewCryptoError("buildEnvelope", err)
	}
	return hdr, nil
}

func signatureHeaderBytes(headerBytes []byte) ([]byte, error) {
	hdr, err := unmarshalHeader(headerBytes)
	if err != nil {
		return nil, err
	}
	return hdr.SignatureHeader, nil
}

// stripTransient re-marshals a ChaincodeProposalPayload with its
// TransientMap removed: transient data must never reach the ledger.
func stripTransient(raw []byte) ([]byte, error) {
	ccPayload := &peer.ChaincodeProposalPayload{}
	if err := proto.Unmarshal(raw, ccPayload); err != nil {
		return nil, apierrors.NewCryptoError("stripTransient", err)
	}
	stripped := &peer.ChaincodeProposalPayload{Input: ccPayload.Input}
	out, err := proto.Marshal(stripped)
	if err != nil {
		return nil, apierrors.NewCryptoError("stripTransient", err)
	}
	return out, nil
}
