/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package txn implements the proposal builder and signer (C5): channel
// headers, signature headers, chaincode invocation specs, and the
// deterministic signing step that produces a Proposal's payloadBytes.
package txn

import (
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/protobuf/ptypes/timestamp"
	"github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/peer"

	"github.com/hyperledger-labs/fabric-client-core/pkg/apierrors"
	"github.com/hyperledger-labs/fabric-client-core/pkg/identity"
)

// buildChannelHeader builds a ChannelHeader for an endorser transaction,
// matching spec.md §4.5 step 1: {type=ENDORSER_TX, channelId, txId, timestamp,
// epoch=0, extension=chaincodeId}.
func buildChannelHeader(channelID, txID, chaincodeID string, now time.Time) (*common.ChannelHeader, error) {
	ext, err := proto.Marshal(&peer.ChaincodeHeaderExtension{
		ChaincodeId: &peer.ChaincodeID{Name: chaincodeID},
	})
	if err != nil {
		return nil, apierrors.NewBadArgs("chaincodeId", "failed to encode chaincode header extension")
	}
	return &common.ChannelHeader{
		Type:      int32(common.HeaderType_ENDORSER_TRANSACTION),
		Version:   0,
		Timestamp: &timestamp.Timestamp{Seconds: now.Unix(), Nanos: int32(now.Nanosecond())},
		ChannelId: channelID,
		TxId:      txID,
		Epoch:     0,
		Extension: ext,
	}, nil
}

// buildSignatureHeader builds a SignatureHeader: {creator=serialize(identity), nonce}.
func buildSignatureHeader(id *identity.Identity, nonce []byte) (*common.SignatureHeader, error) {
	creator, err := id.Serialize()
	if err != nil {
		return nil, err
	}
	return &common.SignatureHeader{
		Creator: creator,
		Nonce:   nonce,
	}, nil
}

func buildHeader(chdr *common.ChannelHeader, shdr *common.SignatureHeader) (*common.Header, error) {
	chdrBytes, err := proto.Marshal(chdr)
	if err != nil {
		return nil, apierrors.NewCryptoError("buildHeader", err)
	}
	shdrBytes, err := proto.Marshal(shdr)
	if err != nil {
		return nil, apierrors.NewCryptoError("buildHeader", err)
	}
	return &common.Header{
		ChannelHeader:   chdrBytes,
		SignatureHeader: shdrBytes,
	}, nil
}
