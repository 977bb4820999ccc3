/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package event

import (
	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/peer"
)

// txRecord is one transaction's outcome within a delivered block, decoded
// from either a full block or a filtered block into the same shape so
// dispatch logic doesn't need to know which mode produced it.
type txRecord struct {
	txID           string
	validationCode peer.TxValidationCode
	ccEvents       []ChaincodeEventRecord
}

// decodeFullBlock walks a full block's envelopes, pairing each with its
// validation code from the block metadata's transaction-filter array, and
// extracts any chaincode event carried by endorser transactions.
func decodeFullBlock(b *common.Block) []txRecord {
	if b == nil || b.Data == nil {
		return nil
	}
	var flags []byte
	if b.Metadata != nil && len(b.Metadata.Metadata) > int(common.BlockMetadataIndex_TRANSACTIONS_FILTER) {
		flags = b.Metadata.Metadata[common.BlockMetadataIndex_TRANSACTIONS_FILTER]
	}

	records := make([]txRecord, 0, len(b.Data.Data))
	for i, raw := range b.Data.Data {
		rec := txRecord{validationCode: peer.TxValidationCode_INVALID_OTHER_REASON}
		if i < len(flags) {
			rec.validationCode = peer.TxValidationCode(flags[i])
		}

		envelope := &common.Envelope{}
		if err := proto.Unmarshal(raw, envelope); err != nil {
			records = append(records, rec)
			continue
		}
		payload := &common.Payload{}
		if err := proto.Unmarshal(envelope.Payload, payload); err != nil || payload.Header == nil {
			records = append(records, rec)
			continue
		}
		chdr := &common.ChannelHeader{}
		if err := proto.Unmarshal(payload.Header.ChannelHeader, chdr); err != nil {
			records = append(records, rec)
			continue
		}
		rec.txID = chdr.TxId

		if common.HeaderType(chdr.Type) == common.HeaderType_ENDORSER_TRANSACTION {
			if ev, ok := decodeChaincodeEvent(payload.Data, rec.txID, b.Header.Number); ok {
				rec.ccEvents = append(rec.ccEvents, ev)
			}
		}
		records = append(records, rec)
	}
	return records
}

// decodeChaincodeEvent unmarshals the nested Transaction -> ChaincodeActionPayload
// -> ProposalResponsePayload -> ChaincodeAction chain to recover the
// chaincode event a transaction's first action carried, if any.
func decodeChaincodeEvent(txData []byte, txID string, blockNumber uint64) (ChaincodeEventRecord, bool) {
	tx := &peer.Transaction{}
	if err := proto.Unmarshal(txData, tx); err != nil || len(tx.Actions) == 0 {
		return ChaincodeEventRecord{}, false
	}
	cap := &peer.ChaincodeActionPayload{}
	if err := proto.Unmarshal(tx.Actions[0].Payload, cap); err != nil || cap.Action == nil {
		return ChaincodeEventRecord{}, false
	}
	prp := &peer.ProposalResponsePayload{}
	if err := proto.Unmarshal(cap.Action.ProposalResponsePayload, prp); err != nil {
		return ChaincodeEventRecord{}, false
	}
	ccAction := &peer.ChaincodeAction{}
	if err := proto.Unmarshal(prp.Extension, ccAction); err != nil || len(ccAction.Events) == 0 {
		return ChaincodeEventRecord{}, false
	}
	ccEvent := &peer.ChaincodeEvent{}
	if err := proto.Unmarshal(ccAction.Events, ccEvent); err != nil || ccEvent.EventName == "" {
		return ChaincodeEventRecord{}, false
	}
	return ChaincodeEventRecord{
		ChaincodeID: ccEvent.ChaincodeId,
		EventName:   ccEvent.EventName,
		Payload:     ccEvent.Payload,
		TxID:        txID,
		BlockNumber: blockNumber,
	}, true
}

// decodeFilteredBlock extracts the same shape from a FilteredBlock, whose
// chaincode events (when FILTERED mode still carries them for a
// registered interest) live under each FilteredTransaction's
// TransactionActions.
func decodeFilteredBlock(fb *peer.FilteredBlock) []txRecord {
	if fb == nil {
		return nil
	}
	records := make([]txRecord, 0, len(fb.FilteredTransactions))
	for _, tx := range fb.FilteredTransactions {
		rec := txRecord{txID: tx.Txid, validationCode: tx.TxValidationCode}
		if actions := tx.GetTransactionActions(); actions != nil {
			for _, ca := range actions.ChaincodeActions {
				if ca.ChaincodeEvent == nil {
					continue
				}
				rec.ccEvents = append(rec.ccEvents, ChaincodeEventRecord{
					ChaincodeID: ca.ChaincodeEvent.ChaincodeId,
					EventName:   ca.ChaincodeEvent.EventName,
					Payload:     ca.ChaincodeEvent.Payload,
					TxID:        tx.Txid,
					BlockNumber: fb.Number,
				})
			}
		}
		records = append(records, rec)
	}
	return records
}
