// Copyright 2024 The treestatus Authors
// This file is part of the treestatus library.
//
// The treestatus library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The treestatus library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the treestatus library. If not, see <http://www.gnu.org/licenses/>.

package ledger

import (
	"encoding/json"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/types"
)

// Commitment levels accepted by the ledger.
const (
	CommitmentFinalized = "finalized"
	CommitmentConfirmed = "confirmed"
)

// SignatureInfo is one entry of getSignaturesForAddress.
type SignatureInfo struct {
	Signature string          `json:"signature"`
	Slot      uint64          `json:"slot"`
	Err       json.RawMessage `json:"err"`
	BlockTime *int64          `json:"blockTime"`
}

// Failed reports whether the transaction failed on chain.
func (s *SignatureInfo) Failed() bool {
	return isError(s.Err)
}

// SignatureOptions bounds a signature listing. Before and Until are
// exclusive.
type SignatureOptions struct {
	Before string
	Until  string
	Limit  int
}

type signatureConfig struct {
	Before     string `json:"before,omitempty"`
	Until      string `json:"until,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Commitment string `json:"commitment,omitempty"`
}

type accountConfig struct {
	Encoding   string `json:"encoding"`
	Commitment string `json:"commitment,omitempty"`
}

type transactionConfig struct {
	Encoding                       string `json:"encoding"`
	Commitment                     string `json:"commitment,omitempty"`
	MaxSupportedTransactionVersion int    `json:"maxSupportedTransactionVersion"`
}

// rpcAccountInfo mirrors the getAccountInfo response.
type rpcAccountInfo struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value *struct {
		Data       []string     `json:"data"` // [payload, encoding]
		Owner      types.Pubkey `json:"owner"`
		Lamports   uint64       `json:"lamports"`
		Executable bool         `json:"executable"`
	} `json:"value"`
}

// rpcInstruction mirrors a compiled instruction with json encoding.
type rpcInstruction struct {
	ProgramIDIndex int    `json:"programIdIndex"`
	Accounts       []int  `json:"accounts"`
	Data           string `json:"data"` // base58
	StackHeight    *int   `json:"stackHeight"`
}

type rpcInnerInstructions struct {
	Index        int              `json:"index"`
	Instructions []rpcInstruction `json:"instructions"`
}

// rpcTransaction mirrors the getTransaction response.
type rpcTransaction struct {
	Slot        uint64 `json:"slot"`
	Transaction struct {
		Signatures []string `json:"signatures"`
		Message    struct {
			AccountKeys  []types.Pubkey   `json:"accountKeys"`
			Instructions []rpcInstruction `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
	Meta *struct {
		Err               json.RawMessage        `json:"err"`
		InnerInstructions []rpcInnerInstructions `json:"innerInstructions"`
		LoadedAddresses   *struct {
			Writable []types.Pubkey `json:"writable"`
			Readonly []types.Pubkey `json:"readonly"`
		} `json:"loadedAddresses"`
	} `json:"meta"`
}

func isError(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
