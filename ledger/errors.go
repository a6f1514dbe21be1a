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
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrAccountNotFound is returned when the ledger holds no account at the
	// requested address.
	ErrAccountNotFound = errors.New("account not found")

	// ErrTransactionNotFound is returned when a listed signature has no
	// transaction yet. Lagging nodes produce it, so it is retriable.
	ErrTransactionNotFound = errors.New("transaction not found")

	errClosed = errors.New("ledger client is closed")
)

// JSON-RPC error codes that retrying cannot fix.
var permanentCodes = map[int]string{
	-32601: "method not found",
	-32602: "invalid params",
	-32011: "transaction history not available",
	-32015: "transaction version not supported",
}

// classifyRPCError determines whether a ledger error is retriable.
// Transport failures and rate limits are retriable, unsupported methods and
// rejected parameters are not.
func classifyRPCError(err error) (retriable bool, reason string) {
	if err == nil {
		return false, ""
	}
	if errors.Is(err, ErrAccountNotFound) || errors.Is(err, errClosed) {
		return false, err.Error()
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if reason, ok := permanentCodes[rpcErr.ErrorCode()]; ok {
			return false, reason
		}
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return true, "rate limited"
		case httpErr.StatusCode >= 400 && httpErr.StatusCode < 500:
			return false, httpErr.Status
		}
	}
	if strings.Contains(err.Error(), "method not found") {
		return false, "method not found"
	}
	return true, "transient error"
}

// Permanent reports whether err is a ledger error that retrying cannot fix.
func Permanent(err error) bool {
	retriable, _ := classifyRPCError(err)
	return err != nil && !retriable
}
