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

package verifier

import (
	"github.com/callensm/digital-asset-rpc-infrastructure/core/verdict"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	checkTimer      = metrics.NewRegisteredTimer("treestatus/verifier/check", nil)
	checkErrors     = metrics.NewRegisteredCounter("treestatus/verifier/errors", nil)
	eventsApplied   = metrics.NewRegisteredMeter("treestatus/verifier/events/applied", nil)
	decodeErrors    = metrics.NewRegisteredCounter("treestatus/verifier/events/undecodable", nil)
	refetchRequests = metrics.NewRegisteredCounter("treestatus/verifier/refetch", nil)
	activeWorkers   = metrics.NewRegisteredGauge("treestatus/verifier/workers", nil)
)

func verdictCounter(kind verdict.Kind) *metrics.Counter {
	return metrics.GetOrRegisterCounter("treestatus/verifier/verdict/"+kind.String(), nil)
}
