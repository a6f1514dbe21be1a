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

package forwarder

import "github.com/ethereum/go-ethereum/metrics"

var (
	forwardedTotal = metrics.NewRegisteredCounter("treestatus/forwarder/requests/total", nil)
	forwardErrors  = metrics.NewRegisteredCounter("treestatus/forwarder/errors", nil)
	outboxDepth    = metrics.NewRegisteredGauge("treestatus/forwarder/outbox/depth", nil)
)
