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

package crawler

import "github.com/ethereum/go-ethereum/metrics"

var (
	pagesMeter       = metrics.NewRegisteredMeter("treestatus/crawler/pages", nil)
	deliveredCounter = metrics.NewRegisteredCounter("treestatus/crawler/delivered", nil)
	skippedFailed    = metrics.NewRegisteredCounter("treestatus/crawler/skipped/failed", nil)
	skippedDuplicate = metrics.NewRegisteredCounter("treestatus/crawler/skipped/duplicate", nil)
	retriesCounter   = metrics.NewRegisteredCounter("treestatus/crawler/retries", nil)
	crawlErrors      = metrics.NewRegisteredCounter("treestatus/crawler/errors", nil)
)
