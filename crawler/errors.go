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

import "fmt"

// ErrorKind classifies a failed crawl.
type ErrorKind uint8

const (
	Unavailable ErrorKind = iota // Retries exhausted
	Rejected                     // The ledger refused the call for good
)

func (k ErrorKind) String() string {
	if k == Rejected {
		return "rejected"
	}
	return "unavailable"
}

// CrawlError reports a crawl that stopped before reaching the tip. Setting
// Config.After to Cursor resumes it.
type CrawlError struct {
	Kind     ErrorKind
	Call     string
	Attempts uint64
	Cursor   string // Last delivered signature, empty if none
	Err      error
}

func (e *CrawlError) Error() string {
	return fmt.Sprintf("crawl %s at %q after %d attempts of %s: %v", e.Kind, e.Cursor, e.Attempts, e.Call, e.Err)
}

func (e *CrawlError) Unwrap() error { return e.Err }
