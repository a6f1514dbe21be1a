// Copyright 2024 The treestatus Authors
// This file is part of treestatus.
//
// treestatus is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// treestatus is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with treestatus. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/status"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/verdict"
	"github.com/callensm/digital-asset-rpc-infrastructure/forwarder"
	"github.com/callensm/digital-asset-rpc-infrastructure/verifier"
	"github.com/fatih/color"
)

var (
	okLabel   = color.New(color.FgGreen, color.Bold).Sprint("OK")
	failLabel = color.New(color.FgRed, color.Bold).Sprint("FAIL")
	warnLabel = color.New(color.FgYellow, color.Bold).Sprint("WARN")
)

// printResults writes one line per tree and returns how many are not
// healthy.
func printResults(w io.Writer, results []verifier.Result) int {
	var failed int
	for _, res := range results {
		if res.Err != nil {
			failed++
			fmt.Fprintf(w, "%s %s error: %v\n", failLabel, res.Tree, res.Err)
			continue
		}
		v := res.Check.Verdict
		label := failLabel
		switch v.Kind {
		case verdict.Healthy:
			label = okLabel
		case verdict.Incomplete:
			label = warnLabel
		}
		if v.Kind != verdict.Healthy {
			failed++
		}
		fmt.Fprintf(w, "%s %s %s: %s\n", label, res.Tree, v.Kind, v.Detail())
	}
	return failed
}

func printStatuses(w io.Writer, records []*status.Record) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TREE\tKIND\tLAST APPLIED\tAUTHORITATIVE\tCHECKED\tDETAIL")
	for _, r := range records {
		checked := time.Unix(int64(r.CheckedAt), 0).UTC().Format(time.RFC3339)
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", r.Tree, r.Kind, r.LastApplied, r.Authoritative, checked, r.Detail)
	}
	tw.Flush()
}

func printRequests(w io.Writer, pending []forwarder.Pending) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTREE\tFROM\tTO\tAFTER\tBEFORE")
	for _, p := range pending {
		r := p.Request
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%s\n", p.Seq, r.Tree, r.From, r.To, r.After, r.Before)
	}
	tw.Flush()
}
