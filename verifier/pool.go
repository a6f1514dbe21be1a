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
	"context"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/types"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one tree in a pool run.
type Result struct {
	Tree  types.Pubkey
	Check *TreeCheck
	Err   error
}

// Pool runs checks of many trees with bounded parallelism.
type Pool struct {
	workers int
}

// NewPool creates a pool running up to workers checks at once.
func NewPool(workers int) *Pool {
	return &Pool{workers: max(workers, 1)}
}

// Run checks every tree with fn and returns the results in input order. A
// failing tree does not stop the others. Trees not started before ctx is
// done report its error.
func (p *Pool) Run(ctx context.Context, trees []types.Pubkey, fn func(context.Context, types.Pubkey) (*TreeCheck, error)) []Result {
	results := make([]Result, len(trees))
	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, tree := range trees {
		results[i].Tree = tree
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		g.Go(func() error {
			activeWorkers.Inc(1)
			defer activeWorkers.Dec(1)
			results[i].Check, results[i].Err = fn(ctx, tree)
			return nil
		})
	}
	g.Wait()
	return results
}
