// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package executor walks the allocation plan of a session and dispatches the kernels of one run,
// either strictly in order (Sequential) or running independent nodes concurrently (Parallel).
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphexec/internal/workerspool"
	"github.com/gomlx/graphexec/pkg/core/shapes"
	"github.com/gomlx/graphexec/pkg/core/status"
	"github.com/gomlx/graphexec/pkg/core/values"
	"github.com/gomlx/graphexec/pkg/engine/frame"
	"github.com/gomlx/graphexec/pkg/engine/kernels"
	"github.com/gomlx/graphexec/pkg/engine/planner"
	"github.com/gomlx/graphexec/pkg/graph"
)

// State is the immutable part of a session used by the executors, shared by all runs.
type State struct {
	Graph *graph.Graph
	Plan  *planner.Plan

	// Kernels indexed by step.
	Kernels []kernels.Kernel
}

// Executor runs the nodes of a session, storing the values in the frame.
type Executor interface {
	Execute(ctx context.Context, st *State, f *frame.Frame) error
}

// frameStore is the part of the frame used to run one step.
type frameStore interface {
	kernels.ValueStore
	Release(idx int) error
}

// runStep computes the node of the given step, and releases its inputs and its unused outputs.
//
// Kernel panics are reported as status.Internal errors, and kernel errors without a code as status.Runtime.
func runStep(ctx context.Context, st *State, store frameStore, step int) error {
	node := st.Graph.Node(st.Plan.Order[step])
	inputs, outputs := st.Plan.NodeInputs[step], st.Plan.NodeOutputs[step]
	kernelCtx := kernels.NewContext(ctx, node, inputs, outputs, store)
	var err error
	exception := exceptions.Try(func() { err = st.Kernels[step].Compute(kernelCtx) })
	if exception != nil {
		klog.V(1).Infof("node %q panicked: %v", node.Name, exception)
		if e, ok := exception.(error); ok {
			return status.Wrapf(e, status.Internal, "node %q (%s) panicked", node.Name, node.OpType)
		}
		return status.Errorf(status.Internal, "node %q (%s) panicked: %v", node.Name, node.OpType, exception)
	}
	if err != nil {
		return status.Wrapf(err, status.CodeOr(err, status.Runtime), "node %q (%s@%s)", node.Name, node.OpType, node.Provider)
	}
	for _, idx := range inputs {
		if idx >= 0 {
			err = multierr.Append(err, store.Release(idx))
		}
	}
	for _, idx := range outputs {
		if idx >= 0 && st.Plan.UseCounts[idx] == 0 {
			err = multierr.Append(err, store.Release(idx))
		}
	}
	return errors.WithMessagef(err, "releasing values of node %q", node.Name)
}

func abandoned(ctx context.Context, step int, st *State) error {
	if err := ctx.Err(); err != nil {
		node := st.Graph.Node(st.Plan.Order[step])
		return status.Wrapf(err, status.Runtime, "run abandoned before node %q", node.Name)
	}
	return nil
}

// Sequential runs the nodes one at a time, in the plan order.
type Sequential struct{}

// Execute implements Executor.
func (Sequential) Execute(ctx context.Context, st *State, f *frame.Frame) error {
	for step := range st.Plan.NumSteps() {
		if err := abandoned(ctx, step, st); err != nil {
			return err
		}
		if err := runStep(ctx, st, f, step); err != nil {
			return err
		}
	}
	return nil
}

// Parallel runs nodes whose inputs are all computed concurrently, using the Pool workers.
//
// Each step keeps a count of its inputs still pending: a step is dispatched when its count reaches
// zero. After the first error no new step is dispatched, and Execute returns once the steps in
// flight finish.
type Parallel struct {
	Pool *workerspool.Pool
}

// lockedStore serializes the access of concurrent kernels to the frame.
type lockedStore struct {
	mu sync.Mutex
	f  *frame.Frame
}

func (s *lockedStore) Value(idx int) *values.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Get(idx)
}

func (s *lockedStore) OutputValue(idx int, shape shapes.Shape) (*values.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.GetOrCreateOutput(idx, shape)
}

func (s *lockedStore) Release(idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Release(idx)
}

// Dependencies returns, for each step, the number of inputs produced by other steps, and the list of
// steps reading each step's outputs (one entry per input reference).
func Dependencies(p *planner.Plan) (pending []int, dependents [][]int) {
	pending = make([]int, p.NumSteps())
	dependents = make([][]int, p.NumSteps())
	for step, inputs := range p.NodeInputs {
		for _, idx := range inputs {
			if idx < 0 {
				continue
			}
			if producer := p.FirstWrite[idx]; producer >= 0 {
				pending[step]++
				dependents[producer] = append(dependents[producer], step)
			}
		}
	}
	return
}

type stepResult struct {
	step int
	err  error
}

// Execute implements Executor.
func (e Parallel) Execute(ctx context.Context, st *State, f *frame.Frame) error {
	if e.Pool == nil || e.Pool.MaxParallelism() == 1 {
		return Sequential{}.Execute(ctx, st, f)
	}
	numSteps := st.Plan.NumSteps()
	pending, dependents := Dependencies(st.Plan)
	var ready []int
	for step, count := range pending {
		if count == 0 {
			ready = append(ready, step)
		}
	}

	store := &lockedStore{f: f}
	done := make(chan stepResult, numSteps)
	var err error
	inFlight, completed := 0, 0
	for completed < numSteps {
		for len(ready) > 0 && err == nil {
			step := ready[0]
			ready = ready[1:]
			if err = abandoned(ctx, step, st); err != nil {
				break
			}
			startErr := e.Pool.WaitToStart(ctx, func() {
				done <- stepResult{step: step, err: runStep(ctx, st, store, step)}
			})
			if startErr != nil {
				err = status.Wrapf(startErr, status.Runtime, "scheduling step %d", step)
				break
			}
			inFlight++
		}
		if inFlight == 0 {
			break
		}
		result := <-done
		inFlight--
		completed++
		if result.err != nil {
			err = multierr.Append(err, result.err)
			continue
		}
		for _, dependent := range dependents[result.step] {
			pending[dependent]--
			if pending[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	if err == nil && completed < numSteps {
		err = status.Errorf(status.Internal, "parallel executor stalled after %d of %d steps", completed, numSteps)
	}
	return err
}

// String implements fmt.Stringer.
func (e Parallel) String() string {
	if e.Pool == nil {
		return "Parallel(inline)"
	}
	return fmt.Sprintf("Parallel(%d)", e.Pool.MaxParallelism())
}

// String implements fmt.Stringer.
func (Sequential) String() string { return "Sequential" }
