// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphexec/internal/xsync"
	"github.com/gomlx/graphexec/pkg/core/status"
	"github.com/gomlx/graphexec/pkg/core/values"
	"github.com/gomlx/graphexec/pkg/engine/executor"
	"github.com/gomlx/graphexec/pkg/engine/frame"
	"github.com/gomlx/graphexec/pkg/engine/planner"
)

type runResult struct {
	outputs map[string]*values.Value
	err     error
}

// runInfo is what the background execution of a run needs besides its frame.
type runInfo struct {
	tag           string
	st            *sessionState
	exec          executor.Executor
	outputNames   []string
	outputIndices []int
	signature     string

	// patternsEnabled is only set for sequential runs: the patterns record one order of
	// allocations and frees, which a parallel execution doesn't follow.
	patternsEnabled bool
	usingPatterns   bool
}

// Run executes the graph with the given feeds, and returns the requested outputs, by name. If
// outputNames is empty, all graph outputs are returned.
//
// It can be called concurrently once the session is initialized. The returned values are owned by
// the caller. Errors are reported with a status code:
//
//   - status.NotInitialized: the session was not (successfully) initialized.
//   - status.InvalidArgument: unknown, missing or mismatched inputs or outputs.
//   - status.Timeout: runOpts.TimeoutMs elapsed, or ctx deadline. The execution is abandoned in the background.
//   - status.Runtime, status.OutOfMemory, status.Internal: the execution failed.
//
// A failed run doesn't affect the session: later runs can succeed.
func (s *Session) Run(ctx context.Context, runOpts *RunOptions, feeds map[string]*values.Value, outputNames []string) (map[string]*values.Value, error) {
	st := s.state.Load()
	if st == nil {
		s.mu.Lock()
		p := s.phase
		s.mu.Unlock()
		return nil, status.Errorf(status.NotInitialized, "session %s: Run called on a %s session", s.logID, p)
	}
	var opts RunOptions
	if runOpts != nil {
		opts = *runOpts
	}
	if opts.Tag == "" {
		opts.Tag = uuid.NewString()
	}
	info := &runInfo{tag: opts.Tag, st: st, exec: s.executor(opts)}
	feedIndices, signature, err := st.bindFeeds(feeds)
	if err != nil {
		return nil, errors.WithMessagef(err, "run %s", opts.Tag)
	}
	info.signature = signature
	info.outputNames, info.outputIndices, err = st.bindOutputs(outputNames)
	if err != nil {
		return nil, errors.WithMessagef(err, "run %s", opts.Tag)
	}

	s.numActiveRuns.Add(1)
	defer s.numActiveRuns.Add(-1)
	s.runs.Add(1)

	var runCtx context.Context
	var cancel context.CancelFunc
	if opts.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	// Cancelling makes an abandoned execution stop at its next node.
	defer cancel()

	if s.sem != nil {
		if err := s.sem.Acquire(runCtx, 1); err != nil {
			return nil, s.waitError(err, &opts, "waiting for admission")
		}
	}
	releaseAdmission := func() {
		if s.sem != nil {
			s.sem.Release(1)
		}
	}

	var patterns *planner.PatternGroup
	_, sequential := info.exec.(executor.Sequential)
	info.patternsEnabled = s.opts.EnableMemoryPattern && sequential
	if info.patternsEnabled {
		patterns = st.patterns.Get(signature)
		info.usingPatterns = patterns != nil
	}
	f, err := frame.New(st, feedIndices, info.outputIndices, patterns, info.patternsEnabled && patterns == nil)
	if err != nil {
		releaseAdmission()
		return nil, errors.WithMessagef(err, "run %s", opts.Tag)
	}
	klog.V(1).Infof("session %s: run %s started with %s", s.logID, opts.Tag, info.exec)

	done := xsync.NewLatchWithValue[runResult]()
	s.background.Add(1)
	task := func() {
		defer s.background.Done()
		defer releaseAdmission()
		done.Trigger(s.execute(runCtx, info, f))
	}
	if err := s.interOp.WaitToStart(runCtx, task); err != nil {
		s.background.Done()
		releaseAdmission()
		return nil, multierr.Append(s.waitError(err, &opts, "waiting for a worker"), f.Close())
	}

	result, err := done.WaitContext(runCtx)
	if err == nil && result.err != nil && runCtx.Err() != nil {
		// The execution saw the deadline or the cancellation first.
		err = runCtx.Err()
	}
	if err != nil {
		return nil, s.waitError(err, &opts, "waiting for the execution")
	}
	if result.err != nil {
		s.failures.Add(1)
		return nil, errors.WithMessagef(result.err, "run %s", opts.Tag)
	}
	return result.outputs, nil
}

// executor selects the executor of a run.
func (s *Session) executor(opts RunOptions) executor.Executor {
	if opts.Sequential || s.opts.ExecutionMode == Sequential || s.intraOp == nil {
		return executor.Sequential{}
	}
	return executor.Parallel{Pool: s.intraOp}
}

// waitError converts the error of a context done while waiting.
func (s *Session) waitError(err error, opts *RunOptions, what string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		s.timeouts.Add(1)
		klog.V(1).Infof("session %s: run %s timed out %s", s.logID, opts.Tag, what)
		return status.Wrapf(err, status.Timeout, "run %s timed out (timeout %dms) %s", opts.Tag, opts.TimeoutMs, what)
	}
	s.failures.Add(1)
	return status.Wrapf(err, status.Runtime, "run %s cancelled %s", opts.Tag, what)
}

// execute runs in a worker of the inter-op pool. It owns the frame, and closes it: if the caller
// timed out, the result is discarded.
func (s *Session) execute(ctx context.Context, info *runInfo, f *frame.Frame) (result runResult) {
	start := time.Now()
	defer func() {
		if err := f.Close(); err != nil {
			result.err = multierr.Append(result.err, errors.WithMessage(err, "closing execution frame"))
		}
	}()
	if err := info.exec.Execute(ctx, info.st.exec, f); err != nil {
		klog.V(1).Infof("session %s: run %s failed after %s: %v", s.logID, info.tag, time.Since(start), err)
		result.err = err
		return
	}
	result.outputs = make(map[string]*values.Value, len(info.outputIndices))
	for ii, idx := range info.outputIndices {
		v, err := f.Fetch(idx)
		if err != nil {
			result.err = err
			return
		}
		result.outputs[info.outputNames[ii]] = v
	}
	s.recordPatterns(info, f)
	klog.V(1).Infof("session %s: run %s done in %s, %d allocations", s.logID, info.tag, time.Since(start), f.NumAllocations())
	return
}

// recordPatterns caches the memory patterns of a successful run, or invalidates the cached ones
// if the run diverged from them.
func (s *Session) recordPatterns(info *runInfo, f *frame.Frame) {
	if !info.patternsEnabled {
		return
	}
	if info.usingPatterns {
		if f.UsedPatterns() {
			s.patternHits.Add(1)
		}
		if f.Diverged() {
			klog.Warningf("session %s: run %s diverged from the memory patterns for %q, invalidating them",
				s.logID, info.tag, info.signature)
			info.st.patterns.Invalidate(info.signature)
		}
		return
	}
	if pg := f.GeneratePatterns(); pg != nil && info.st.patterns.Put(info.signature, pg) {
		s.patternsRecorded.Add(1)
		klog.V(1).Infof("session %s: memory patterns recorded for %q: %s", s.logID, info.signature, pg)
	}
}
