// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package session implements the Session: it owns a loaded graph, the execution providers (in
// preference order) and, once initialized, the immutable session state shared by concurrent runs:
// the transformed and frozen graph, one kernel per node and the allocation plan.
//
// The lifecycle is Load (or LoadGraph, LoadFile), then Initialize, then any number of concurrent
// calls to Run. Failures of Load or Initialize are terminal for the session.
package session

import (
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphexec/internal/workerspool"
	"github.com/gomlx/graphexec/pkg/core/shapes"
	"github.com/gomlx/graphexec/pkg/core/status"
	"github.com/gomlx/graphexec/pkg/core/values"
	"github.com/gomlx/graphexec/pkg/engine/executor"
	"github.com/gomlx/graphexec/pkg/engine/frame"
	"github.com/gomlx/graphexec/pkg/engine/kernels"
	"github.com/gomlx/graphexec/pkg/engine/planner"
	"github.com/gomlx/graphexec/pkg/engine/transform"
	"github.com/gomlx/graphexec/pkg/graph"
	"github.com/gomlx/graphexec/pkg/graph/graphio"
	"github.com/gomlx/graphexec/pkg/memory"
	"github.com/gomlx/graphexec/pkg/memory/allocators"
	"github.com/gomlx/graphexec/pkg/providers"
	"github.com/gomlx/graphexec/pkg/providers/cpu"
)

type phase int

const (
	unloaded phase = iota
	loaded
	initialized
	failed
	closed
)

func (p phase) String() string {
	switch p {
	case unloaded:
		return "unloaded"
	case loaded:
		return "loaded"
	case initialized:
		return "initialized"
	case failed:
		return "failed"
	case closed:
		return "closed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Session executes one graph on a list of execution providers.
type Session struct {
	opts      Options
	logID     string
	providers []providers.Provider
	byType    map[string]providers.Provider
	allocs    *allocators.Registry

	// mu guards the Load and Initialize transitions. It is never held by Run.
	mu      sync.Mutex
	phase   phase
	graph   *graph.Graph
	failure error

	// state is set once Initialize succeeds.
	state atomic.Pointer[sessionState]

	sem           *semaphore.Weighted
	interOp       *workerspool.Pool
	intraOp       *workerspool.Pool
	numActiveRuns atomic.Int64

	// background tracks the executions submitted to interOp, which may outlive their Run on timeout.
	background sync.WaitGroup

	runs, failures, timeouts, patternHits, patternsRecorded atomic.Int64
}

// New creates a session with the given providers, in preference order.
//
// A CPU provider is appended if none is given, using allocs for its memory. The session takes ownership
// of the providers and closes them on Close, except if New fails.
func New(opts Options, provs []providers.Provider, allocs *allocators.Registry) (*Session, error) {
	if opts.InterOpThreads < 1 {
		opts.InterOpThreads = DefaultOptions().InterOpThreads
	}
	if opts.IntraOpThreads < 1 {
		opts.IntraOpThreads = 1
	}
	s := &Session{
		opts:      opts,
		logID:     opts.LogID,
		providers: slices.Clone(provs),
		byType:    make(map[string]providers.Provider, len(provs)+1),
		allocs:    allocs,
		interOp:   workerspool.New(opts.InterOpThreads),
	}
	if s.logID == "" {
		s.logID = uuid.NewString()[:8]
	}
	for _, p := range s.providers {
		if _, found := s.byType[p.Type()]; found {
			return nil, status.Errorf(status.InvalidArgument, "session %s: provider %q given more than once", s.logID, p.Type())
		}
		s.byType[p.Type()] = p
	}
	if _, found := s.byType[cpu.Type]; !found {
		p, err := cpu.New(allocs, "")
		if err != nil {
			return nil, errors.WithMessagef(err, "session %s: creating the default CPU provider", s.logID)
		}
		s.providers = append(s.providers, p)
		s.byType[cpu.Type] = p
	}
	if opts.IntraOpThreads > 1 {
		s.intraOp = workerspool.New(opts.IntraOpThreads)
	}
	if opts.MaxConcurrentRuns > 0 {
		s.sem = semaphore.NewWeighted(int64(opts.MaxConcurrentRuns))
	}
	klog.V(1).Infof("session %s: created with providers %v, %d inter-op and %d intra-op threads",
		s.logID, s.ProviderTypes(), opts.InterOpThreads, opts.IntraOpThreads)
	return s, nil
}

// NewFromRegistry creates the providers named in opts.Providers with registry, concurrently, and then
// the session with them.
func NewFromRegistry(opts Options, registry *providers.Registry, allocs *allocators.Registry) (*Session, error) {
	names := opts.Providers
	if len(names) == 0 {
		names = DefaultOptions().Providers
	}
	created := make([]providers.Provider, len(names))
	var group errgroup.Group
	for ii, name := range names {
		group.Go(func() error {
			p, err := registry.Create(name, "")
			if err != nil {
				return err
			}
			created[ii] = p
			return nil
		})
	}
	closeAll := func() {
		for _, p := range created {
			if p != nil {
				_ = p.Close()
			}
		}
	}
	if err := group.Wait(); err != nil {
		closeAll()
		return nil, errors.WithMessagef(err, "creating session providers %q", names)
	}
	s, err := New(opts, created, allocs)
	if err != nil {
		closeAll()
		return nil, err
	}
	return s, nil
}

// ProviderTypes returns the types of the providers, in preference order.
func (s *Session) ProviderTypes() []string {
	types := make([]string, len(s.providers))
	for ii, p := range s.providers {
		types[ii] = p.Type()
	}
	return types
}

// Options of the session.
func (s *Session) Options() Options { return s.opts }

// LogID returns the id used in the log lines of the session.
func (s *Session) LogID() string { return s.logID }

// fail makes the session unusable, and returns err.
//
// It must be called with s.mu locked.
func (s *Session) fail(err error) error {
	s.phase = failed
	s.failure = err
	klog.V(1).Infof("session %s: failed: %v", s.logID, err)
	return err
}

// Load the YAML graph description from r.
func (s *Session) Load(r io.Reader) error {
	return s.load(func() (*graph.Graph, error) { return graphio.Load(r) })
}

// LoadFile loads the YAML graph description in path.
func (s *Session) LoadFile(path string) error {
	return s.load(func() (*graph.Graph, error) { return graphio.LoadFile(path) })
}

// LoadGraph loads a graph built programmatically. The session takes ownership of g: it is transformed
// by Initialize.
func (s *Session) LoadGraph(g *graph.Graph) error {
	return s.load(func() (*graph.Graph, error) {
		if err := g.Validate(); err != nil {
			return nil, status.Wrapf(err, status.Load, "invalid graph")
		}
		return g, nil
	})
}

func (s *Session) load(loadFn func() (*graph.Graph, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != unloaded {
		return status.Errorf(status.Internal, "session %s: Load called on a %s session", s.logID, s.phase)
	}
	g, err := loadFn()
	if err != nil {
		return s.fail(status.Wrapf(err, status.CodeOr(err, status.Load), "session %s: loading graph", s.logID))
	}
	s.graph = g
	s.phase = loaded
	klog.V(1).Infof("session %s: loaded graph %q with %d nodes", s.logID, g.Name(), g.NumNodes())
	return nil
}

// Initialize transforms the loaded graph, creates the kernels of its nodes and plans its memory.
//
// The steps are:
//
//  1. The provider transformers, in preference order.
//  2. Placement: nodes without a provider are assigned to the first provider with a kernel for them.
//  3. The device-boundary transformer of each non-host provider, inserting the copy nodes.
//  4. Kernel creation: a node without kernel fails with status.KernelNotFound.
//  5. Allocation planning, and the materialization of the initializers where they are read.
//
// Any failure is terminal for the session.
func (s *Session) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case loaded:
	case failed:
		return errors.WithMessagef(s.failure, "session %s previously failed", s.logID)
	default:
		return status.Errorf(status.Internal, "session %s: Initialize called on a %s session", s.logID, s.phase)
	}
	start := time.Now()
	st, err := s.initialize(s.graph)
	if err != nil {
		return s.fail(errors.WithMessagef(err, "session %s: initializing graph %q", s.logID, s.graph.Name()))
	}
	s.graph.Freeze()
	s.state.Store(st)
	s.phase = initialized
	klog.V(1).Infof("session %s: initialized graph %q in %s: %d nodes, %d values, %d buffer reuses",
		s.logID, s.graph.Name(), time.Since(start), len(st.exec.Kernels), st.exec.Plan.Values.Len(),
		len(st.exec.Plan.ReusePairs()))
	return nil
}

func (s *Session) initialize(g *graph.Graph) (*sessionState, error) {
	err := exceptions.TryCatch[error](func() {
		for _, p := range s.providers {
			if t := p.Transformer(); t != nil {
				if _, err := t.Apply(g); err != nil {
					panic(errors.WithMessagef(err, "transformer %s of provider %s", t.Name(), p.Type()))
				}
			}
		}
		s.place(g)
		for _, p := range s.providers {
			if transform.IsHostProvider(p.Type()) {
				continue
			}
			if _, err := transform.NewMemcpy(p.Type(), p.KernelRegistry()).Apply(g); err != nil {
				panic(err)
			}
		}
	})
	if err != nil {
		return nil, status.Wrapf(err, status.CodeOr(err, status.Internal), "transforming graph")
	}
	if err = g.Validate(); err != nil {
		return nil, status.Wrapf(err, status.Internal, "transformed graph is invalid")
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	st := &sessionState{
		allocators: make(map[memory.Location]memory.Allocator),
		patterns:   planner.NewPatternCache(),
	}
	if err = st.collectAllocators(s.providers); err != nil {
		return nil, err
	}
	st.exec = &executor.State{Graph: g, Kernels: make([]kernels.Kernel, len(order))}
	defs := make(map[int]*kernels.KernelDef, len(order))
	for step, node := range order {
		p, found := s.byType[node.Provider]
		if !found {
			return nil, status.Errorf(status.KernelNotFound, "node %q (%s) is assigned to provider %q, not in the session %v",
				node.Name, node.OpType, node.Provider, s.ProviderTypes())
		}
		allocator, err := p.Allocator(memory.Default)
		if err != nil {
			return nil, err
		}
		st.exec.Kernels[step], defs[node.Index], err = p.KernelRegistry().Create(node, p.Type(), allocator)
		if err != nil {
			return nil, err
		}
	}

	locations := newLocator(g, order, s.byType, defs)
	st.exec.Plan, err = planner.Build(g, order, locations.of)
	if err != nil {
		return nil, err
	}
	if locations.err != nil {
		return nil, locations.err
	}
	if err = st.materializeInitializers(g); err != nil {
		return nil, multierr.Append(err, st.free())
	}
	return st, nil
}

// place assigns the nodes without provider to the first provider, in preference order, with a kernel
// for their op type. Nodes no provider can run are left to the CPU provider, failing at kernel creation.
func (s *Session) place(g *graph.Graph) {
	for _, node := range g.Nodes() {
		if node.Provider != "" {
			continue
		}
		node.Provider = cpu.Type
		for _, p := range s.providers {
			if p.KernelRegistry().Has(node.OpType, p.Type()) {
				node.Provider = p.Type()
				break
			}
		}
		klog.V(2).Infof("session %s: node %q (%s) placed on %s", s.logID, node.Name, node.OpType, node.Provider)
	}
}

// locator computes the location of each value from the kernel declarations of its producer,
// or of its readers for graph inputs and initializers.
type locator struct {
	g      *graph.Graph
	byType map[string]providers.Provider
	defs   map[int]*kernels.KernelDef
	err    error

	// Indexed once: the producer slot and the consumer slots of each value.
	producers map[*graph.ValueDef]nodeSlot
	consumers map[*graph.ValueDef][]nodeSlot
}

// nodeSlot is an input or output slot of a node.
type nodeSlot struct {
	node *graph.Node
	slot int
}

// newLocator indexes the producers and consumers of the values of the nodes, given in execution order.
func newLocator(g *graph.Graph, order []*graph.Node, byType map[string]providers.Provider, defs map[int]*kernels.KernelDef) *locator {
	l := &locator{
		g:         g,
		byType:    byType,
		defs:      defs,
		producers: make(map[*graph.ValueDef]nodeSlot),
		consumers: make(map[*graph.ValueDef][]nodeSlot),
	}
	for _, node := range order {
		for slot, def := range node.Outputs {
			if def.Exists {
				l.producers[def] = nodeSlot{node, slot}
			}
		}
		for slot, def := range node.Inputs {
			if def.Exists {
				l.consumers[def] = append(l.consumers[def], nodeSlot{node, slot})
			}
		}
	}
	return l
}

func (l *locator) allocatorLocation(providerType string, memType memory.MemType) memory.Location {
	a, err := l.byType[providerType].Allocator(memType)
	if err != nil {
		l.err = multierr.Append(l.err, err)
		return memory.HostLocation
	}
	return a.Location()
}

func (l *locator) of(def *graph.ValueDef) memory.Location {
	if producer, found := l.producers[def]; found {
		return l.allocatorLocation(producer.node.Provider, l.defs[producer.node.Index].OutputMemoryType(producer.slot))
	}
	if !l.g.IsInitializer(def.Name) {
		// Feeds are always given in host memory.
		return memory.HostLocation
	}
	for _, consumer := range l.consumers[def] {
		if transform.IsHostProvider(consumer.node.Provider) {
			continue
		}
		if !l.defs[consumer.node.Index].InputMemoryType(consumer.slot).IsHost() {
			return l.allocatorLocation(consumer.node.Provider, memory.Default)
		}
	}
	return memory.HostLocation
}

// sessionState is the immutable state shared by all runs. It implements frame.Source.
type sessionState struct {
	exec       *executor.State
	allocators map[memory.Location]memory.Allocator

	// initializers indexed by value index, and the ones copied to device memory, owned by the session.
	initializers []*values.Value
	owned        []*values.Value

	patterns *planner.PatternCache
}

var _ frame.Source = (*sessionState)(nil)

// Plan implements frame.Source.
func (st *sessionState) Plan() *planner.Plan { return st.exec.Plan }

// Allocator implements frame.Source.
func (st *sessionState) Allocator(location memory.Location) (memory.Allocator, error) {
	a, found := st.allocators[location]
	if !found {
		return nil, status.Errorf(status.Internal, "no allocator for location %s", location)
	}
	return a, nil
}

// Initializer implements frame.Source.
func (st *sessionState) Initializer(valueIdx int) *values.Value { return st.initializers[valueIdx] }

func (st *sessionState) collectAllocators(provs []providers.Provider) error {
	for _, p := range provs {
		for _, memType := range []memory.MemType{memory.Default, memory.CPUInput, memory.CPUOutput} {
			a, err := p.Allocator(memType)
			if err != nil {
				return errors.WithMessagef(err, "provider %s", p.Type())
			}
			if _, found := st.allocators[a.Location()]; !found {
				st.allocators[a.Location()] = a
			}
		}
	}
	return nil
}

// materializeInitializers copies the initializers planned outside host memory to their location.
func (st *sessionState) materializeInitializers(g *graph.Graph) error {
	plan := st.exec.Plan
	st.initializers = make([]*values.Value, plan.Values.Len())
	for idx, entry := range plan.Entries {
		if entry.Kind != planner.Initializer {
			continue
		}
		name := plan.Values.Name(idx)
		v, _ := g.Initializer(name)
		if v.Location() == entry.Location {
			st.initializers[idx] = v
			continue
		}
		allocator, err := st.Allocator(entry.Location)
		if err != nil {
			return err
		}
		buf, err := allocator.Alloc(len(v.Bytes()))
		if err != nil {
			return errors.WithMessagef(err, "materializing initializer %q in %s", name, entry.Location)
		}
		copy(buf.Bytes(), v.Bytes())
		materialized, err := values.NewTensor(v.Shape(), buf)
		if err != nil {
			return multierr.Append(err, allocator.Free(buf))
		}
		st.initializers[idx] = materialized
		st.owned = append(st.owned, materialized)
		klog.V(2).Infof("initializer %q materialized in %s", name, entry.Location)
	}
	return nil
}

// free releases the initializers copied by the session.
func (st *sessionState) free() error {
	var err error
	for _, v := range st.owned {
		err = multierr.Append(err, v.Buffer().Allocator().Free(v.Buffer()))
	}
	st.owned = nil
	return err
}

// bindFeeds validates the feeds and indexes them by value index. It also returns the signature of
// their shapes, in graph input order.
func (st *sessionState) bindFeeds(feeds map[string]*values.Value) (map[int]*values.Value, string, error) {
	g, plan := st.exec.Graph, st.exec.Plan
	bound := make(map[int]*values.Value, len(feeds))
	for name, v := range feeds {
		def := g.Def(name)
		if def == nil || !g.IsInput(def) {
			return nil, "", status.Errorf(status.InvalidArgument, "%q is not an input of graph %q", name, g.Name())
		}
		if !v.IsSet() {
			return nil, "", status.Errorf(status.InvalidArgument, "input %q is not set", name)
		}
		if def.Shape.Ok() && !def.Shape.Equal(v.Shape()) {
			return nil, "", status.Errorf(status.InvalidArgument, "input %q has shape %s, graph expects %s",
				name, v.Shape(), def.Shape)
		}
		if !v.Location().IsHost() {
			return nil, "", status.Errorf(status.InvalidArgument, "input %q is in %s, inputs must be in host memory",
				name, v.Location())
		}
		bound[plan.Values.Index(name)] = v
	}
	feedShapes := make([]shapes.Shape, len(g.Inputs()))
	for ii, def := range g.Inputs() {
		v, found := feeds[def.Name]
		if !found {
			return nil, "", status.Errorf(status.InvalidArgument, "missing input %q", def.Name)
		}
		feedShapes[ii] = v.Shape()
	}
	return bound, planner.ShapesSignature(feedShapes), nil
}

// bindOutputs returns the names and value indices of the requested outputs: all graph outputs if
// none is requested.
func (st *sessionState) bindOutputs(outputNames []string) ([]string, []int, error) {
	g, plan := st.exec.Graph, st.exec.Plan
	if len(outputNames) == 0 {
		for _, def := range g.Outputs() {
			outputNames = append(outputNames, def.Name)
		}
	}
	indices := make([]int, len(outputNames))
	for ii, name := range outputNames {
		def := g.Def(name)
		if def == nil || !g.IsOutput(def) {
			return nil, nil, status.Errorf(status.InvalidArgument, "%q is not an output of graph %q", name, g.Name())
		}
		indices[ii] = plan.Values.Index(name)
	}
	return outputNames, indices, nil
}

// Stats of the runs of a session.
type Stats struct {
	Runs, Failures, Timeouts int64

	// PatternHits counts the runs whose memory was reserved from recorded memory patterns.
	PatternHits int64

	// PatternsRecorded counts the memory patterns recorded, one per distinct input shapes.
	PatternsRecorded int64
}

// String implements fmt.Stringer.
func (st Stats) String() string {
	return fmt.Sprintf("%d runs, %d failures, %d timeouts, %d memory pattern hits, %d patterns recorded",
		st.Runs, st.Failures, st.Timeouts, st.PatternHits, st.PatternsRecorded)
}

// Stats returns a snapshot of the session statistics.
func (s *Session) Stats() Stats {
	return Stats{
		Runs:             s.runs.Load(),
		Failures:         s.failures.Load(),
		Timeouts:         s.timeouts.Load(),
		PatternHits:      s.patternHits.Load(),
		PatternsRecorded: s.patternsRecorded.Load(),
	}
}

// NumActiveRuns returns the number of Run calls in progress.
func (s *Session) NumActiveRuns() int { return int(s.numActiveRuns.Load()) }

// Graph returns the session graph: frozen after Initialize. It is nil before Load.
func (s *Session) Graph() *graph.Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph
}

// Plan returns the allocation plan, or nil if the session is not initialized.
func (s *Session) Plan() *planner.Plan {
	if st := s.state.Load(); st != nil {
		return st.exec.Plan
	}
	return nil
}

// Close waits for the executions still running in the background, and releases the session resources.
// It must not be called concurrently with Run.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == closed {
		return nil
	}
	s.phase = closed
	st := s.state.Swap(nil)
	s.background.Wait()
	var err error
	if st != nil {
		err = st.free()
	}
	for _, p := range s.providers {
		err = multierr.Append(err, errors.WithMessagef(p.Close(), "closing provider %s", p.Type()))
	}
	klog.V(1).Infof("session %s: closed, %s", s.logID, s.Stats())
	return err
}
