// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gomlx/graphexec/pkg/core/shapes"
	"github.com/gomlx/graphexec/pkg/core/status"
	"github.com/gomlx/graphexec/pkg/core/values"
	"github.com/gomlx/graphexec/pkg/graph"
	"github.com/gomlx/graphexec/pkg/memory"
	"github.com/gomlx/graphexec/pkg/memory/allocators"
	"github.com/gomlx/graphexec/pkg/providers"
	"github.com/gomlx/graphexec/pkg/providers/accel"
	"github.com/gomlx/graphexec/pkg/providers/cpu"
	"github.com/gomlx/graphexec/pkg/providers/defaults"
)

var f32x3 = shapes.Make(dtypes.Float32, 3)

// newSession creates a session with one accelerator provider per config, followed by the CPU provider.
// The session and the allocators are closed, and checked for leaks, at the end of the test.
func newSession(t *testing.T, opts Options, accelConfigs ...string) *Session {
	allocs := allocators.NewDefaultRegistry(0)
	var provs []providers.Provider
	for _, config := range accelConfigs {
		provs = append(provs, must.M1(accel.New(allocs, config)))
	}
	s, err := New(opts, provs, allocs)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
		require.NoError(t, allocs.Close())
	})
	return s
}

func f32(flat ...float32) *values.Value {
	return must.M1(values.FromFlat(flat, len(flat)))
}

func toFlat(t *testing.T, v *values.Value) []float32 {
	require.NotNil(t, v)
	return must.M1(values.ToFlat[float32](v))
}

// buildAddRelu builds out = Relu(x + y), with the nodes assigned to provider.
func buildAddRelu(provider string) *graph.Graph {
	g := graph.New("add_relu")
	g.AddInput("x", f32x3)
	g.AddInput("y", f32x3)
	g.AddNode("add", "Add", "", []string{"x", "y"}, []string{"sum"}).Provider = provider
	g.AddNode("relu", "Relu", "", []string{"sum"}, []string{"out"}).Provider = provider
	g.SetOutputs("out")
	return g
}

func countOps(g *graph.Graph, opType string) int {
	var count int
	for _, node := range g.Nodes() {
		if node.OpType == opType {
			count++
		}
	}
	return count
}

func TestAddRelu(t *testing.T) {
	opts := DefaultOptions()
	opts.IntraOpThreads = 2
	s := newSession(t, opts, "")
	require.NoError(t, s.LoadGraph(buildAddRelu(accel.Type)))
	require.NoError(t, s.Initialize())

	g := s.Graph()
	assert.True(t, g.Frozen())
	assert.Equal(t, 2, countOps(g, "MemcpyFromHost"))
	assert.Equal(t, 1, countOps(g, "MemcpyToHost"))
	assert.Equal(t, 5, g.NumNodes())

	for _, sequential := range []bool{false, true} {
		t.Run(fmt.Sprintf("sequential=%v", sequential), func(t *testing.T) {
			outputs, err := s.Run(context.Background(), &RunOptions{Tag: "add_relu", Sequential: sequential},
				map[string]*values.Value{"x": f32(1, 2, 3), "y": f32(1, 1, 1)}, nil)
			require.NoError(t, err)
			require.Len(t, outputs, 1)
			assert.Equal(t, []float32{2, 3, 4}, toFlat(t, outputs["out"]))
			assert.True(t, outputs["out"].Location().IsHost())

			outputs, err = s.Run(context.Background(), nil,
				map[string]*values.Value{"x": f32(1, -5, 3), "y": f32(1, 1, -4)}, []string{"out"})
			require.NoError(t, err)
			assert.Equal(t, []float32{2, 0, 0}, toFlat(t, outputs["out"]))
		})
	}
	assert.Equal(t, 0, s.NumActiveRuns())
	assert.Equal(t, int64(4), s.Stats().Runs)
}

func TestHostForcedInput(t *testing.T) {
	s := newSession(t, DefaultOptions(), "hostInputs=Add:1")
	require.NoError(t, s.LoadGraph(buildAddRelu(accel.Type)))
	require.NoError(t, s.Initialize())

	// y is read by Add from host memory: only x is copied in.
	g := s.Graph()
	assert.Equal(t, 1, countOps(g, "MemcpyFromHost"))
	assert.Equal(t, 1, countOps(g, "MemcpyToHost"))
	assert.Equal(t, 4, g.NumNodes())
	add := g.NodeByName("add")
	assert.Equal(t, "y", add.Inputs[1].Name)
	assert.NotEqual(t, "x", add.Inputs[0].Name)

	outputs, err := s.Run(context.Background(), nil, map[string]*values.Value{"x": f32(1, 2, 3), "y": f32(1, 1, 1)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 3, 4}, toFlat(t, outputs["out"]))
}

func TestValueLocations(t *testing.T) {
	s := newSession(t, DefaultOptions(), "hostInputs=Mul:1")
	g := graph.New("locations")
	g.AddInput("x", f32x3)
	g.AddInput("y", f32x3)
	g.AddInitializer("scale", f32(2, 2, 2))
	g.AddNode("add", "Add", "", []string{"x", "y"}, []string{"sum"}).Provider = accel.Type
	g.AddNode("mul", "Mul", "", []string{"sum", "scale"}, []string{"prod"}).Provider = accel.Type
	g.AddNode("relu", "Relu", "", []string{"prod"}, []string{"out"}).Provider = cpu.Type
	g.SetOutputs("out")
	require.NoError(t, s.LoadGraph(g))
	require.NoError(t, s.Initialize())

	plan := s.Plan()
	location := func(name string) memory.Location {
		idx := plan.Values.Index(name)
		require.GreaterOrEqual(t, idx, 0, "value %q", name)
		return plan.Entries[idx].Location
	}
	add := g.NodeByName("add")
	assert.Equal(t, memory.HostLocation, location("x"))
	assert.Equal(t, memory.HostLocation, location("y"))
	assert.Equal(t, memory.Accelerator, location(add.Inputs[0].Name).Kind)
	assert.Equal(t, memory.Accelerator, location("sum").Kind)
	// Read from host memory by Mul: not copied to the device.
	assert.Equal(t, memory.HostLocation, location("scale"))
	assert.True(t, location("out").IsHost())

	outputs, err := s.Run(context.Background(), nil, map[string]*values.Value{"x": f32(1, -2, 3), "y": f32(1, 1, 1)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 0, 8}, toFlat(t, outputs["out"]))
}

func TestPlacement(t *testing.T) {
	// The accelerator can't run Relu: it falls back to the CPU.
	s := newSession(t, DefaultOptions(), "ops=Add")
	require.NoError(t, s.LoadGraph(buildAddRelu("")))
	require.NoError(t, s.Initialize())
	g := s.Graph()
	assert.Equal(t, accel.Type, g.NodeByName("add").Provider)
	assert.Equal(t, cpu.Type, g.NodeByName("relu").Provider)
	assert.Equal(t, 2, countOps(g, "MemcpyFromHost"))
	assert.Equal(t, 1, countOps(g, "MemcpyToHost"))

	outputs, err := s.Run(context.Background(), nil, map[string]*values.Value{"x": f32(1, 2, 3), "y": f32(-2, 1, 1)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 3, 4}, toFlat(t, outputs["out"]))
}

func TestInitializers(t *testing.T) {
	s := newSession(t, DefaultOptions(), "ops=Add|Relu")
	g := graph.New("initializers")
	g.AddInput("x", f32x3)
	g.AddInitializer("w", f32(10, 20, 30))
	g.AddNode("add", "Add", "", []string{"x", "w"}, []string{"s"})
	g.AddNode("mul", "Mul", "", []string{"x", "w"}, []string{"m"})
	g.SetOutputs("s", "m")
	require.NoError(t, s.LoadGraph(g))
	require.NoError(t, s.Initialize())

	// The accelerator reads its own copy of w, materialized in device memory.
	assert.Len(t, g.Initializers(), 2)
	add := g.NodeByName("add")
	require.NotEqual(t, "w", add.Inputs[1].Name)
	plan := s.Plan()
	assert.Equal(t, memory.Accelerator, plan.Entries[plan.Values.Index(add.Inputs[1].Name)].Location.Kind)
	assert.Equal(t, memory.HostLocation, plan.Entries[plan.Values.Index("w")].Location)

	outputs, err := s.Run(context.Background(), nil, map[string]*values.Value{"x": f32(1, 2, 3)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 22, 33}, toFlat(t, outputs["s"]))
	assert.Equal(t, []float32{10, 40, 90}, toFlat(t, outputs["m"]))
}

func TestConcurrentRuns(t *testing.T) {
	opts := DefaultOptions()
	opts.InterOpThreads = 4
	opts.IntraOpThreads = 2
	opts.MaxConcurrentRuns = 6
	s := newSession(t, opts, "")
	require.NoError(t, s.LoadGraph(buildAddRelu(accel.Type)))
	require.NoError(t, s.Initialize())

	const numRuns = 32
	var group errgroup.Group
	for ii := range numRuns {
		group.Go(func() error {
			base := float32(ii)
			outputs, err := s.Run(context.Background(), &RunOptions{Tag: fmt.Sprintf("run-%d", ii)},
				map[string]*values.Value{"x": f32(base, -base, 2*base), "y": f32(1, 1, 1)}, nil)
			if err != nil {
				return err
			}
			got := must.M1(values.ToFlat[float32](outputs["out"]))
			want := []float32{base + 1, max(1-base, 0), 2*base + 1}
			if !assert.Equal(t, want, got, "run %d", ii) {
				return fmt.Errorf("run %d: wrong result", ii)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	assert.Equal(t, 0, s.NumActiveRuns())
	assert.Equal(t, int64(numRuns), s.Stats().Runs)
	assert.Zero(t, s.Stats().Failures)
}

func buildSleep(millis int64) *graph.Graph {
	g := graph.New("sleep")
	g.AddInput("x", f32x3)
	g.AddNode("sleep", "Sleep", "", []string{"x"}, []string{"out"}).Attributes = map[string]any{"millis": millis}
	g.SetOutputs("out")
	return g
}

func TestTimeout(t *testing.T) {
	s := newSession(t, DefaultOptions())
	require.NoError(t, s.LoadGraph(buildSleep(100)))
	require.NoError(t, s.Initialize())
	feeds := map[string]*values.Value{"x": f32(1, 2, 3)}

	start := time.Now()
	_, err := s.Run(context.Background(), &RunOptions{TimeoutMs: 1}, feeds, nil)
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.True(t, status.Is(err, status.Timeout), "got %v", err)
	assert.Less(t, elapsed, 50*time.Millisecond)
	assert.Equal(t, int64(1), s.Stats().Timeouts)

	// The session is still usable.
	outputs, err := s.Run(context.Background(), nil, feeds, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, toFlat(t, outputs["out"]))
	assert.Equal(t, 0, s.NumActiveRuns())
}

func TestTimeoutKind(t *testing.T) {
	// Few workers make it likely that the execution sees the deadline before Run does.
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(2))
	s := newSession(t, DefaultOptions())
	require.NoError(t, s.LoadGraph(buildSleep(100)))
	require.NoError(t, s.Initialize())
	feeds := map[string]*values.Value{"x": f32(1, 2, 3)}

	numRuns := 2000
	if testing.Short() {
		numRuns = 100
	}
	codes := make(map[status.Code]int)
	for range numRuns {
		_, err := s.Run(context.Background(), &RunOptions{TimeoutMs: 1}, feeds, nil)
		codes[status.CodeOf(err)]++
	}
	assert.Equal(t, map[status.Code]int{status.Timeout: numRuns}, codes)
	assert.Equal(t, int64(numRuns), s.Stats().Timeouts)
	assert.Zero(t, s.Stats().Failures)
}

func TestCancelledContext(t *testing.T) {
	s := newSession(t, DefaultOptions())
	require.NoError(t, s.LoadGraph(buildSleep(100)))
	require.NoError(t, s.Initialize())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := s.Run(ctx, nil, map[string]*values.Value{"x": f32(1, 2, 3)}, nil)
	require.Error(t, err)
	assert.True(t, status.Is(err, status.Runtime), "got %v", err)
}

func TestNotInitialized(t *testing.T) {
	s := newSession(t, DefaultOptions())
	feeds := map[string]*values.Value{"x": f32(1, 2, 3), "y": f32(1, 1, 1)}
	_, err := s.Run(context.Background(), nil, feeds, nil)
	assert.True(t, status.Is(err, status.NotInitialized), "got %v", err)
	assert.True(t, status.Is(s.Initialize(), status.Internal))

	require.NoError(t, s.LoadGraph(buildAddRelu("")))
	_, err = s.Run(context.Background(), nil, feeds, nil)
	assert.True(t, status.Is(err, status.NotInitialized), "got %v", err)
	assert.True(t, status.Is(s.LoadGraph(buildAddRelu("")), status.Internal), "graph loaded twice")

	require.NoError(t, s.Initialize())
	assert.True(t, status.Is(s.Initialize(), status.Internal), "initialized twice")
	_, err = s.Run(context.Background(), nil, feeds, nil)
	require.NoError(t, err)
}

func TestKernelNotFound(t *testing.T) {
	s := newSession(t, DefaultOptions())
	g := graph.New("softmax")
	g.AddInput("x", f32x3)
	g.AddNode("softmax", "Softmax", "", []string{"x"}, []string{"out"})
	g.SetOutputs("out")
	require.NoError(t, s.LoadGraph(g))
	err := s.Initialize()
	require.Error(t, err)
	assert.True(t, status.Is(err, status.KernelNotFound), "got %v", err)
	assert.Contains(t, err.Error(), "Softmax")

	// Failures are terminal.
	err = s.Initialize()
	assert.True(t, status.Is(err, status.KernelNotFound), "got %v", err)
	_, err = s.Run(context.Background(), nil, map[string]*values.Value{"x": f32(1, 2, 3)}, nil)
	assert.True(t, status.Is(err, status.NotInitialized), "got %v", err)
}

func TestInvalidAttribute(t *testing.T) {
	s := newSession(t, DefaultOptions())
	g := graph.New("nms")
	g.AddInput("boxes", shapes.Make(dtypes.Float32, 2, 4))
	g.AddInput("scores", shapes.Make(dtypes.Float32, 2))
	g.AddNode("nms", "NonMaxSuppression", "", []string{"boxes", "scores"}, []string{"selected"}).Attributes =
		map[string]any{"max_output_size": int64(2), "iou_threshold": 1.5, "score_threshold": 0.0}
	g.SetOutputs("selected")
	require.NoError(t, s.LoadGraph(g))
	err := s.Initialize()
	require.Error(t, err)
	assert.True(t, status.Is(err, status.InvalidAttribute), "got %v", err)
	assert.Contains(t, err.Error(), "iou_threshold")
	assert.Contains(t, err.Error(), `"nms"`)
}

func TestCrossAccelerator(t *testing.T) {
	s := newSession(t, DefaultOptions(), "type=AccelA", "type=AccelB,device=1")
	g := buildAddRelu("AccelA")
	g.NodeByName("relu").Provider = "AccelB"
	require.NoError(t, s.LoadGraph(g))
	err := s.Initialize()
	require.Error(t, err)
	assert.True(t, status.Is(err, status.InvalidArgument), "got %v", err)
}

func TestFeedValidation(t *testing.T) {
	s := newSession(t, DefaultOptions())
	require.NoError(t, s.LoadGraph(buildAddRelu("")))
	require.NoError(t, s.Initialize())
	testCases := []struct {
		name    string
		feeds   map[string]*values.Value
		outputs []string
	}{
		{"unknown input", map[string]*values.Value{"x": f32(1, 2, 3), "y": f32(1, 1, 1), "z": f32(1)}, nil},
		{"missing input", map[string]*values.Value{"x": f32(1, 2, 3)}, nil},
		{"wrong shape", map[string]*values.Value{"x": f32(1, 2), "y": f32(1, 1, 1)}, nil},
		{"unset input", map[string]*values.Value{"x": f32(1, 2, 3), "y": values.Unset()}, nil},
		{"intermediate output", map[string]*values.Value{"x": f32(1, 2, 3), "y": f32(1, 1, 1)}, []string{"sum"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Run(context.Background(), nil, tc.feeds, tc.outputs)
			require.Error(t, err)
			assert.True(t, status.Is(err, status.InvalidArgument), "got %v", err)
		})
	}
	assert.Equal(t, 0, s.NumActiveRuns())
}

func TestMemoryPatterns(t *testing.T) {
	s := newSession(t, DefaultOptions())
	g := graph.New("chain")
	g.AddInput("x", shapes.Invalid())
	names := []string{"x", "a", "b", "c", "out"}
	for ii := 1; ii < len(names); ii++ {
		g.AddNode("", "Relu", "", []string{names[ii-1]}, []string{names[ii]})
	}
	g.SetOutputs("out")
	require.NoError(t, s.LoadGraph(g))
	require.NoError(t, s.Initialize())

	run := func(flat ...float32) {
		outputs, err := s.Run(context.Background(), nil, map[string]*values.Value{"x": f32(flat...)}, nil)
		require.NoError(t, err)
		want := make([]float32, len(flat))
		for ii, v := range flat {
			want[ii] = max(v, 0)
		}
		assert.Equal(t, want, toFlat(t, outputs["out"]))
	}
	run(1, -2, 3, -4)
	assert.Equal(t, int64(1), s.Stats().PatternsRecorded)
	assert.Zero(t, s.Stats().PatternHits)
	run(-1, 2, -3, 4)
	run(5, 6, 7, 8)
	assert.Equal(t, int64(2), s.Stats().PatternHits)

	// New input shapes record new patterns.
	run(1, 2, 3, 4, 5, 6, 7, 8)
	assert.Equal(t, int64(2), s.Stats().PatternsRecorded)
	run(-1, -2, -3, -4, -5, -6, -7, -8)
	assert.Equal(t, int64(3), s.Stats().PatternHits)
}

// buildBranches builds out = Sleep(x+x) + Sleep(x*x): the two branches are independent, so the
// parallel executor runs them at the same time.
func buildBranches(millis int64) *graph.Graph {
	g := graph.New("branches")
	g.AddInput("x", f32x3)
	g.AddNode("a", "Add", "", []string{"x", "x"}, []string{"a"})
	g.AddNode("c", "Sleep", "", []string{"a"}, []string{"c"}).Attributes = map[string]any{"millis": millis}
	g.AddNode("b", "Mul", "", []string{"x", "x"}, []string{"b"})
	g.AddNode("d", "Sleep", "", []string{"b"}, []string{"d"}).Attributes = map[string]any{"millis": millis}
	g.AddNode("out", "Add", "", []string{"c", "d"}, []string{"out"})
	g.SetOutputs("out")
	return g
}

func branchesResult(x []float32) []float32 {
	want := make([]float32, len(x))
	for ii, v := range x {
		want[ii] = 2*v + v*v
	}
	return want
}

func TestMemoryPatternsParallelRuns(t *testing.T) {
	opts := DefaultOptions()
	opts.IntraOpThreads = 4
	s := newSession(t, opts)
	require.NoError(t, s.LoadGraph(buildBranches(20)))
	require.NoError(t, s.Initialize())

	run := func(sequential bool, x ...float32) {
		outputs, err := s.Run(context.Background(), &RunOptions{Sequential: sequential},
			map[string]*values.Value{"x": f32(x...)}, nil)
		require.NoError(t, err)
		assert.Equal(t, branchesResult(x), toFlat(t, outputs["out"]), "sequential=%v", sequential)
	}

	// Recorded by a sequential run.
	run(true, 3, 1, 2)
	assert.Equal(t, int64(1), s.Stats().PatternsRecorded)

	// Parallel runs don't follow the recorded order of allocations: they neither use nor record patterns.
	for range 5 {
		run(false, 3, 1, 2)
	}
	assert.Zero(t, s.Stats().PatternHits)
	assert.Equal(t, int64(1), s.Stats().PatternsRecorded)

	run(true, -1, 4, 5)
	assert.Equal(t, int64(1), s.Stats().PatternHits)
}

func TestMemoryPatternsConcurrentRuns(t *testing.T) {
	opts := DefaultOptions()
	opts.InterOpThreads = 4
	opts.IntraOpThreads = 4
	s := newSession(t, opts)
	require.NoError(t, s.LoadGraph(buildBranches(1)))
	require.NoError(t, s.Initialize())

	const numRuns = 32
	var group errgroup.Group
	for ii := range numRuns {
		group.Go(func() error {
			x := []float32{float32(ii), float32(-ii), 1}
			outputs, err := s.Run(context.Background(), &RunOptions{Sequential: ii%2 == 0},
				map[string]*values.Value{"x": f32(x...)}, nil)
			if err != nil {
				return err
			}
			if !assert.Equal(t, branchesResult(x), must.M1(values.ToFlat[float32](outputs["out"])), "run %d", ii) {
				return fmt.Errorf("run %d: wrong result", ii)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	stats := s.Stats()
	assert.GreaterOrEqual(t, stats.PatternsRecorded, int64(1))
	assert.LessOrEqual(t, stats.PatternHits, int64(numRuns/2-1))
	assert.Zero(t, stats.Failures)
	assert.Equal(t, 0, s.NumActiveRuns())
}

const addReluYAML = `
name: add_relu
inputs:
  - {name: x, dtype: float32, shape: [3]}
  - {name: y, dtype: float32, shape: [3]}
outputs: [out]
nodes:
  - {name: add, op: Add, inputs: [x, y], outputs: [sum]}
  - {name: relu, op: Relu, inputs: [sum], outputs: [out]}
`

func TestLoad(t *testing.T) {
	s := newSession(t, DefaultOptions(), "")
	require.NoError(t, s.Load(strings.NewReader(addReluYAML)))
	require.NoError(t, s.Initialize())
	assert.Equal(t, accel.Type, s.Graph().NodeByName("relu").Provider)
	outputs, err := s.Run(context.Background(), nil, map[string]*values.Value{"x": f32(1, 2, 3), "y": f32(1, 1, 1)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 3, 4}, toFlat(t, outputs["out"]))

	s = newSession(t, DefaultOptions())
	err = s.Load(strings.NewReader("name: ["))
	require.Error(t, err)
	assert.True(t, status.Is(err, status.Load), "got %v", err)
	assert.True(t, status.Is(s.Initialize(), status.Load))

	s = newSession(t, DefaultOptions())
	err = s.LoadFile("/nonexistent/graph.yaml")
	assert.True(t, status.Is(err, status.Load), "got %v", err)
}

func TestNewFromRegistry(t *testing.T) {
	allocs := allocators.NewDefaultRegistry(0)
	defer func() { require.NoError(t, allocs.Close()) }()
	registry := defaults.NewRegistry(allocs)

	opts := DefaultOptions()
	opts.Providers = []string{"accel:hostInputs=Add:1", defaults.CPU}
	s, err := NewFromRegistry(opts, registry, allocs)
	require.NoError(t, err)
	assert.Equal(t, []string{accel.Type, cpu.Type}, s.ProviderTypes())
	require.NoError(t, s.LoadGraph(buildAddRelu("")))
	require.NoError(t, s.Initialize())
	assert.Equal(t, 1, countOps(s.Graph(), "MemcpyFromHost"))
	require.NoError(t, s.Close())

	// The CPU provider is always present.
	opts.Providers = []string{defaults.Accel}
	s, err = NewFromRegistry(opts, registry, allocs)
	require.NoError(t, err)
	assert.Equal(t, []string{accel.Type, cpu.Type}, s.ProviderTypes())
	require.NoError(t, s.Close())

	opts.Providers = []string{defaults.Accel, "tpu"}
	_, err = NewFromRegistry(opts, registry, allocs)
	require.Error(t, err)
	assert.True(t, status.Is(err, status.InvalidArgument), "got %v", err)

	opts.Providers = []string{defaults.Accel, defaults.Accel}
	_, err = NewFromRegistry(opts, registry, allocs)
	assert.True(t, status.Is(err, status.InvalidArgument), "got %v", err)
}
