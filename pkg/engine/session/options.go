// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/gomlx/graphexec/pkg/providers"
)

// ConfigEnvVar is the environment variable with the default session configuration, see OptionsFromEnv.
const ConfigEnvVar = "GRAPHEXEC_CONFIG"

// ExecutionMode selects the default executor of the runs.
type ExecutionMode int

const (
	// Parallel runs independent nodes of a run concurrently, if IntraOpThreads > 1.
	Parallel ExecutionMode = iota

	// Sequential runs the nodes of a run one at a time, in topological order.
	Sequential
)

// String implements fmt.Stringer.
func (m ExecutionMode) String() string {
	switch m {
	case Parallel:
		return "parallel"
	case Sequential:
		return "sequential"
	}
	return fmt.Sprintf("ExecutionMode(%d)", int(m))
}

// Options of a Session.
type Options struct {
	// InterOpThreads is the number of runs executed concurrently. Further runs wait for a free worker.
	InterOpThreads int

	// IntraOpThreads is the number of nodes of one run executed concurrently by the parallel executor.
	IntraOpThreads int

	// ExecutionMode is the default executor, overridden per run by RunOptions.Sequential.
	ExecutionMode ExecutionMode

	// EnableMemoryPattern records the allocations of a run, and reserves the memory of later runs with
	// the same input shapes in one allocation per location. Only sequential runs record and use
	// memory patterns.
	EnableMemoryPattern bool

	// MaxConcurrentRuns is the number of runs admitted at the same time, including the ones waiting
	// for a worker. 0 means unlimited.
	MaxConcurrentRuns int

	// ArenaMaxMemory is the ceiling of each device arena, 0 for unlimited. It is used by whoever
	// creates the allocators.Registry for the session.
	ArenaMaxMemory int

	// Providers are the names of the providers, in preference order, used by NewFromRegistry.
	// Each may carry its configuration after a colon, e.g. "accel:device=1".
	Providers []string

	// LogID is included in the log lines of the session.
	LogID string
}

// DefaultOptions returns the options used if none are given.
func DefaultOptions() Options {
	return Options{
		InterOpThreads:      runtime.NumCPU(),
		IntraOpThreads:      1,
		ExecutionMode:       Parallel,
		EnableMemoryPattern: true,
		Providers:           []string{"cpu"},
	}
}

// ParseOptions parses a "key=value,key=value" configuration over the DefaultOptions.
//
// Keys:
//
//   - "inter_op", "intra_op": number of threads.
//   - "mode": "parallel" or "sequential".
//   - "memory_pattern": boolean.
//   - "max_runs": MaxConcurrentRuns.
//   - "arena_max": arena ceiling, with units, e.g. "512MiB".
//   - "providers": provider names separated by ";", e.g. "accel;cpu".
//   - "log_id": the session log id.
func ParseOptions(config string) (Options, error) {
	opts := DefaultOptions()
	for key, value := range providers.ParseConfig(config) {
		var err error
		switch key {
		case "inter_op":
			opts.InterOpThreads, err = parsePositive(value)
		case "intra_op":
			opts.IntraOpThreads, err = parsePositive(value)
		case "mode":
			switch strings.ToLower(value) {
			case "parallel":
				opts.ExecutionMode = Parallel
			case "sequential":
				opts.ExecutionMode = Sequential
			default:
				err = errors.Errorf("must be parallel or sequential")
			}
		case "memory_pattern":
			opts.EnableMemoryPattern, err = strconv.ParseBool(value)
		case "max_runs":
			opts.MaxConcurrentRuns, err = strconv.Atoi(value)
			if err == nil && opts.MaxConcurrentRuns < 0 {
				err = errors.New("must be >= 0")
			}
		case "arena_max":
			var bytes uint64
			bytes, err = humanize.ParseBytes(value)
			opts.ArenaMaxMemory = int(bytes)
		case "providers":
			opts.Providers = nil
			for _, name := range strings.Split(value, ";") {
				if name = strings.TrimSpace(name); name != "" {
					opts.Providers = append(opts.Providers, name)
				}
			}
		case "log_id":
			opts.LogID = value
		default:
			err = errors.New("unknown key")
		}
		if err != nil {
			return opts, errors.WithMessagef(err, "session config %q: invalid %q=%q", config, key, value)
		}
	}
	return opts, nil
}

func parsePositive(value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, errors.Errorf("must be >= 1, got %d", n)
	}
	return n, nil
}

// OptionsFromEnv parses the configuration in the GRAPHEXEC_CONFIG environment variable, or returns
// the DefaultOptions if it is not set.
func OptionsFromEnv() (Options, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if !found {
		return DefaultOptions(), nil
	}
	return ParseOptions(config)
}

// RunOptions configure one Run. A nil *RunOptions uses the zero value.
type RunOptions struct {
	// Tag is included in the log lines of the run. If empty, a random one is generated.
	Tag string

	// Sequential forces the sequential executor for this run.
	Sequential bool

	// TimeoutMs, if > 0, is the time Run waits for the execution to complete before returning a
	// status.Timeout error. The execution is abandoned in the background.
	TimeoutMs int
}
