// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// graphrun loads a YAML graph, initializes a session with the given execution providers, and runs
// it one or more times concurrently, printing the outputs and optionally the session statistics.
//
// Example:
//
//	graphrun -graph cmd/graphrun/testdata/add_relu.yaml -provider accel -feed x=1,-2,3 -feed y=1,1,1 -runs 4 -stats
//
// The session configuration is taken from -config, or from the GRAPHEXEC_CONFIG environment variable.
package main

import (
	"context"
	"flag"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphexec/pkg/core/values"
	"github.com/gomlx/graphexec/pkg/engine/session"
	"github.com/gomlx/graphexec/pkg/memory/allocators"
	"github.com/gomlx/graphexec/pkg/providers/defaults"
)

var (
	flagGraph  = flag.String("graph", "", "YAML file with the graph description.")
	flagConfig = flag.String("config", "", "Session configuration, e.g. \"intra_op=4,mode=sequential\". "+
		"If empty, $"+session.ConfigEnvVar+" is used.")
	flagOutputs    = flag.String("outputs", "", "Comma separated graph outputs to fetch. Default is all outputs.")
	flagSequential = flag.Bool("sequential", false, "Use the sequential executor.")
	flagTimeoutMs  = flag.Int("timeout_ms", 0, "Timeout of each run in milliseconds, 0 for none.")
	flagRuns       = flag.Int("runs", 1, "Number of concurrent runs.")
	flagStats      = flag.Bool("stats", false, "Print the session and the arena statistics.")
	flagPlan       = flag.Bool("plan", false, "Print the transformed graph and the allocation plan.")
	flagProgress   = flag.Bool("progress", false, "Display a progress bar of the completed runs.")

	flagProviders listFlag
	flagFeeds     listFlag
)

func init() {
	flag.Var(&flagProviders, "provider", "Execution provider, in preference order, with its optional configuration "+
		"after a colon, e.g. \"accel:hostInputs=Add:1\". Repeatable. The CPU provider is always included.")
	flag.Var(&flagFeeds, "feed", "Input value as name=v1,v2,... Repeatable.")
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagGraph == "" {
		klog.Errorf("Missing -graph. See 'graphrun -help'.")
		os.Exit(1)
	}
	if err := run(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

type runReport struct {
	outputs map[string]*values.Value
	elapsed time.Duration
	err     error
}

func sessionOptions() (session.Options, error) {
	if *flagConfig != "" {
		return session.ParseOptions(*flagConfig)
	}
	return session.OptionsFromEnv()
}

func run() (err error) {
	opts, err := sessionOptions()
	if err != nil {
		return err
	}
	if len(flagProviders) > 0 {
		opts.Providers = flagProviders
	}
	allocs := allocators.NewDefaultRegistry(opts.ArenaMaxMemory)
	s, err := session.NewFromRegistry(opts, defaults.NewRegistry(allocs), allocs)
	if err != nil {
		return multierr.Append(err, allocs.Close())
	}
	defer func() {
		if *flagStats {
			printArenaStats(allocs)
		}
		err = multierr.Combine(err, s.Close(), allocs.Close())
	}()

	if err = s.LoadFile(*flagGraph); err != nil {
		return err
	}
	if err = s.Initialize(); err != nil {
		return err
	}
	if *flagPlan {
		fmt.Println(s.Graph())
		fmt.Println(s.Plan())
	}
	feeds, err := parseFeeds(s.Graph(), flagFeeds)
	if err != nil {
		return err
	}
	var outputNames []string
	if *flagOutputs != "" {
		outputNames = strings.Split(*flagOutputs, ",")
	}

	reports := make([]runReport, max(*flagRuns, 1))
	bar := newProgressBar(len(reports))
	var group errgroup.Group
	for ii := range reports {
		group.Go(func() error {
			start := time.Now()
			outputs, err := s.Run(context.Background(), &session.RunOptions{
				Tag:        fmt.Sprintf("run-%d", ii),
				Sequential: *flagSequential,
				TimeoutMs:  *flagTimeoutMs,
			}, feeds, outputNames)
			reports[ii] = runReport{outputs: outputs, elapsed: time.Since(start), err: err}
			if bar != nil {
				_ = bar.Add(1)
			}
			return err
		})
	}
	err = group.Wait()
	if bar != nil {
		_ = bar.Close()
	}
	printReports(reports)
	if *flagStats {
		fmt.Println(titleStyle.Render("Session"))
		fmt.Println(s.Stats())
	}
	return err
}

// newProgressBar returns nil if -progress is not set.
func newProgressBar(numRuns int) *progressbar.ProgressBar {
	if !*flagProgress {
		return nil
	}
	return progressbar.NewOptions(numRuns,
		progressbar.OptionSetDescription("      [bold]Runs[reset]"),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("runs"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionSetWriter(os.Stderr))
}

func printReports(reports []runReport) {
	fmt.Println(titleStyle.Render("Runs"))
	table := newTable([]string{"Run", "Time", "Output", "Value"}, lipgloss.Right, lipgloss.Right, lipgloss.Left)
	for ii, report := range reports {
		run := fmt.Sprintf("#%d", ii)
		if report.err != nil {
			table.Row(true, run, report.elapsed.String(), "error", report.err.Error())
			continue
		}
		for _, name := range slices.Sorted(maps.Keys(report.outputs)) {
			table.Row(false, run, report.elapsed.String(), name, report.outputs[name].String())
		}
	}
	fmt.Println(table.Render())
}

func printArenaStats(allocs *allocators.Registry) {
	fmt.Println(titleStyle.Render("Arenas"))
	table := newTable([]string{"Location", "Chunks", "Reserved", "In use", "Peak", "Allocations", "Free blocks"},
		lipgloss.Left, lipgloss.Right)
	for _, a := range allocs.Arenas() {
		stats := a.Stats()
		table.Row(stats.NumLive > 0, a.Location().String(),
			humanize.Comma(int64(stats.NumChunks)),
			humanize.IBytes(uint64(stats.Reserved)),
			humanize.IBytes(uint64(stats.InUse)),
			humanize.IBytes(uint64(stats.PeakInUse)),
			humanize.Comma(stats.NumAllocs),
			humanize.Comma(int64(stats.NumFreeBlocks)))
	}
	fmt.Println(table.Render())
}
