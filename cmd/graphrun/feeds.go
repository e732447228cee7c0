// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/graphexec/pkg/core/values"
	"github.com/gomlx/graphexec/pkg/graph"
)

// listFlag is a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, " ") }

func (l *listFlag) Set(value string) error {
	*l = append(*l, value)
	return nil
}

// parseFeeds parses "name=v1,v2,..." specs into the values of the graph inputs. The values are
// converted to the input dtype (float32 if unknown), and shaped as the input (1D if unknown).
func parseFeeds(g *graph.Graph, specs []string) (map[string]*values.Value, error) {
	feeds := make(map[string]*values.Value, len(specs))
	for _, spec := range specs {
		name, data, found := strings.Cut(spec, "=")
		if !found {
			return nil, errors.Errorf("feed %q must be formatted as name=v1,v2,...", spec)
		}
		def := g.Def(name)
		if def == nil || !g.IsInput(def) {
			return nil, errors.Errorf("feed %q: graph %q has no input %q", spec, g.Name(), name)
		}
		var flat []float64
		for _, part := range strings.Split(data, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return nil, errors.Wrapf(err, "feed %q", name)
			}
			flat = append(flat, v)
		}
		dims := []int{len(flat)}
		dtype := dtypes.Float32
		if def.Shape.Ok() {
			dims, dtype = def.Shape.Dimensions, def.Shape.DType
			if size := def.Shape.Size(); size != len(flat) {
				return nil, errors.Errorf("feed %q: input shape %s requires %d values, got %d", name, def.Shape, size, len(flat))
			}
		}
		v, err := convertFeed(flat, dtype, dims)
		if err != nil {
			return nil, errors.WithMessagef(err, "feed %q", name)
		}
		feeds[name] = v
	}
	return feeds, nil
}

func convertFeed(flat []float64, dtype dtypes.DType, dims []int) (*values.Value, error) {
	switch dtype {
	case dtypes.Float32:
		return values.FromFlat(convert(flat, func(v float64) float32 { return float32(v) }), dims...)
	case dtypes.Float64:
		return values.FromFlat(flat, dims...)
	case dtypes.Int32:
		return values.FromFlat(convert(flat, func(v float64) int32 { return int32(v) }), dims...)
	case dtypes.Int64:
		return values.FromFlat(convert(flat, func(v float64) int64 { return int64(v) }), dims...)
	}
	return nil, errors.Errorf("dtype %s not supported for feeds", dtype)
}

func convert[T any](flat []float64, fn func(float64) T) []T {
	converted := make([]T, len(flat))
	for ii, v := range flat {
		converted[ii] = fn(v)
	}
	return converted
}
