// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandHome(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)

	for path, want := range map[string]string{
		"graph.yaml":             "graph.yaml",
		"/tmp/graph.yaml":        "/tmp/graph.yaml",
		"~":                      usr.HomeDir,
		"~/graphs/a.yaml":        filepath.Join(usr.HomeDir, "graphs/a.yaml"),
		"~" + usr.Username + "/a": filepath.Join(usr.HomeDir, "a"),
	} {
		got, err := ExpandHome(path)
		require.NoError(t, err, "path=%q", path)
		assert.Equal(t, want, got, "path=%q", path)
	}

	_, err = ExpandHome("~no-such-user-graphexec/a.yaml")
	assert.Error(t, err)
}
