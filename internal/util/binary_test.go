package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeExecutable(t *testing.T, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), mode))
	return path
}

func TestFindBinary_EnvVarWins(t *testing.T) {
	path := writeExecutable(t, 0755)
	t.Setenv("FAKE_TOOL_PATH", path)

	// "ls" exists on PATH, but the env var should take priority.
	got, err := FindBinary("ls", "FAKE_TOOL_PATH")
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestFindBinary_FallsBackToPath(t *testing.T) {
	got, err := FindBinary("ls", "")
	require.NoError(t, err)
	assert.Contains(t, got, "ls")
}

func TestFindBinary_NotFound(t *testing.T) {
	got, err := FindBinary("definitely-nonexistent-binary-12345", "")
	assert.Error(t, err)
	assert.Empty(t, got)
	assert.Contains(t, err.Error(), "not found")
}

func TestFindBinary_RejectsBadEnvCandidates(t *testing.T) {
	tests := []struct {
		name  string
		value func(t *testing.T) string
	}{
		{"missing file", func(t *testing.T) string { return "/nonexistent/path/to/binary" }},
		{"not executable", func(t *testing.T) string { return writeExecutable(t, 0644) }},
		{"directory", func(t *testing.T) string { return t.TempDir() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := tt.value(t)
			t.Setenv("FAKE_TOOL_PATH", bad)

			// Falls through to the PATH lookup for "ls".
			got, err := FindBinary("ls", "FAKE_TOOL_PATH")
			require.NoError(t, err)
			assert.NotEqual(t, bad, got)
			assert.Contains(t, got, "ls")
		})
	}
}
