package dbgtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateRangesSync(t *testing.T, core, dest string, opts ...Option) error {
	t.Helper()
	ch := make(chan error, 1)
	GenerateRanges(context.Background(), core, dest, func(err error) { ch <- err }, opts...)
	return receive(t, ch)
}

func TestGenerateRanges(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "core.ranges")
	err := generateRangesSync(t, "/tmp/core.42", dest,
		WithRangesScript(os.Args[0]),
		WithEnv("GO_TEST_MODE=ranges"),
	)
	require.NoError(t, err)

	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "0x400000 4096 /tmp/core.42\n0x7ffff7a0d000 8192\n", string(b))
}

func TestGenerateRanges_NonzeroExit(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "core.ranges")
	err := generateRangesSync(t, "core.1", dest,
		WithRangesScript(os.Args[0]),
		WithEnv("GO_TEST_MODE=ranges", "FAKE_RANGES_EXIT=3"),
	)
	var rangesErr *RangesError
	require.ErrorAs(t, err, &rangesErr)
	assert.Equal(t, 3, rangesErr.ExitCode)
	assert.Equal(t, "core.1", rangesErr.Core)
	assert.Equal(t, os.Args[0], rangesErr.Script)
	assert.Contains(t, err.Error(), "exited with status 3")
}

func TestGenerateRanges_MissingScript(t *testing.T) {
	dir := t.TempDir()
	err := generateRangesSync(t, "core.1", filepath.Join(dir, "out"),
		WithRangesScript(filepath.Join(dir, "no-such-script.py")),
	)
	var rangesErr *RangesError
	require.ErrorAs(t, err, &rangesErr)
	assert.Zero(t, rangesErr.ExitCode)
	assert.Error(t, rangesErr.Unwrap())
}

func TestGenerateRanges_BadDest(t *testing.T) {
	err := generateRangesSync(t, "core.1", filepath.Join(t.TempDir(), "missing", "dir", "out"))
	assert.Error(t, err)
}

func TestGenerateRanges_InvalidOption(t *testing.T) {
	err := generateRangesSync(t, "core.1", "out", WithCheckInterval(-1))
	assert.Error(t, err)
}
