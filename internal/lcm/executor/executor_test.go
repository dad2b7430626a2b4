//go:build !windows

package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/pkg/logging"
)

// fakeChild writes a shell script standing in for the enforcement binary and
// returns its path together with a configuration document inside the same
// directory.
func fakeChild(t *testing.T, script string) (bin, file string) {
	t.Helper()
	dir := t.TempDir()
	bin = filepath.Join(dir, "dsc")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"+script), 0o755))
	file = filepath.Join(dir, "site.dsc.yaml")
	require.NoError(t, os.WriteFile(file, []byte("resources: []\n"), 0o644))
	return bin, file
}

func TestRunParsesResultDocument(t *testing.T) {
	logging.InitForCLI(logging.LevelError, os.Stderr)
	bin, file := fakeChild(t, `
echo '{"timestamp":"2026-01-01T00:00:00Z","level":"info","fields":{"message":"starting"}}' >&2
echo 'not json at all' >&2
cat <<'EOF'
{
  "results": [
    {"type": "OpenDSC/File", "name": "motd", "result": {"inDesiredState": true}},
    {"type": "OpenDSC/Service", "name": "nginx", "result": {"inDesiredState": false, "differingProperties": ["state"]}}
  ],
  "metadata": {"restartRequired": ["nginx"]},
  "hadErrors": false
}
EOF
`)

	doc, code, err := New(bin).Run(context.Background(), "test", file, logging.LevelInfo)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	require.Len(t, doc.Results, 2)
	assert.False(t, doc.AllInDesiredState())
	assert.True(t, doc.AnyDrift())
	assert.Equal(t, []string{"nginx"}, doc.RestartRequired())
	assert.False(t, doc.HadErrors)
}

func TestRunTreatsNullDesiredStateAsUnknown(t *testing.T) {
	logging.InitForCLI(logging.LevelError, os.Stderr)
	bin, file := fakeChild(t, `
echo '{"results":[{"type":"T","name":"n","result":{"inDesiredState":null}}],"hadErrors":false}'
`)
	doc, _, err := New(bin).Run(context.Background(), "test", file, logging.LevelInfo)
	require.NoError(t, err)
	assert.False(t, doc.AllInDesiredState(), "unknown counts as not in desired state")
	assert.False(t, doc.AnyDrift(), "unknown is not positive drift either")
}

func TestRunMalformedStdout(t *testing.T) {
	logging.InitForCLI(logging.LevelError, os.Stderr)
	bin, file := fakeChild(t, `echo 'this is not a result document'`)

	_, _, err := New(bin).Run(context.Background(), "test", file, logging.LevelInfo)
	require.Error(t, err)
	assert.True(t, api.IsChildExecution(err))
	assert.Contains(t, err.Error(), "this is not a result document", "the sample travels with the error")
}

func TestRunEmptyStdout(t *testing.T) {
	logging.InitForCLI(logging.LevelError, os.Stderr)
	bin, file := fakeChild(t, `exit 0`)

	_, _, err := New(bin).Run(context.Background(), "test", file, logging.LevelInfo)
	require.Error(t, err)
	assert.True(t, api.IsChildExecution(err))
}

func TestRunReportsNonZeroExit(t *testing.T) {
	logging.InitForCLI(logging.LevelError, os.Stderr)
	bin, file := fakeChild(t, `
echo '{"results":[],"hadErrors":true}'
exit 4
`)
	doc, code, err := New(bin).Run(context.Background(), "set", file, logging.LevelInfo)
	require.NoError(t, err, "a parseable document with a nonzero exit is the caller's decision")
	assert.Equal(t, 4, code)
	assert.True(t, doc.HadErrors)
}

func TestRunMissingBinary(t *testing.T) {
	logging.InitForCLI(logging.LevelError, os.Stderr)
	dir := t.TempDir()
	file := filepath.Join(dir, "site.dsc.yaml")
	require.NoError(t, os.WriteFile(file, []byte(""), 0o644))

	_, _, err := New(filepath.Join(dir, "missing")).Run(context.Background(), "test", file, logging.LevelInfo)
	require.Error(t, err)
	assert.True(t, api.IsChildExecution(err))
}

func TestRunOversizedStdoutFailsWithoutHanging(t *testing.T) {
	logging.InitForCLI(logging.LevelError, os.Stderr)
	// Write past the result document cap: the run must drain the excess
	// and fail as malformed rather than leave the child blocked on a full
	// pipe.
	bin, file := fakeChild(t, `
head -c 34000000 /dev/zero | tr '\0' 'x'
`)

	start := time.Now()
	_, _, err := New(bin).Run(context.Background(), "test", file, logging.LevelInfo)
	require.Error(t, err)
	assert.True(t, api.IsChildExecution(err))
	assert.Less(t, time.Since(start), 30*time.Second, "an oversized document must not stall the run")
}

func TestRunCancellation(t *testing.T) {
	logging.InitForCLI(logging.LevelError, os.Stderr)
	bin, file := fakeChild(t, `exec sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, _, err := New(bin).Run(ctx, "test", file, logging.LevelInfo)
	require.Error(t, err)
	assert.True(t, api.IsCancelled(err))
	assert.Less(t, time.Since(start), 15*time.Second, "cancellation must not wait for the child's natural exit")
}
