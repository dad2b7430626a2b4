// Package executor invokes the external enforcement binary and consumes its
// wire contract: a single JSON result document on stdout and line-delimited
// JSON trace messages on stderr. The executor parses both and hands the
// interpretation of the result back to the caller.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opendsc/opendsc/internal/api"
	v1 "github.com/opendsc/opendsc/pkg/apis/v1"
	"github.com/opendsc/opendsc/pkg/logging"
)

const (
	// terminationGrace is how long a cancelled child gets to exit after the
	// interrupt before it is killed.
	terminationGrace = 10 * time.Second

	// maxStdout caps the result document size.
	maxStdout = 32 << 20

	// malformedSample is how many leading stdout bytes a parse failure
	// carries for diagnostics.
	malformedSample = 512

	// maxTraceLine bounds a single stderr trace line.
	maxTraceLine = 1 << 20
)

// Executor runs the enforcement binary.
type Executor struct {
	// Path is the binary to invoke, resolved on PATH when relative.
	Path string
}

// New creates an executor for the given binary path.
func New(path string) *Executor {
	return &Executor{Path: path}
}

// Run invokes the binary with the given operation ("test" or "set") on the
// configuration document at file. The child runs with its working directory
// set to the document's parent so relative references inside the document
// resolve. Returns the parsed result document and the child's exit code;
// err is non-nil when the child could not run or its output did not parse.
func (e *Executor) Run(ctx context.Context, operation, file string, level logging.LogLevel) (*v1.ResultDocument, int, error) {
	args := []string{
		"--trace-level", traceLevel(level),
		"--trace-format", "json",
		"--progress-format", "none",
		operation,
		"--file", file,
		"--output-format", "json",
	}

	cmd := exec.CommandContext(ctx, e.Path, args...)
	cmd.Dir = filepath.Dir(file)
	cmd.Cancel = func() error {
		logging.Info("Executor", "Interrupting enforcement run")
		return cmd.Process.Signal(interruptSignal)
	}
	cmd.WaitDelay = terminationGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, -1, &api.ChildExecutionError{Message: "opening stdout pipe", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, -1, &api.ChildExecutionError{Message: "opening stderr pipe", Err: err}
	}

	logging.Debug("Executor", "Running %s %s", e.Path, strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return nil, -1, &api.ChildExecutionError{Message: fmt.Sprintf("starting %s", e.Path), Err: err}
	}

	var out bytes.Buffer
	g := new(errgroup.Group)
	g.Go(func() error {
		n, err := io.Copy(&out, io.LimitReader(stdout, maxStdout))
		if err != nil || n < maxStdout {
			return err
		}
		// Keep draining past the cap so the child never blocks on a full
		// pipe; the truncated document then fails parse instead of
		// stalling Wait.
		_, err = io.Copy(io.Discard, stdout)
		return err
	})
	g.Go(func() error {
		forwardTrace(stderr)
		return nil
	})
	pumpErr := g.Wait()

	waitErr := cmd.Wait()
	exitCode := cmd.ProcessState.ExitCode()

	if ctx.Err() != nil {
		return nil, exitCode, &api.CancelledError{Op: operation + " run"}
	}
	if pumpErr != nil {
		return nil, exitCode, &api.ChildExecutionError{Message: "reading child output", ExitCode: exitCode, Err: pumpErr}
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return nil, exitCode, &api.ChildExecutionError{Message: fmt.Sprintf("running %s", e.Path), ExitCode: exitCode, Err: waitErr}
	}

	doc, err := parseResult(out.Bytes())
	if err != nil {
		return nil, exitCode, err
	}
	logging.Debug("Executor", "%s run finished: exit %d, %d resources, hadErrors=%t", operation, exitCode, len(doc.Results), doc.HadErrors)
	return doc, exitCode, nil
}

// parseResult decodes the stdout result document. There is no fallback: a
// document that does not parse is a MalformedResult failure carrying the
// first bytes for diagnostics.
func parseResult(data []byte) (*v1.ResultDocument, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &api.ChildExecutionError{Message: "child produced no result document"}
	}
	var doc v1.ResultDocument
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		sample := trimmed
		if len(sample) > malformedSample {
			sample = sample[:malformedSample]
		}
		return nil, &api.ChildExecutionError{
			Message: fmt.Sprintf("malformed result document (first bytes: %q)", sample),
			Err:     err,
		}
	}
	return &doc, nil
}

// forwardTrace relays the child's stderr trace stream to the agent log.
// Well-formed lines are JSON trace messages forwarded at their mapped
// severity; anything else is logged verbatim at warning level.
func forwardTrace(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxTraceLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg v1.TraceLine
		if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Fields.Message == "" {
			logging.Warn("Executor", "%s", line)
			continue
		}
		switch strings.ToLower(msg.Level) {
		case "trace", "debug":
			logging.Debug("Executor", "%s", msg.Fields.Message)
		case "warn", "warning":
			logging.Warn("Executor", "%s", msg.Fields.Message)
		case "error":
			logging.Error("Executor", nil, "%s", msg.Fields.Message)
		default:
			// Unknown levels map to info.
			logging.Info("Executor", "%s", msg.Fields.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		logging.Warn("Executor", "Trace stream ended early: %v", err)
	}
}

// traceLevel maps the agent log level onto the child's trace level flag.
func traceLevel(level logging.LogLevel) string {
	switch level {
	case logging.LevelDebug:
		return "debug"
	case logging.LevelWarn:
		return "warn"
	case logging.LevelError:
		return "error"
	default:
		return "info"
	}
}
