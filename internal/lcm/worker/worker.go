// Package worker drives the agent's enforcement loop: resolve the
// configuration document, run a test pass, remediate on drift when the mode
// allows it, report the outcome and sleep until the next cycle. The sleep is
// a short poll so mode and interval changes published by the configuration
// watcher take effect within a second instead of after the old interval.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/lcm/config"
	"github.com/opendsc/opendsc/internal/lcm/executor"
	v1 "github.com/opendsc/opendsc/pkg/apis/v1"
	"github.com/opendsc/opendsc/pkg/logging"
)

// State is the worker's current phase, for status output and logging.
type State string

const (
	StateStarting        State = "Starting"
	StateMonitoring      State = "Monitoring"
	StateRemediating     State = "Remediating"
	StateReloadingConfig State = "ReloadingConfig"
	StateStopped         State = "Stopped"
)

const (
	// defaultPoll is the delay granularity: how quickly the worker notices
	// cancellation or a mode/interval change while sleeping.
	defaultPoll = time.Second

	// errorBackoffCap bounds the retry delay after a failed cycle so a
	// long interval does not hide a transient failure for hours.
	errorBackoffCap = 60 * time.Second
)

// Refresher resolves the configuration document for a pull-sourced cycle.
type Refresher interface {
	Refresh(ctx context.Context) (entryPoint string, changed bool, err error)
}

// documentResolver is implemented by refreshers that can report their
// currently resolved document without a server round-trip. The pre-set guard
// uses it.
type documentResolver interface {
	Document() string
}

// Runner invokes the enforcement binary for one operation.
type Runner interface {
	Run(ctx context.Context, operation, file string, level logging.LogLevel) (*v1.ResultDocument, int, error)
}

// Reporter submits compliance reports to the pull server.
type Reporter interface {
	SubmitReport(ctx context.Context, report v1.ReportRequest) error
}

// Rotator checks and performs certificate rotation ahead of a cycle.
type Rotator interface {
	RotateIfDue(ctx context.Context) error
}

// Options wires a worker. Config is required; the rest depend on the
// configuration source.
type Options struct {
	Config    *config.Watcher
	Refresher Refresher
	Reporter  Reporter
	Rotator   Rotator

	// NewRunner builds the runner for the configured executable. Defaults
	// to the process executor.
	NewRunner func(executable string) Runner

	// Poll overrides the delay granularity. Used by tests.
	Poll time.Duration

	// Notify publishes service state to the init system. Defaults to
	// sd_notify; a no-op outside systemd.
	Notify func(state string)
}

// Worker is the enforcement loop.
type Worker struct {
	cfg       *config.Watcher
	refresher Refresher
	reporter  Reporter
	rotator   Rotator
	newRunner func(executable string) Runner
	poll      time.Duration
	notify    func(state string)

	mu      sync.Mutex
	state   State
	failing map[string]struct{}
}

// New creates a worker from opts.
func New(opts Options) *Worker {
	w := &Worker{
		cfg:       opts.Config,
		refresher: opts.Refresher,
		reporter:  opts.Reporter,
		rotator:   opts.Rotator,
		newRunner: opts.NewRunner,
		poll:      opts.Poll,
		notify:    opts.Notify,
		state:     StateStarting,
		failing:   map[string]struct{}{},
	}
	if w.newRunner == nil {
		w.newRunner = func(executable string) Runner { return executor.New(executable) }
	}
	if w.poll <= 0 {
		w.poll = defaultPoll
	}
	if w.notify == nil {
		w.notify = func(state string) { _, _ = daemon.SdNotify(false, state) }
	}
	return w
}

// State returns the worker's current phase.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	if w.state != s {
		logging.Debug("Worker", "State: %s -> %s", w.state, s)
		w.state = s
	}
	w.mu.Unlock()
}

// Run executes cycles until ctx is cancelled. The first cycle starts
// immediately.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(StateStarting)
	snap := w.cfg.Snapshot().LCM
	logging.Info("Worker", "Agent started: mode=%s source=%s interval=%s", snap.Mode(), snap.Source(), snap.Interval())
	w.notify(daemon.SdNotifyReady)

	for {
		start := time.Now()
		failed := w.runCycle(ctx)
		if ctx.Err() != nil {
			break
		}
		if err := w.delay(ctx, start, failed); err != nil {
			break
		}
	}

	w.notify(daemon.SdNotifyStopping)
	w.setState(StateStopped)
	logging.Info("Worker", "Agent stopped")
	return nil
}

// RunOnce executes a single cycle and returns an error when it failed. Used
// for one-shot invocations.
func (w *Worker) RunOnce(ctx context.Context) error {
	defer w.setState(StateStopped)
	if failed := w.runCycle(ctx); failed {
		return fmt.Errorf("cycle finished with failures")
	}
	return ctx.Err()
}

// runCycle performs one full cycle and reports whether it failed, which
// shortens the following delay.
func (w *Worker) runCycle(ctx context.Context) (failed bool) {
	snap := w.cfg.Snapshot().LCM

	if w.rotator != nil {
		if err := w.rotator.RotateIfDue(ctx); err != nil {
			w.noteFailure("rotate", err, "Certificate rotation failed, continuing with the current certificate")
		} else {
			w.noteRecovery("rotate", "Certificate rotation recovered")
		}
	}

	file, ok, failed := w.resolveDocument(ctx, &snap)
	if !ok {
		return failed
	}

	w.setState(StateMonitoring)
	runner := w.newRunner(snap.Executable())
	level := logging.ParseLevel(snap.LogLevel)

	doc, code, err := runner.Run(ctx, v1.OperationTest, file, level)
	if err != nil {
		if api.IsCancelled(err) {
			return false
		}
		w.noteFailure("test", err, "Test run failed")
		return true
	}
	w.noteRecovery("test", "Test run succeeded again")

	operation := v1.OperationTest
	finalDoc, finalCode := doc, code

	if doc.AllInDesiredState() {
		logging.Info("Worker", "All %d resource(s) in desired state", len(doc.Results))
	} else {
		logging.Info("Worker", "%d of %d resource(s) not in desired state", driftCount(doc), len(doc.Results))
		// Re-read the configuration so a mode flip or a document change
		// during the test run is honored before anything is changed on the
		// machine. A changed document skips set; the next cycle tests it.
		current := w.cfg.Snapshot().LCM
		switch {
		case current.Mode() != config.ModeRemediate:
			if snap.Mode() == config.ModeRemediate {
				logging.Info("Worker", "Mode changed to Monitor during the test run, skipping remediation")
			}
		case current.Source() != snap.Source() || w.resolvedDocument(&current, file) != file:
			logging.Info("Worker", "Configuration document changed during the test run, skipping remediation")
		default:
			w.setState(StateRemediating)
			setDoc, setCode, err := runner.Run(ctx, v1.OperationSet, file, level)
			if err != nil {
				if api.IsCancelled(err) {
					return false
				}
				w.noteFailure("set", err, "Remediation run failed")
				failed = true
				break
			}
			w.noteRecovery("set", "Remediation run succeeded again")
			operation, finalDoc, finalCode = v1.OperationSet, setDoc, setCode
			if restarts := setDoc.RestartRequired(); len(restarts) > 0 {
				logging.Warn("Worker", "Remediation requires restart(s): %v", restarts)
			}
		}
	}

	if finalDoc.HadErrors || finalCode != 0 {
		logging.Warn("Worker", "%s run finished with errors (exit code %d)", operation, finalCode)
		failed = true
	}

	w.report(ctx, &snap, operation, finalCode, finalDoc)
	return failed
}

// resolveDocument returns the configuration document for this cycle. ok is
// false when the cycle must be skipped; failed additionally shortens the
// following delay. A missing local document is a skip, not a failure: the
// worker sleeps the normal interval and looks again.
func (w *Worker) resolveDocument(ctx context.Context, snap *config.Settings) (file string, ok, failed bool) {
	if snap.Source() == config.SourcePull {
		if w.refresher == nil {
			w.noteFailure("refresh", nil, "Pull source configured but no pull client is available")
			return "", false, true
		}
		file, changed, err := w.refresher.Refresh(ctx)
		if err != nil {
			if !api.IsCancelled(err) {
				w.noteFailure("refresh", err, "Could not refresh the configuration bundle")
			}
			return "", false, true
		}
		w.noteRecovery("refresh", "Configuration bundle refresh recovered")
		if changed {
			logging.Info("Worker", "Configuration bundle updated")
		}
		return file, true, false
	}

	file = snap.ConfigurationPath
	if _, err := os.Stat(file); err != nil {
		w.noteFailure("document", err, "Configuration document %s is not readable, skipping this cycle", file)
		return "", false, false
	}
	w.noteRecovery("document", "Configuration document is readable again")
	return file, true, false
}

// resolvedDocument is the document the worker would act on right now,
// without performing a refresh. The guard between test and set compares it
// with the tested document so a path change during the test run never
// remediates a superseded document.
func (w *Worker) resolvedDocument(current *config.Settings, tested string) string {
	if current.Source() == config.SourcePull {
		if r, ok := w.refresher.(documentResolver); ok {
			if doc := r.Document(); doc != "" {
				return doc
			}
		}
		return tested
	}
	return current.ConfigurationPath
}

// report submits the cycle outcome when reporting applies: pull source with
// reporting enabled and a reporter wired.
func (w *Worker) report(ctx context.Context, snap *config.Settings, operation string, exitCode int, doc *v1.ResultDocument) {
	if w.reporter == nil || snap.Source() != config.SourcePull || !snap.PullServer.ReportCompliance {
		return
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		raw = nil
	}
	err = w.reporter.SubmitReport(ctx, v1.ReportRequest{
		Operation: operation,
		ExitCode:  exitCode,
		Resources: doc.ResourceReports(),
		Raw:       raw,
	})
	if err != nil {
		if !api.IsCancelled(err) {
			w.noteFailure("report", err, "Could not submit the compliance report")
		}
		return
	}
	w.noteRecovery("report", "Compliance reporting recovered")
}

// delay sleeps until the next cycle is due, polling so cancellation and
// configuration changes cut it short. A failed cycle retries after at most
// errorBackoffCap.
func (w *Worker) delay(ctx context.Context, start time.Time, failed bool) error {
	before := w.cfg.Snapshot().LCM
	for {
		snap := w.cfg.Snapshot().LCM
		if snap.Mode() != before.Mode() || snap.Source() != before.Source() ||
			snap.ConfigurationPath != before.ConfigurationPath {
			// A mode, source or document change starts the next cycle
			// promptly instead of waiting out the old interval.
			w.setState(StateReloadingConfig)
			return nil
		}
		interval := snap.Interval()
		if failed && interval > errorBackoffCap {
			interval = errorBackoffCap
		}
		remaining := time.Until(start.Add(interval))
		if remaining <= 0 {
			return nil
		}
		wait := w.poll
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// noteFailure logs a failure once and stays quiet while it persists, so a
// server outage does not flood the journal every cycle.
func (w *Worker) noteFailure(event string, err error, format string, args ...interface{}) {
	w.mu.Lock()
	_, known := w.failing[event]
	w.failing[event] = struct{}{}
	w.mu.Unlock()
	if known {
		logging.Debug("Worker", "Still failing (%s): %v", event, err)
		return
	}
	logging.Error("Worker", err, format, args...)
}

// noteRecovery logs once when a previously failing event succeeds again.
func (w *Worker) noteRecovery(event, message string) {
	w.mu.Lock()
	_, known := w.failing[event]
	delete(w.failing, event)
	w.mu.Unlock()
	if known {
		logging.Info("Worker", "%s", message)
	}
}

func driftCount(doc *v1.ResultDocument) int {
	n := 0
	for _, r := range doc.Results {
		if r.Result.InDesiredState == nil || !*r.Result.InDesiredState {
			n++
		}
	}
	return n
}
