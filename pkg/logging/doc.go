// Package logging provides the structured logging system for opendsc with
// unified log handling across the Pull Server, the LCM agent, and the CLI.
//
// The package is a thin layer over Go's standard slog package. Every entry
// carries a subsystem identifier so logs can be filtered per concern:
//
//	logging.InitForCLI(logging.LevelInfo, os.Stdout)
//	logging.Info("Bootstrap", "server starting on %s", addr)
//	logging.Error("Store", err, "failed to persist configuration %s", name)
//
// # Modes
//
//   - InitForCLI: text output for interactive commands.
//   - InitForDaemon: JSON output for the serve/lcm daemons; when the journal
//     socket is present (systemd units on Linux) entries are mirrored there.
//
// # Subsystem organization
//
//   - Bootstrap: application initialization and startup
//   - Config: configuration loading and validation
//   - Store: persistence layer
//   - Merge: parameter merging
//   - Bundle: bundle building
//   - Server: HTTP surface
//   - Auth: authentication and authorization
//   - Worker: LCM enforcement loop
//   - Executor: DSC child process handling
//   - PullClient: LCM pull server client
//   - CertManager: client certificate lifecycle
//
// # Audit logging
//
// Security-sensitive operations (registration, certificate rotation,
// parameter activation, logins) are recorded via Audit:
//
//	logging.Audit(logging.AuditEvent{
//	    Action:    "node_register",
//	    Outcome:   "success",
//	    Principal: logging.TruncateID(keyToken),
//	    Target:    fqdn,
//	})
//
// The logging system is safe for concurrent use from multiple goroutines.
package logging
