package logging

import "strings"

// AuditEvent describes a security-sensitive operation for the audit trail.
// Events are logged at INFO level with an [AUDIT] prefix so log aggregation
// systems can filter them.
type AuditEvent struct {
	// Action names the operation, e.g. "node_register", "certificate_rotate",
	// "parameter_activate", "session_login".
	Action string

	// Outcome is "success" or "failure".
	Outcome string

	// Principal identifies who performed the action (user name, node id).
	Principal string

	// Target identifies what was acted on (configuration name, node FQDN).
	Target string

	// Detail carries optional extra context.
	Detail string
}

// Audit logs a security-sensitive event to the audit trail.
func Audit(event AuditEvent) {
	parts := []string{"action=" + event.Action, "outcome=" + event.Outcome}
	if event.Principal != "" {
		parts = append(parts, "principal="+event.Principal)
	}
	if event.Target != "" {
		parts = append(parts, "target="+event.Target)
	}
	if event.Detail != "" {
		parts = append(parts, "detail="+event.Detail)
	}
	Info("Audit", "[AUDIT] %s", strings.Join(parts, " "))
}

// TruncateID shortens an identifier for audit output so full session tokens
// or key material never reach the logs.
func TruncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
