package logging

// AuditEvent represents a sensitive operation that should be logged for compliance
type AuditEvent struct {
	Operation string // e.g., "bond_slashed", "solver_banned", "operator_rotated"
	Actor     string // Who performed the action (caller name, operator address)
	Target    string // What was affected (solver id, receipt id, escrow id)
	Result    string // "success" or "failure"
	Details   string // Additional context
}

// Audit logs a sensitive operation with structured fields.
// Audit events are logged at Info level with a special "audit" attribute
// to distinguish them from regular application logs.
func Audit(event AuditEvent) {
	Logger().Info("audit",
		"audit", true,
		"operation", event.Operation,
		"actor", event.Actor,
		"target", event.Target,
		"result", event.Result,
		"details", event.Details,
	)
}
