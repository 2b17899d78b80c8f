package logging

// AuditEvent represents a governance, liquidation or challenge action that must be traceable
type AuditEvent struct {
	Operation string // e.g., "agent_created", "liquidation_started", "setting_updated"
	Actor     string // Who performed the action (owner, liquidator, challenger, governance)
	Target    string // What was affected (agent vault, request id, setting name)
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
