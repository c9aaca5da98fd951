package logging

// Standardized field names for structured logging.
const (
	FieldComponent    = "component"
	FieldObligationID = "obligation_id"
	FieldOwnerID      = "owner_id"
	FieldKind         = "kind"
	FieldEntryID      = "entry_id"
	FieldCardID       = "card_id"
	FieldPeriod       = "period"
	FieldReason       = "reason"
	FieldOperation    = "operation"
	FieldStatus       = "status"
	FieldError        = "error"
	FieldErrorClass   = "error_class"
	FieldDuration     = "duration_ms"
	FieldCount        = "count"
	FieldAttempts     = "attempts"
	FieldBatchSize    = "batch_size"
	FieldInterval     = "interval"
	FieldSchedule     = "schedule"
)
