package log

// Common field names for structured logging
const (
	FieldComponent      = "component"
	FieldOperation      = "operation"
	FieldError          = "error"
	FieldRequestID      = "request_id"
	FieldOwnerID        = "owner_id"
	FieldWalletID       = "wallet_id"
	FieldMutationID     = "mutation_id"
	FieldIdempotencyKey = "idempotency_key"
	FieldStatus         = "status"
	FieldAttempt        = "attempt"
	FieldAmount         = "amount_minor"
	FieldBudgetID       = "budget_id"
	FieldLoanID         = "loan_id"
	FieldCount          = "count"
	FieldDuration       = "duration_ms"
)

// Components defines standard component names
const (
	ComponentApp     = "app"
	ComponentHTTP    = "http"
	ComponentLedger  = "ledger"
	ComponentStore   = "store"
	ComponentSweeper = "sweeper"
	ComponentEvents  = "events"
	ComponentService = "service"
)

// Operations defines standard operation names
const (
	OpApply     = "apply"
	OpRollback  = "rollback"
	OpReconcile = "reconcile"
	OpSweep     = "sweep"
	OpPublish   = "publish"
	OpMigrate   = "migrate"
	OpShutdown  = "shutdown"
	OpStartup   = "startup"
)
