package api

// Error codes carried in ErrorResponse.ErrorCode. Remote callers branch on
// these values, so they are part of the wire contract.
const (
	CodeServiceNotFound       = "service_not_found"
	CodeServiceAlreadyLocked  = "service_already_locked"
	CodeLockNotFound          = "lock_not_found"
	CodeActiveBlockingActions = "active_blocking_actions"
	CodeActionNotFound        = "action_not_found"
	CodeActionAlreadyClosed   = "action_already_closed"
	CodeParallelismMismatch   = "parallelism_mismatch"
	CodeServiceIsActive       = "service_is_active"
	CodeServiceUnaccessible   = "service_unaccessible"
	CodeInvalidRequest        = "invalid_request"
	CodeInternal              = "internal_error"
)
