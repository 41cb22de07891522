package orchestrator

import "github.com/arkrelay/gateway/internal/store"

// Stable error codes carried in failure events.
const (
	CodeInvalidAuthorSignature = 1001
	CodeInsufficientBalance    = 2001
	CodeInputConflict          = 2002
	CodeRecipientInvalid       = 2003
	CodeValidationFailed       = 3001
	CodeBackendUnavailable     = 3002
	CodeStepTimeout            = 3003
	CodeFeeOutputIncorrect     = 4001
	CodeSignatureMissing       = 4002
	CodeSignatureInvalid       = 4003
	CodeCancelled              = 5001
	CodeExpired                = 5002
)

// failureCode maps a session failure kind onto its wire code.
func failureCode(kind store.FailureKind) int {
	switch kind {
	case store.FailureValidation:
		return CodeValidationFailed
	case store.FailureBackendUnavailable:
		return CodeBackendUnavailable
	case store.FailureSignatureMissing:
		return CodeSignatureMissing
	case store.FailureSignatureInvalid:
		return CodeSignatureInvalid
	case store.FailureConflict:
		return CodeInputConflict
	case store.FailureTimeout:
		return CodeStepTimeout
	case store.FailureCancelled:
		return CodeCancelled
	case store.FailureExpired:
		return CodeExpired
	default:
		return CodeValidationFailed
	}
}
