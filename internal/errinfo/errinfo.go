package errinfo

import (
	"errors"
	"net/http"

	"orcascore/engine/internal/llm"
)

// ErrorInfo is the structured error payload attached to RPC errors.
type ErrorInfo struct {
	ErrorCode  string   `json:"error_code"`
	Phase      string   `json:"phase,omitempty"`
	Subphase   string   `json:"subphase,omitempty"`
	Retryable  bool     `json:"retryable"`
	Actions    []string `json:"actions,omitempty"`
	ProviderID string   `json:"provider_id,omitempty"`
	ModelID    string   `json:"model_id,omitempty"`
	DocumentID int64    `json:"document_id,omitempty"`
	Category   string   `json:"category,omitempty"`
	Message    string   `json:"message,omitempty"`
	Detail     string   `json:"detail,omitempty"`
}

const (
	CodeEgressBlocked         = "EGRESS_BLOCKED_BY_POLICY"
	CodeProviderNotConfigured = "PROVIDER_NOT_CONFIGURED"
	CodeProviderAuthFailed    = "PROVIDER_AUTH_FAILED"
	CodeProviderRateLimited   = "PROVIDER_RATE_LIMITED"
	CodeProviderUnavailable   = "PROVIDER_UNAVAILABLE"
	CodeProviderRequestFailed = "PROVIDER_REQUEST_FAILED"
	CodeNetworkUnavailable    = "NETWORK_UNAVAILABLE"
	CodeTimeout               = "TIMEOUT"
	CodeValidationFailed      = "VALIDATION_FAILED"
	CodeNotFound              = "NOT_FOUND"
	CodeStorageFailed         = "STORAGE_FAILED"
	CodeLockConflict          = "LOCK_CONFLICT"
	CodeTurnInProgress        = "TURN_IN_PROGRESS"
	CodeNoPendingReview       = "NO_PENDING_REVIEW"
	CodeUserCanceled          = "USER_CANCELED"
	CodeAgentLoopDetected     = "AGENT_LOOP_DETECTED"
)

const (
	ActionRetry        = "retry"
	ActionOpenSettings = "open_settings"
	ActionForceUnlock  = "force_unlock"
)

const (
	PhaseChat     = "chat"
	PhaseLocks    = "locks"
	PhaseReview   = "review"
	PhaseSettings = "settings"
	PhaseStorage  = "storage"
)

const (
	SubphaseRequest = "request"
	SubphaseTools   = "tools"
)

// Human-readable text per provider failure category.
var categoryMessages = map[llm.Category]string{
	llm.CategoryAuthentication:     "Authentication failed. Check your API key.",
	llm.CategoryRateLimit:          "The provider is rate limiting requests. Try again in a moment.",
	llm.CategoryServiceUnavailable: "The provider service is temporarily unavailable.",
	llm.CategoryNetwork:            "Could not reach the provider. Check your network connection.",
	llm.CategoryTimeout:            "The provider did not respond in time.",
	llm.CategoryGeneric:            "The provider request failed.",
}

func CategoryMessage(category llm.Category) string {
	if msg, ok := categoryMessages[category]; ok {
		return msg
	}
	return categoryMessages[llm.CategoryGeneric]
}

func ProviderNotConfigured(phase string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeProviderNotConfigured,
		Phase:     phase,
		Retryable: false,
		Actions:   []string{ActionOpenSettings},
		Message:   "No API key is configured for the selected provider.",
	}
}

func ValidationFailed(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeValidationFailed,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

func NotFound(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeNotFound,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

func StorageFailed(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeStorageFailed,
		Phase:     phase,
		Retryable: true,
		Actions:   []string{ActionRetry},
		Detail:    detail,
	}
}

func LockConflict(documentID int64, holder string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode:  CodeLockConflict,
		Phase:      PhaseLocks,
		Retryable:  true,
		Actions:    []string{ActionRetry, ActionForceUnlock},
		DocumentID: documentID,
		Message:    "The document is being edited by " + holder + ".",
	}
}

func TurnInProgress(phase string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeTurnInProgress,
		Phase:     phase,
		Retryable: true,
		Actions:   []string{ActionRetry},
	}
}

func NoPendingReview(documentID int64) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode:  CodeNoPendingReview,
		Phase:      PhaseReview,
		Retryable:  false,
		DocumentID: documentID,
	}
}

func EgressBlocked(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeEgressBlocked,
		Phase:     phase,
		Retryable: false,
		Actions:   []string{ActionOpenSettings},
		Message:   "The request was blocked: only the configured provider host may be contacted.",
		Detail:    detail,
	}
}

func AgentLoopDetected(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeAgentLoopDetected,
		Phase:     phase,
		Subphase:  SubphaseTools,
		Retryable: false,
		Detail:    detail,
	}
}

func UserCanceled(phase, detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeUserCanceled,
		Phase:     phase,
		Retryable: false,
		Detail:    detail,
	}
}

// FromProviderError builds the payload for a failed provider request,
// carrying its category and the matching user-facing message.
func FromProviderError(phase, providerID string, err error) *ErrorInfo {
	if errors.Is(err, llm.ErrEgressBlocked) {
		info := EgressBlocked(phase, err.Error())
		info.Subphase = SubphaseRequest
		info.ProviderID = providerID
		return info
	}
	category := llm.Classify(err)
	info := &ErrorInfo{
		Phase:      phase,
		Subphase:   SubphaseRequest,
		ProviderID: providerID,
		Category:   string(category),
		Message:    CategoryMessage(category),
		Retryable:  llm.Retryable(err),
	}
	if err != nil {
		info.Detail = err.Error()
	}
	switch category {
	case llm.CategoryAuthentication:
		info.ErrorCode = CodeProviderAuthFailed
		info.Actions = []string{ActionOpenSettings}
	case llm.CategoryRateLimit:
		info.ErrorCode = CodeProviderRateLimited
	case llm.CategoryServiceUnavailable:
		info.ErrorCode = CodeProviderUnavailable
	case llm.CategoryNetwork:
		info.ErrorCode = CodeNetworkUnavailable
	case llm.CategoryTimeout:
		info.ErrorCode = CodeTimeout
	default:
		info.ErrorCode = CodeProviderRequestFailed
	}
	if info.Retryable {
		info.Actions = []string{ActionRetry}
	}
	return info
}

// ConnectionMessage is the text shown when a connection test fails.
func ConnectionMessage(err error) string {
	if err == nil {
		return ""
	}
	var statusErr *llm.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusUnauthorized:
			return "Authentication failed. Check your API key."
		case http.StatusForbidden:
			return "Access denied. Your API key may lack the required permissions."
		case http.StatusNotFound:
			return "Endpoint not found. Check the base URL for your provider."
		}
	}
	if errors.Is(err, llm.ErrNotConfigured) {
		return "No API key is configured for the selected provider."
	}
	return CategoryMessage(llm.Classify(err))
}
