package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Request-level error kinds. Every failure that reaches the top of a run is
// classified into one of these before it is turned into a final Response.
var (
	ErrInvalidRequest  = fmt.Errorf("invalid request")
	ErrUnknownAgent    = fmt.Errorf("unknown agent")
	ErrPlannerParse    = fmt.Errorf("planner output could not be parsed")
	ErrAgentCreation   = fmt.Errorf("agent creation failed")
	ErrThreadBind      = fmt.Errorf("thread bind failed")
	ErrAgentInvocation = fmt.Errorf("agent invocation failed")
	ErrContentFilter   = fmt.Errorf("content refused by agent platform")
	ErrTimeout         = fmt.Errorf("operation timed out")
	ErrInternal        = fmt.Errorf("internal error")
)

// Infrastructure sentinels.
var (
	ErrNotFound          = fmt.Errorf("not found")
	ErrDuplicate         = fmt.Errorf("duplicate")
	ErrQueueEmpty        = fmt.Errorf("task queue empty")
	ErrCacheMiss         = fmt.Errorf("cache miss")
	ErrProviderNotFound  = fmt.Errorf("llm provider not found")
	ErrRateLimit         = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrContextOverflow   = fmt.Errorf("context window exceeded")
	ErrEmbeddingFailed   = fmt.Errorf("embedding generation failed")
	ErrMemoryUnavailable = fmt.Errorf("memory store unavailable")
	ErrMemoryStore       = fmt.Errorf("memory store failed")
	ErrArtifactStore     = fmt.Errorf("artifact store failed")
	ErrConfigLoad        = fmt.Errorf("failed to load configuration")
	ErrDecryption        = fmt.Errorf("decryption failed")
	ErrEncryption        = fmt.Errorf("encryption operation failed")
	ErrSessionClosed     = fmt.Errorf("session closed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Factory.GetOrCreate")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "hosted", "redisbus")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Join attaches a request-level kind to a cause so both match errors.Is.
func Join(kind, cause error) error {
	if cause == nil {
		return kind
	}
	if errors.Is(cause, kind) {
		return cause
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// IsRetryableError reports whether err is a transient transport error that
// may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrContextOverflow)
}

// IsTransient reports whether an invocation failure may clear up on its own:
// rate limits, upstream 5xx or open circuits, and timeouts.
func IsTransient(err error) bool {
	return IsRetryableError(err) ||
		errors.Is(err, ErrAgentInvocation) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeInvalidRequest  ErrorCode = "INVALID_REQUEST"
	CodeUnknownAgent    ErrorCode = "UNKNOWN_AGENT"
	CodePlannerParse    ErrorCode = "PLANNER_PARSE"
	CodeAgentCreation   ErrorCode = "AGENT_CREATION"
	CodeThreadBind      ErrorCode = "THREAD_BIND"
	CodeAgentInvocation ErrorCode = "AGENT_INVOCATION"
	CodeContentFilter   ErrorCode = "CONTENT_FILTER"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeInternal        ErrorCode = "INTERNAL"

	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeDuplicate         ErrorCode = "DUPLICATE"
	CodeQueueEmpty        ErrorCode = "QUEUE_EMPTY"
	CodeCacheMiss         ErrorCode = "CACHE_MISS"
	CodeProviderNotFound  ErrorCode = "PROVIDER_NOT_FOUND"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeContextOverflow   ErrorCode = "CONTEXT_OVERFLOW"
	CodeEmbeddingFailed   ErrorCode = "EMBEDDING_FAILED"
	CodeMemoryUnavailable ErrorCode = "MEMORY_UNAVAILABLE"
	CodeMemoryStore       ErrorCode = "MEMORY_STORE"
	CodeArtifactStore     ErrorCode = "ARTIFACT_STORE"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeDecryption        ErrorCode = "DECRYPTION"
	CodeEncryption        ErrorCode = "ENCRYPTION"
	CodeSessionClosed     ErrorCode = "SESSION_CLOSED"
)

var errorCodeMap = map[error]ErrorCode{
	ErrInvalidRequest:  CodeInvalidRequest,
	ErrUnknownAgent:    CodeUnknownAgent,
	ErrPlannerParse:    CodePlannerParse,
	ErrAgentCreation:   CodeAgentCreation,
	ErrThreadBind:      CodeThreadBind,
	ErrAgentInvocation: CodeAgentInvocation,
	ErrContentFilter:   CodeContentFilter,
	ErrTimeout:         CodeTimeout,
	ErrInternal:        CodeInternal,

	ErrNotFound:          CodeNotFound,
	ErrDuplicate:         CodeDuplicate,
	ErrQueueEmpty:        CodeQueueEmpty,
	ErrCacheMiss:         CodeCacheMiss,
	ErrProviderNotFound:  CodeProviderNotFound,
	ErrRateLimit:         CodeRateLimit,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrContextOverflow:   CodeContextOverflow,
	ErrEmbeddingFailed:   CodeEmbeddingFailed,
	ErrMemoryUnavailable: CodeMemoryUnavailable,
	ErrMemoryStore:       CodeMemoryStore,
	ErrArtifactStore:     CodeArtifactStore,
	ErrConfigLoad:        CodeConfigLoad,
	ErrDecryption:        CodeDecryption,
	ErrEncryption:        CodeEncryption,
	ErrSessionClosed:     CodeSessionClosed,
}

// kindPrecedence is the order in which request-level kinds are checked. A
// chain can carry more than one kind (e.g. a timeout inside an agent
// invocation); the first match wins.
var kindPrecedence = []error{
	ErrInvalidRequest,
	ErrContentFilter,
	ErrTimeout,
	ErrThreadBind,
	ErrAgentCreation,
	ErrAgentInvocation,
	ErrUnknownAgent,
	ErrPlannerParse,
	ErrInternal,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Request-level kinds take precedence over infrastructure sentinels.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	for _, kind := range kindPrecedence {
		if errors.Is(err, kind) {
			return errorCodeMap[kind]
		}
	}
	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}

// KindOf classifies err into one of the request-level kinds. Errors carrying
// no kind are transport failures (rate limit, auth, context) or unexpected
// failures; the former become ErrAgentInvocation, the rest ErrInternal.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kindPrecedence {
		if errors.Is(err, kind) {
			return kind
		}
	}
	if errors.Is(err, ErrRateLimit) || errors.Is(err, ErrContextOverflow) {
		return ErrAgentInvocation
	}
	return ErrInternal
}

// RetryableOf reports the retry flag a final Response carries for err.
func RetryableOf(err error) bool {
	switch KindOf(err) {
	case ErrAgentCreation, ErrThreadBind, ErrAgentInvocation, ErrTimeout:
		return true
	default:
		return false
	}
}

// StatusCodeOf maps err to the HTTP-style status code a final Response carries.
func StatusCodeOf(err error) int {
	switch KindOf(err) {
	case nil:
		return http.StatusOK
	case ErrInvalidRequest, ErrContentFilter:
		return http.StatusBadRequest
	case ErrAgentCreation, ErrThreadBind:
		return http.StatusServiceUnavailable
	case ErrAgentInvocation:
		if errors.Is(err, ErrRateLimit) {
			return http.StatusTooManyRequests
		}
		return http.StatusBadGateway
	case ErrTimeout:
		return http.StatusGatewayTimeout
	case ErrUnknownAgent, ErrPlannerParse:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
