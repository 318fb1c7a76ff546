package quotarouter

import (
	"errors"
	"fmt"
	"strings"
)

// Dispatch outcomes and internal conditions.
var (
	ErrQuotaExceeded         = errors.New("quotarouter: quota exceeded")
	ErrAllProvidersExhausted = errors.New("quotarouter: all providers exhausted")
	ErrUpstreamUnavailable   = errors.New("quotarouter: upstream unavailable")
	ErrProviderRejected      = errors.New("quotarouter: provider rejected request")
	ErrDispatchCanceled      = errors.New("quotarouter: dispatch canceled")
	ErrQuotaStore            = errors.New("quotarouter: quota store unavailable")
	ErrProviderNotFound      = errors.New("quotarouter: provider not found")
	ErrConfig                = errors.New("quotarouter: invalid config")
)

// Errors returned by Provider implementations.
var (
	ErrRateLimited         = errors.New("quotarouter: rate limited by provider")
	ErrProviderUnavailable = errors.New("quotarouter: provider unavailable")
	ErrAuthFailed          = errors.New("quotarouter: authentication failed")
	ErrInvalidRequest      = errors.New("quotarouter: invalid request")
)

// QuotaExceededError names the window that blocked a reservation.
type QuotaExceededError struct {
	ProviderID string
	Window     WindowKind
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quotarouter: quota exceeded: provider=%s window=%s", e.ProviderID, e.Window)
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// DispatchError is the structured failure returned by Dispatcher.Dispatch.
// Reason is one of the dispatch outcome sentinels; Err is the last upstream
// or store error, if any.
type DispatchError struct {
	Reason     error
	ProviderID string
	Attempts   int
	Skipped    []Skip
	Err        error
}

func (e *DispatchError) Error() string {
	var b strings.Builder
	b.WriteString(e.Reason.Error())
	fmt.Fprintf(&b, ": attempts=%d", e.Attempts)
	if e.ProviderID != "" {
		fmt.Fprintf(&b, " provider=%s", e.ProviderID)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *DispatchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

// ConfigError describes a malformed configuration entry.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "quotarouter: config: " + e.Msg
	}
	return fmt.Sprintf("quotarouter: config: %s: %s", e.Field, e.Msg)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// IsFatal returns true if a provider error must not be retried on another provider.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrInvalidRequest)
}

// IsRetryable returns true if the caller may retry a failed dispatch later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAllProvidersExhausted) ||
		errors.Is(err, ErrUpstreamUnavailable) ||
		errors.Is(err, ErrQuotaStore)
}

// ReasonCode returns a stable snake_case code for a dispatch failure reason.
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAllProvidersExhausted):
		return "all_providers_exhausted"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrProviderRejected):
		return "provider_rejected"
	case errors.Is(err, ErrDispatchCanceled):
		return "canceled"
	case errors.Is(err, ErrQuotaStore):
		return "quota_store_unavailable"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return "internal"
	}
}
