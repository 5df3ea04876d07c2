package extraction

import "fmt"

// ErrorCode represents specific extraction error types.
type ErrorCode string

const (
	ErrExtractorUnavailable ErrorCode = "EXTRACTOR_UNAVAILABLE"
	ErrExtractorTimeout     ErrorCode = "EXTRACTOR_TIMEOUT"
	ErrExtractorRateLimited ErrorCode = "EXTRACTOR_RATE_LIMITED"
	ErrMalformedResponse    ErrorCode = "MALFORMED_RESPONSE"
	ErrNotConfigured        ErrorCode = "NOT_CONFIGURED"
)

// ExtractionError is a structured error for extractor failures.
type ExtractionError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

func (e *ExtractionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ExtractionError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether this error is retryable.
func (e *ExtractionError) IsRetryable() bool {
	return e.Retryable
}
