package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a unique error code for categorizing errors
type ErrorCode string

const (
	// Connection errors (1xxx)
	ErrCodeConnectionFailed   ErrorCode = "ANF1001"
	ErrCodeConnectionTimeout  ErrorCode = "ANF1002"
	ErrCodeNetworkUnavailable ErrorCode = "ANF1003"

	// Configuration errors (2xxx)
	ErrCodeConfigNotFound ErrorCode = "ANF2001"
	ErrCodeConfigInvalid  ErrorCode = "ANF2002"

	// Version control errors (3xxx)
	ErrCodeCredentials         ErrorCode = "ANF3001"
	ErrCodeHTTPSCredentials    ErrorCode = "ANF3002"
	ErrCodeProjectLayout       ErrorCode = "ANF3003"
	ErrCodeConcurrentOperation ErrorCode = "ANF3004"
	ErrCodeLicensing           ErrorCode = "ANF3005"
	ErrCodeProtectedBranch     ErrorCode = "ANF3006"
	ErrCodeRepoNotFound        ErrorCode = "ANF3007"
	ErrCodeBranchNotFound      ErrorCode = "ANF3008"
	ErrCodeGitOperation        ErrorCode = "ANF3009"
	ErrCodePushFailed          ErrorCode = "ANF3010"

	// Database errors (4xxx)
	ErrCodeSQLExecution ErrorCode = "ANF4001"
	ErrCodeNoResults    ErrorCode = "ANF4002"

	// File system errors (5xxx)
	ErrCodeFileNotFound   ErrorCode = "ANF5001"
	ErrCodeFilePermission ErrorCode = "ANF5002"
	ErrCodeFileOperation  ErrorCode = "ANF5003"

	// Validation errors (6xxx)
	ErrCodeValidationFailed ErrorCode = "ANF6001"
	ErrCodeInvalidInput     ErrorCode = "ANF6002"

	// System errors (9xxx)
	ErrCodeInternal           ErrorCode = "ANF9001"
	ErrCodeTimeout            ErrorCode = "ANF9002"
	ErrCodeResourceExhausted  ErrorCode = "ANF9003"
	ErrCodeServiceUnavailable ErrorCode = "ANF9004"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	SeverityCritical ErrorSeverity = "CRITICAL" // System failure, requires immediate attention
	SeverityError    ErrorSeverity = "ERROR"    // Operation failed, but system continues
	SeverityWarning  ErrorSeverity = "WARNING"  // Operation succeeded with issues
	SeverityInfo     ErrorSeverity = "INFO"     // Informational, not an error
)

// AppError represents a structured application error with context
type AppError struct {
	Code        ErrorCode
	Message     string
	Severity    ErrorSeverity
	Context     map[string]interface{}
	Cause       error
	Stack       string
	Timestamp   time.Time
	Recoverable bool
	Suggestions []string
}

// Error implements the error interface
func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[%s] %s: %s", e.Code, e.Severity, e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf("\nCaused by: %v", e.Cause))
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\nSuggestions:")
		for i, suggestion := range e.Suggestions {
			b.WriteString(fmt.Sprintf("\n  %d. %s", i+1, suggestion))
		}
	}

	return b.String()
}

// Unwrap returns the cause of the error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:        code,
		Message:     message,
		Severity:    SeverityError,
		Context:     make(map[string]interface{}),
		Stack:       captureStack(),
		Timestamp:   time.Now(),
		Recoverable: false,
	}
}

// Wrap wraps an existing error with AppError
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}

	appErr := New(code, message)
	appErr.Cause = err

	// If wrapping another AppError, inherit some properties
	if ae, ok := err.(*AppError); ok {
		for k, v := range ae.Context {
			appErr.Context[k] = v
		}
	}

	return appErr
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSeverity sets the error severity
func (e *AppError) WithSeverity(severity ErrorSeverity) *AppError {
	e.Severity = severity
	return e
}

// WithSuggestions adds recovery suggestions
func (e *AppError) WithSuggestions(suggestions ...string) *AppError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// AsRecoverable marks the error as recoverable
func (e *AppError) AsRecoverable() *AppError {
	e.Recoverable = true
	return e
}

// captureStack captures the current stack trace
func captureStack() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])

	var b strings.Builder
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			b.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}

	return b.String()
}

// Common error constructors

// CredentialsError indicates that the supplied repository credentials do not
// grant the required read and write permissions.
func CredentialsError(message string, cause error) *AppError {
	err := New(ErrCodeCredentials, message)
	err.Cause = cause
	return err.WithSuggestions(
		"Verify the credentials are correct",
		"Ask the repository administrator for write permissions",
	)
}

// HTTPSCredentialsError indicates an incorrect password or a missing username
// for an HTTPS remote.
func HTTPSCredentialsError(message string) *AppError {
	return New(ErrCodeHTTPSCredentials, message).
		WithSuggestions(
			"Check the username and password for the remote repository",
			"Update the stored credentials and try again",
		)
}

// ProjectLayoutError indicates that a connected repository or branch does not
// contain the required project files.
func ProjectLayoutError(message string, missingPath string) *AppError {
	return New(ErrCodeProjectLayout, message).
		WithContext("missing_path", missingPath).
		WithSuggestions(
			fmt.Sprintf("Add the missing file or directory '%s' to the branch", missingPath),
			"Connect a branch which contains a valid project layout",
		)
}

// ConcurrentOperationError indicates that another worker currently holds the
// global version control lock.
func ConcurrentOperationError(operation string) *AppError {
	return New(ErrCodeConcurrentOperation,
		fmt.Sprintf("Another Git operation is already in progress, '%s' was not started", operation)).
		WithSeverity(SeverityWarning).
		AsRecoverable().
		WithSuggestions("Wait a moment and try again")
}

// LicensingError indicates a feature which is not covered by the installed
// product tier.
func LicensingError(message string) *AppError {
	return New(ErrCodeLicensing, message)
}

// ProtectedBranchError indicates an attempted commit to a protected target
// branch.
func ProtectedBranchError(branch string) *AppError {
	return New(ErrCodeProtectedBranch,
		fmt.Sprintf("'%s' is a protected branch. You cannot commit and push changes to this branch.", branch)).
		WithContext("branch", branch).
		WithSuggestions("Commit to a different branch and open a merge request instead")
}

// ConnectionError creates a connection-related error
func ConnectionError(message string, cause error) *AppError {
	return Wrap(cause, ErrCodeConnectionFailed, message).
		WithSeverity(SeverityError).
		WithSuggestions(
			"Check your network connection",
			"Verify the database endpoint is reachable",
		)
}

// ValidationError creates a validation error
func ValidationError(field string, value interface{}, reason string) *AppError {
	return New(ErrCodeValidationFailed, fmt.Sprintf("Validation failed for %s: %s", field, reason)).
		WithContext("field", field).
		WithContext("value", value).
		WithSeverity(SeverityWarning).
		AsRecoverable()
}

// IsRecoverable checks if an error is recoverable
func IsRecoverable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Recoverable
	}
	return false
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
