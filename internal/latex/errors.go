package latex

import (
	"errors"

	"texrender/internal/latex/compiler"
)

// Failure codes reported to callers and stored in history.
const (
	CodeValidation    = "VALIDATION_ERROR"
	CodeInputTooLong  = "INPUT_TOO_LONG"
	CodeForbidden     = "FORBIDDEN_CONSTRUCT"
	CodeCompilation   = "COMPILATION_FAILED"
	CodeRasterization = "RASTERIZATION_FAILED"
	CodeInternal      = "INTERNAL_ERROR"
)

var ErrValidation = errors.New("validation error")

// ValidationError reports a request field the service refuses to process.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// CompilationError is a failed or timed-out engine run. Log holds the
// complete engine output; callers decide how much of it to surface.
type CompilationError struct {
	Log      string
	Summary  string
	TimedOut bool
}

func (e *CompilationError) Error() string {
	if e.TimedOut {
		return "LaTeX compilation timed out"
	}
	return "LaTeX compilation failed: " + e.Summary
}

// RasterizationError is a failed or timed-out PDF to PNG conversion.
type RasterizationError struct {
	Log      string
	TimedOut bool
}

func (e *RasterizationError) Error() string {
	if e.TimedOut {
		return "PDF to PNG conversion timed out"
	}
	return "PDF to PNG conversion failed"
}

// ErrorCode classifies err into one of the Code constants.
func ErrorCode(err error) string {
	var (
		tooLong   *compiler.InputTooLongError
		forbidden *compiler.ForbiddenConstructError
		compErr   *CompilationError
		rastErr   *RasterizationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &tooLong):
		return CodeInputTooLong
	case errors.As(err, &forbidden):
		return CodeForbidden
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.As(err, &compErr):
		return CodeCompilation
	case errors.As(err, &rastErr):
		return CodeRasterization
	default:
		return CodeInternal
	}
}

// IsRejection reports whether err refused the input before any external
// process ran.
func IsRejection(err error) bool {
	switch ErrorCode(err) {
	case CodeValidation, CodeInputTooLong, CodeForbidden:
		return true
	}
	return false
}
