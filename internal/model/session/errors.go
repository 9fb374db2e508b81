package session

import "errors"

// Error kinds shared by the coordinator, the HTTP layer and the client.
var (
	ErrDecode          = errors.New("unreadable or unsupported image")
	ErrAnalysis        = errors.New("image analysis failed")
	ErrSessionNotFound = errors.New("session not found")
	ErrGeneration      = errors.New("reply generation failed")
	ErrValidation      = errors.New("invalid request")
	ErrConflict        = errors.New("conversation changed by a concurrent turn, retry")

	// ErrSessionExists is returned by stores when Create hits a live id.
	ErrSessionExists = errors.New("session already exists")
)

// Error codes carried in HTTP error bodies.
const (
	CodeDecode          = "decode_error"
	CodeAnalysis        = "analysis_error"
	CodeSessionNotFound = "session_not_found"
	CodeGeneration      = "generation_error"
	CodeValidation      = "validation_error"
	CodeConflict        = "conflict_error"
)

// Code maps an error onto its wire code. Unknown errors map to "".
func Code(err error) string {
	switch {
	case errors.Is(err, ErrDecode):
		return CodeDecode
	case errors.Is(err, ErrAnalysis):
		return CodeAnalysis
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrGeneration):
		return CodeGeneration
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrConflict):
		return CodeConflict
	default:
		return ""
	}
}

// FromCode is the inverse of Code. It returns nil for unknown codes.
func FromCode(code string) error {
	switch code {
	case CodeDecode:
		return ErrDecode
	case CodeAnalysis:
		return ErrAnalysis
	case CodeSessionNotFound:
		return ErrSessionNotFound
	case CodeGeneration:
		return ErrGeneration
	case CodeValidation:
		return ErrValidation
	case CodeConflict:
		return ErrConflict
	default:
		return nil
	}
}
