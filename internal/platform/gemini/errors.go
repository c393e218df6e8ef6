package gemini

// Error definitions for the gemini package.

import "errors"

var (
	// ErrInvalidConfig is returned when the classifier configuration is
	// incomplete or inconsistent.
	ErrInvalidConfig = errors.New("invalid classifier configuration")

	// ErrContentBlocked is returned when the model refuses the prompt on
	// safety grounds. Retrying the same item cannot help.
	ErrContentBlocked = errors.New("content blocked by safety filters")

	// ErrInvalidResponse is returned when the model reply cannot be parsed
	// into a verdict.
	ErrInvalidResponse = errors.New("invalid model response")
)
