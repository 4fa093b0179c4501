package keyword

import "errors"

// ErrValidation is the root of every rejection caused by caller input.
// Management surfaces map it to a 4xx response; the registry is unchanged
// whenever it is returned.
var ErrValidation = errors.New("keyword: validation failed")

var (
	// ErrDuplicateKeyword is returned by Add when the name is already
	// enrolled or being enrolled.
	ErrDuplicateKeyword = validationError("keyword already exists")

	// ErrMissingPronunciation is returned by Add when no non-blank
	// pronunciation was given.
	ErrMissingPronunciation = validationError("at least one pronunciation is required")

	// ErrUnknownKeyword is returned when the named keyword is not enrolled.
	ErrUnknownKeyword = validationError("keyword not found")

	// ErrMissingName is returned by Add for a blank keyword name.
	ErrMissingName = validationError("keyword name must not be empty")
)

// ErrDimensionMismatch is returned by Add when a new embedding does not
// match the dimensionality of the enrolled keywords. It is a backend
// fault, not a validation error.
var ErrDimensionMismatch = errors.New("keyword: embedding dimension mismatch")

// kindError is a sentinel that also matches [ErrValidation] under errors.Is.
type kindError struct{ msg string }

func validationError(msg string) error { return &kindError{msg: msg} }

func (e *kindError) Error() string        { return "keyword: " + e.msg }
func (e *kindError) Is(target error) bool { return target == ErrValidation }
