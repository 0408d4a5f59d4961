package config

import "fmt"

// Error is a configuration error with section and option context.
type Error struct {
	Section string
	Option  string
	Message string
}

func (e *Error) Error() string {
	if e.Option != "" {
		return fmt.Sprintf("option %q in section [%s]: %s", e.Option, e.Section, e.Message)
	}
	if e.Section != "" {
		return fmt.Sprintf("section [%s]: %s", e.Section, e.Message)
	}
	return e.Message
}

// NewError creates an Error.
func NewError(section, option, message string) *Error {
	return &Error{Section: section, Option: option, Message: message}
}

// ErrMissingSection reports a missing required section.
func ErrMissingSection(section string) *Error {
	return &Error{Section: section, Message: "section not found"}
}

// ErrMissingOption reports a required but absent option.
func ErrMissingOption(section, option string) *Error {
	return &Error{Section: section, Option: option, Message: "must be specified"}
}

// ErrInvalidValue reports a value that fails to parse.
func ErrInvalidValue(section, option, value, expected string) *Error {
	return &Error{
		Section: section,
		Option:  option,
		Message: fmt.Sprintf("invalid value %q, expected %s", value, expected),
	}
}

// ErrOutOfRange reports a value outside its allowed range.
func ErrOutOfRange(section, option string, value float64, constraint string) *Error {
	return &Error{
		Section: section,
		Option:  option,
		Message: fmt.Sprintf("value %v %s", value, constraint),
	}
}

// ErrInvalidChoice reports a value not in the allowed set.
func ErrInvalidChoice(section, option, value string, choices []string) *Error {
	return &Error{
		Section: section,
		Option:  option,
		Message: fmt.Sprintf("%q is not a valid choice (valid: %v)", value, choices),
	}
}
