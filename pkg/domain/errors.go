package domain

import (
	"errors"
	"fmt"
)

// ErrBlockNotFound is returned when a block ID is unknown to the document.
var ErrBlockNotFound = errors.New("block not found")

// ErrAttributeNotFound is returned when a block has no attribute with the given name.
var ErrAttributeNotFound = errors.New("attribute not found")

// ErrAttributeExists is returned when creating an attribute that already exists.
var ErrAttributeExists = errors.New("attribute already exists")

// ErrUnknownTag is returned when an execution tag has no registered spec.
var ErrUnknownTag = errors.New("unknown execution tag")

// ErrIneligible is returned when enqueueing a candidate that carries a validation error.
var ErrIneligible = errors.New("candidate is not eligible for execution")

// ErrQueueClosed is returned when enqueueing on a closed queue.
var ErrQueueClosed = errors.New("execution queue closed")

// ErrorKind is the attribute-level error marker. The zero value means no error.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorInvalidVariableName
	ErrorInvalidValue
	ErrorUnexpected
)

var errorKindNames = map[ErrorKind]string{
	ErrorNone:                "",
	ErrorInvalidVariableName: "invalid-variable-name",
	ErrorInvalidValue:        "invalid-value",
	ErrorUnexpected:          "unexpected-error",
}

// String returns the wire name of the kind, or "" for ErrorNone.
func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// IsValidation reports whether the kind was produced by the validator.
// Validation errors block enqueue eligibility; backend failures do not.
func (k ErrorKind) IsValidation() bool {
	return k == ErrorInvalidVariableName || k == ErrorInvalidValue
}

// ParseErrorKind resolves a wire name. The empty string parses as ErrorNone.
func ParseErrorKind(s string) (ErrorKind, error) {
	for k, name := range errorKindNames {
		if name == s {
			return k, nil
		}
	}
	return ErrorNone, fmt.Errorf("unknown error kind %q", s)
}

// MarshalText encodes the kind as its wire name.
func (k ErrorKind) MarshalText() ([]byte, error) {
	if _, ok := errorKindNames[k]; !ok {
		return nil, fmt.Errorf("invalid error kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes a wire name.
func (k *ErrorKind) UnmarshalText(b []byte) error {
	parsed, err := ParseErrorKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Message returns a human explanation of the error for the given input type.
func (k ErrorKind) Message(inputType InputType) string {
	switch k {
	case ErrorInvalidVariableName:
		return "The variable name is invalid:\n" +
			"It should start with a letter or underscore, followed by letters, digits, or underscores. Spaces are not allowed."
	case ErrorInvalidValue:
		switch inputType {
		case InputTypeNumber:
			return "The value is invalid:\nIt should be a valid number."
		default:
			return "The value is invalid:\nIt should be a valid string."
		}
	case ErrorUnexpected:
		return "Unexpected error occurred while updating the input. Retry to run it again."
	}
	return ""
}

// ExecutionError is returned by a backend to report a failure with a specific kind.
// Any other error from a backend is reported as ErrorUnexpected.
type ExecutionError struct {
	Kind   ErrorKind
	Reason string
}

func (e *ExecutionError) Error() string {
	if e.Reason == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// FailureKind maps a backend error to the attribute error it should surface as.
func FailureKind(err error) ErrorKind {
	var execErr *ExecutionError
	if errors.As(err, &execErr) && execErr.Kind != ErrorNone {
		return execErr.Kind
	}
	return ErrorUnexpected
}
