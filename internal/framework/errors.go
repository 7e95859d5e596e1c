package framework

import (
	"errors"
	"fmt"
)

// ErrorCode classifies operator failures.
type ErrorCode int

const (
	CodeInvalidArgument ErrorCode = iota + 1
	CodeNotFound
	CodeUnimplemented
	CodePreconditionNotMet
)

var (
	ErrInvalidArgument    = errors.New("InvalidArgument")
	ErrNotFound           = errors.New("NotFound")
	ErrUnimplemented      = errors.New("Unimplemented")
	ErrPreconditionNotMet = errors.New("PreconditionNotMet")
)

var codeSentinels = map[ErrorCode]error{
	CodeInvalidArgument:    ErrInvalidArgument,
	CodeNotFound:           ErrNotFound,
	CodeUnimplemented:      ErrUnimplemented,
	CodePreconditionNotMet: ErrPreconditionNotMet,
}

// Error is a structured operator error. errors.Is matches it against the
// sentinel for its code.
type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("(%s) %s", codeSentinels[e.Code], e.Msg)
}

func (e *Error) Is(target error) bool {
	return codeSentinels[e.Code] == target
}

// InvalidArgument reports a malformed input or attribute.
func InvalidArgument(format string, args ...any) error {
	return &Error{Code: CodeInvalidArgument, Msg: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing input, output or attribute.
func NotFound(format string, args ...any) error {
	return &Error{Code: CodeNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Unimplemented(format string, args ...any) error {
	return &Error{Code: CodeUnimplemented, Msg: fmt.Sprintf(format, args...)}
}

func PreconditionNotMet(format string, args ...any) error {
	return &Error{Code: CodePreconditionNotMet, Msg: fmt.Sprintf(format, args...)}
}
