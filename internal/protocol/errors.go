package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Code is the wire error code sent after "ERR:".
type Code string

const (
	CodeSyntax        Code = "PROTOCOL_SYNTAX_ERROR"
	CodeUnknownCmd    Code = "UNKNOWN_COMMAND"
	CodeAccessDenied  Code = "OPERATION_ACCESS_DENIED"
	CodeQueueNotFound Code = "QUEUE_NOT_FOUND"
	CodeClientVersion Code = "CLIENT_VERSION"
	CodeJobNotFound   Code = "JOB_NOT_FOUND"
	CodeInvalidStatus Code = "INVALID_JOB_STATUS"
	CodeShuttingDown  Code = "SHUTTING_DOWN"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeStorage       Code = "STORAGE_ERROR"
)

// Error is a protocol level failure carrying its wire code.
type Error struct {
	Code Code
	Msg  string
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Msg
}

// Line renders the error as a reply line.
func (e *Error) Line() string {
	if e.Msg == "" {
		return ErrPrefix + string(e.Code)
	}
	return ErrPrefix + string(e.Code) + ":" + oneLine(e.Msg)
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code Code) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == code
}

// ParseErrorLine turns an "ERR:..." reply back into an *Error.
func ParseErrorLine(line string) *Error {
	body := strings.TrimPrefix(line, ErrPrefix)
	code, msg, _ := strings.Cut(body, ":")
	return &Error{Code: Code(code), Msg: msg}
}

func oneLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
