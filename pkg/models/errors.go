package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInvalidState      = errors.New("invalid state")
	ErrTransferFailed    = errors.New("transfer failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	// ErrAlreadyApplied marks a stats entry that was reconciled earlier. It is a no-op signal.
	ErrAlreadyApplied = errors.New("already applied")
)

const (
	CodeInvalidTransition = "InvalidTransition"
	CodeInvalidState      = "InvalidState"
	CodeTransferFailed    = "TransferFailed"
	CodeNotFound          = "NotFound"
	CodeInvalidArgument   = "InvalidArgument"
	CodeAlreadyApplied    = "AlreadyApplied"
	CodeInternal          = "Internal"
)

var codes = []struct {
	code string
	err  error
}{
	{CodeInvalidTransition, ErrInvalidTransition},
	{CodeInvalidState, ErrInvalidState},
	{CodeTransferFailed, ErrTransferFailed},
	{CodeNotFound, ErrNotFound},
	{CodeInvalidArgument, ErrInvalidArgument},
	{CodeAlreadyApplied, ErrAlreadyApplied},
}

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// ErrorFromCode rebuilds an error received over the wire so errors.Is keeps working.
func ErrorFromCode(code, message string) error {
	for _, c := range codes {
		if c.code == code {
			return fmt.Errorf("%w: %s", c.err, strings.TrimPrefix(message, c.err.Error()+": "))
		}
	}
	return errors.New(message)
}
