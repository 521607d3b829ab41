package httperr

import "errors"

type BadRequestError struct {
	msg string
}

func (e *BadRequestError) Error() string { return e.msg }

func NewBadRequest(msg string) error { return &BadRequestError{msg: msg} }

func IsBadRequest(err error) bool {
	_, ok := errors.AsType[*BadRequestError](err)
	return ok
}

// BusyError marks a failed non-waiting lock acquisition. Callers should
// retry with backoff instead of treating it as terminal.
type BusyError struct {
	msg string
}

func (e *BusyError) Error() string { return e.msg }

func NewBusy(msg string) error { return &BusyError{msg: msg} }

func IsBusy(err error) bool {
	_, ok := errors.AsType[*BusyError](err)
	return ok
}
