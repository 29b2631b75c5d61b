package RHModel

import "fmt"

type ErrorType string

const (
	EGeneral         ErrorType = "general error"
	EFrameTooLarge   ErrorType = "frame too large"
	EFrameTooShort   ErrorType = "frame too short"
	EBadCiphertext   ErrorType = "ciphertext is not block aligned"
	EChecksumInvalid ErrorType = "payload crc error"
	EAddressMismatch ErrorType = "packet is not addressed to this node"
	ESendTimeout     ErrorType = "no ack received"
	ETransmitTimeout ErrorType = "transmission did not complete"
	EClosed          ErrorType = "session is closed"
)

// Error carries its type, so errors.Is matches any two errors of the same type
type Error struct {
	Type ErrorType
	Err  error
}

var (
	ErrFrameTooLarge   = &Error{Type: EFrameTooLarge}
	ErrFrameTooShort   = &Error{Type: EFrameTooShort}
	ErrBadCiphertext   = &Error{Type: EBadCiphertext}
	ErrChecksumInvalid = &Error{Type: EChecksumInvalid}
	ErrAddressMismatch = &Error{Type: EAddressMismatch}
	ErrSendTimeout     = &Error{Type: ESendTimeout}
	ErrTransmitTimeout = &Error{Type: ETransmitTimeout}
	ErrClosed          = &Error{Type: EClosed}
)

func newError(t ErrorType, format string, args ...interface{}) *Error {
	return &Error{Type: t, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if nil == e.Err {
		return string(e.Type)
	}
	return string(e.Type) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Type == e.Type
}

func Dump(b []byte) string {
	var ret string
	for i := range b {
		ret += fmt.Sprintf("%02X ", b[i])
	}
	return ret
}
