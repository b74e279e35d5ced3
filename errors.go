package kdmsg

import (
	"errors"
	"fmt"
)

// Framing errors. Any of these ends the connection.
var ErrBadMagic = fmt.Errorf("kdmsg: bad magic in message header")
var ErrWrongEndian = fmt.Errorf("kdmsg: byte-swapped magic in message header; peer has the wrong endianness")
var ErrHeaderSize = fmt.Errorf("kdmsg: header size field out of bounds")
var ErrHeaderTooLarge = fmt.Errorf("kdmsg: header extension too large to encode")
var ErrAuxTooLarge = fmt.Errorf("kdmsg: aux payload too large")
var ErrHeaderCRC = fmt.Errorf("kdmsg: header checksum mismatch")
var ErrAuxCRC = fmt.Errorf("kdmsg: aux checksum mismatch")
var ErrAuxLength = fmt.Errorf("kdmsg: aux length does not match its header")
var ErrDecompress = fmt.Errorf("kdmsg: could not decompress aux payload")

var framingErrors = []error{ErrBadMagic, ErrWrongEndian, ErrHeaderSize,
	ErrHeaderTooLarge, ErrAuxTooLarge, ErrHeaderCRC, ErrAuxCRC, ErrAuxLength, ErrDecompress}

// isFramingError tells a corrupt stream from a broken one.
func isFramingError(err error) bool {
	for _, fe := range framingErrors {
		if errors.Is(err, fe) {
			return true
		}
	}
	return false
}

// Transaction state machine outcomes.
var ErrDuplicateTransaction = fmt.Errorf("kdmsg: duplicate transaction")
var ErrNoSuchTransaction = fmt.Errorf("kdmsg: no such transaction")

// ErrAlreadyClosed is the benign result: the message
// races a close (or an abort of something never opened)
// and is silently discarded.
var ErrAlreadyClosed = fmt.Errorf("kdmsg: transaction already closed")

// ErrProtocol covers any other protocol-shape violation.
var ErrProtocol = fmt.Errorf("kdmsg: protocol violation")

// ErrUnknownCircuit drops the single message naming it.
var ErrUnknownCircuit = fmt.Errorf("kdmsg: unknown circuit")

var ErrShutdown = fmt.Errorf("kdmsg: connection shutting down")
var ErrLostLink = fmt.Errorf("kdmsg: link lost")

// Wire error codes, carried in the header error field.
// Values below 0x20 are left to applications.
const (
	ErrCodeNoSupp   uint32 = 0x20
	ErrCodeLostLink uint32 = 0x21
	ErrCodeIO       uint32 = 0x22
	ErrCodeParam    uint32 = 0x23
	ErrCodeCantCirc uint32 = 0x24
)

// ErrCodeString names a wire error code.
func ErrCodeString(code uint32) string {
	switch code {
	case 0:
		return "OK"
	case ErrCodeNoSupp:
		return "NOSUPP"
	case ErrCodeLostLink:
		return "LOSTLINK"
	case ErrCodeIO:
		return "IO"
	case ErrCodeParam:
		return "PARAM"
	case ErrCodeCantCirc:
		return "CANTCIRC"
	}
	return fmt.Sprintf("ERR(0x%x)", code)
}

// CodeError lets a receive callback choose the wire
// error code used when the engine closes the transaction
// on its behalf.
type CodeError struct {
	Code uint32
	Err  error
}

func (e *CodeError) Error() string {
	if e.Err == nil {
		return ErrCodeString(e.Code)
	}
	return fmt.Sprintf("%v (%v)", e.Err, ErrCodeString(e.Code))
}

func (e *CodeError) Unwrap() error { return e.Err }

// errCode picks the wire code for err: the one a CodeError
// carries, else ErrCodeIO.
func errCode(err error) uint32 {
	var ce *CodeError
	if errors.As(err, &ce) && ce.Code != 0 {
		return ce.Code
	}
	return ErrCodeIO
}

// Outcome is the connection-level policy for an error
// returned by the codec or the state machine.
type Outcome int

const (
	OutcomeContinue Outcome = 0
	OutcomeDiscard  Outcome = 1
	OutcomeFatal    Outcome = 2
)

func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "continue"
	case OutcomeDiscard:
		return "discard"
	case OutcomeFatal:
		return "fatal"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Classify maps err onto continue/discard/fatal. Only the
// connection loops act on OutcomeFatal.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeContinue
	case errors.Is(err, ErrAlreadyClosed), errors.Is(err, ErrUnknownCircuit):
		return OutcomeDiscard
	}
	return OutcomeFatal
}
