package trace

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// ErrorKind classifies a misuse of the recording API by the host engine.
type ErrorKind int

const (
	// UnbalancedFrame is an end-instruction call with no open instruction.
	UnbalancedFrame ErrorKind = iota + 1
	// EmptySignatureList is a start-transaction call without any signature.
	EmptySignatureList
	// NoActiveInstruction is a change recorded while no instruction is open.
	NoActiveInstruction
	// UnclosedFrames is a transaction finished with instructions still open.
	UnclosedFrames
	// InvalidLogMessage is a log message that is not valid UTF-8.
	InvalidLogMessage
)

func (k ErrorKind) String() string {
	switch k {
	case UnbalancedFrame:
		return "unbalanced_frame"
	case EmptySignatureList:
		return "empty_signature_list"
	case NoActiveInstruction:
		return "no_active_instruction"
	case UnclosedFrames:
		return "unclosed_frames"
	case InvalidLogMessage:
		return "invalid_log_message"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching on the error kind.
var (
	ErrUnbalancedFrame     = &ProtocolError{Kind: UnbalancedFrame}
	ErrEmptySignatureList  = &ProtocolError{Kind: EmptySignatureList}
	ErrNoActiveInstruction = &ProtocolError{Kind: NoActiveInstruction}
	ErrUnclosedFrames      = &ProtocolError{Kind: UnclosedFrames}
	ErrInvalidLogMessage   = &ProtocolError{Kind: InvalidLogMessage}
)

// ProtocolError reports that the host engine called the recorder out of order.
// It never corrupts other transactions; the offending transaction is quarantined.
type ProtocolError struct {
	Kind        ErrorKind
	Transaction solana.Signature
	Detail      string
}

func (e *ProtocolError) Error() string {
	msg := "protocol error: " + e.Kind.String()
	if e.Transaction != (solana.Signature{}) {
		msg += fmt.Sprintf(" (transaction %s)", e.Transaction)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is matches any *ProtocolError of the same kind.
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}
