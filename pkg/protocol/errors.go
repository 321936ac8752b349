package protocol

import (
	"context"
	"errors"
)

var (
	// ErrProtocolViolation is returned when a peer sends bytes that break the
	// framing rules: out-of-range frame or chunk lengths, malformed headers.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrDisconnected is returned when the stream ends or the socket fails.
	ErrDisconnected = errors.New("connection lost")

	// ErrTransferIntegrity is returned when a chunk stream ends before the
	// declared file size was received.
	ErrTransferIntegrity = errors.New("transfer integrity")

	// ErrUnknownMessage is returned for a well-framed payload whose type is
	// not JOIN, MSG or FILE.
	ErrUnknownMessage = errors.New("unknown message type")

	// ErrClosed is returned by operations on a connection that is already closed.
	ErrClosed = errors.New("connection closed")
)

// Outcome classifies the result of a protocol operation.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeDisconnected
	OutcomeProtocolViolation
	OutcomeTransferIntegrity
	OutcomeCanceled
	OutcomeFailed
)

// String returns the string representation of Outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeDisconnected:
		return "disconnected"
	case OutcomeProtocolViolation:
		return "protocol_violation"
	case OutcomeTransferIntegrity:
		return "transfer_integrity"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "failed"
	}
}

// OutcomeOf maps err onto the error taxonomy.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrProtocolViolation):
		return OutcomeProtocolViolation
	case errors.Is(err, ErrTransferIntegrity):
		return OutcomeTransferIntegrity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	case errors.Is(err, ErrDisconnected), errors.Is(err, ErrClosed):
		return OutcomeDisconnected
	default:
		return OutcomeFailed
	}
}
