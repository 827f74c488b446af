package stomp

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection covers connection-level failures: not connected,
	// already connected, unexpected loss, heart-beat timeout.
	ErrConnection = errors.New("connection error")
	// ErrProtocol covers unexpected ERROR frames and unknown commands.
	ErrProtocol = errors.New("protocol error")
	// ErrCancelled is the base of every timed-out or cancelled wait.
	ErrCancelled = errors.New("cancelled")
	// ErrAlreadyInProgress signals a duplicate correlation key or a
	// concurrent call to an exclusive operation.
	ErrAlreadyInProgress = errors.New("operation already in progress")
	// ErrUnknownSubscription signals an unsubscribe for a token the
	// session does not know.
	ErrUnknownSubscription = errors.New("unknown subscription")
	// ErrInvalidHandler signals a subscribe without a message handler.
	ErrInvalidHandler = errors.New("handler is missing")

	ErrNotConnected     = fmt.Errorf("not connected: %w", ErrConnection)
	ErrAlreadyConnected = fmt.Errorf("already connected: %w", ErrConnection)
)

func connectionError(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrConnection)...)
}

func protocolError(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrProtocol)...)
}

func cancelledError(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrCancelled)...)
}
