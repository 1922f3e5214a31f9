package chat

import (
	"errors"
	"fmt"
)

// ProtocolError is returned by a handler when an event arrives that the current message list cannot
// accept, such as a mid-stream chunk with no open stream. The list is left as it was before the event.
type ProtocolError struct {
	Op     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("chat protocol error in %s: %s", e.Op, e.Reason)
}

// ErrQueueClosed is returned when pushing to a queue whose consumer has stopped.
var ErrQueueClosed = errors.New("chat queue closed")
