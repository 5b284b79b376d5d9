package replica

import (
	"errors"
	"fmt"
)

var (
	ErrStaleMessage          = errors.New("stale message")
	ErrUnapplicableOperation = errors.New("unapplicable operation")
	ErrChannelFailure        = errors.New("channel failure")
	ErrBufferOverflow        = errors.New("pending buffer overflow")
	ErrBufferExpired         = errors.New("pending buffer expired")
	ErrSequenceGap           = errors.New("sequence gap")
)

// OpError reports the operation that could not be applied. Position is the
// operation's offset within the list handed to Apply.
type OpError struct {
	Position int
	Op       Operation
	Reason   string
}

func (e *OpError) Error() string {
	return fmt.Sprintf("op %d (%s %s): %s", e.Position, e.Op.Op, FormatPath(e.Op.Path), e.Reason)
}

func (e *OpError) Is(target error) bool {
	return target == ErrUnapplicableOperation
}

// StaleError describes a delta whose index is below the last applied index.
type StaleError struct {
	Index       uint64
	LastApplied uint64
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("stale message: index %d below last applied %d", e.Index, e.LastApplied)
}

func (e *StaleError) Is(target error) bool {
	return target == ErrStaleMessage
}

// GapError reports a hole between the last applied index and the next
// buffered record.
type GapError struct {
	After uint64
	Next  uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("sequence gap: expected at most %d, got %d", e.After+1, e.Next)
}

func (e *GapError) Is(target error) bool {
	return target == ErrSequenceGap
}
