// Package notify defines the delivery boundary between the tracker and
// the chat transport.
package notify

import (
	"context"
	"errors"

	"relbot/internal/release"
)

// Note is one release announcement addressed to a subscriber.
type Note struct {
	Subscriber int64
	Repo       release.Repo
	Release    release.Descriptor
	Forced     bool
}

// Sink delivers notes. The tracker attempts each note exactly once:
// unreachable subscribers are dropped silently, any other failure is
// logged and not retried.
//
// Implementations signal a permanently unreachable subscriber (blocked
// the bot, deactivated account) by returning an error wrapping
// ErrUnreachable.
type Sink interface {
	Deliver(ctx context.Context, note Note) error
}

// ErrUnreachable marks a subscriber that can never be delivered to.
var ErrUnreachable = errors.New("subscriber unreachable")

func IsUnreachable(err error) bool { return errors.Is(err, ErrUnreachable) }

// Func adapts a function to the Sink interface.
type Func func(ctx context.Context, note Note) error

func (f Func) Deliver(ctx context.Context, note Note) error { return f(ctx, note) }
