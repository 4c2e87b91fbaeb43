package outbox

import (
	"context"
	"errors"

	"github.com/NordCoder/Herald/internal/domain/outbox"
	"github.com/NordCoder/Herald/internal/obs/retry"
)

// poisonError marks a message that no number of attempts can relay.
type poisonError struct{ err error }

func (e *poisonError) Error() string { return "poison message: " + e.err.Error() }
func (e *poisonError) Unwrap() error { return e.err }

func poison(err error) error { return &poisonError{err: err} }

// IsPoison reports whether err came from a message that should be dropped.
func IsPoison(err error) bool {
	var pe *poisonError
	return errors.As(err, &pe)
}

// WrapKindHandler retries h under p. Poison errors end the attempts at once.
func WrapKindHandler(h outbox.KindHandler, p retry.Policy) outbox.KindHandler {
	retryable := p.Retryable
	p.Retryable = func(err error) bool {
		if IsPoison(err) {
			return false
		}
		return retryable == nil || retryable(err)
	}
	return func(ctx context.Context, data []byte) error {
		return retry.Do(ctx, func() error { return h(ctx, data) }, p)
	}
}
