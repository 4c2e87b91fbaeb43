package sender

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/NordCoder/Herald/internal/domain/notification"
)

type classified struct {
	err       error
	retryable bool
}

func (e *classified) Error() string { return e.err.Error() }
func (e *classified) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err}
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, retryable: true}
}

// Retryable reports whether err is worth another attempt. Unclassified
// network errors and timeouts are; anything else unclassified is not.
func Retryable(err error) bool {
	var c *classified
	if errors.As(err, &c) {
		return c.retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// StatusRetryable is the HTTP classification shared by the HTTP-based senders.
func StatusRetryable(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func failed(n *notification.Notification, err error, attempts int) notification.ChannelResult {
	return notification.ChannelResult{
		NotificationID: n.ID,
		Channel:        n.Channel,
		Status:         notification.StatusFailed,
		Error:          err.Error(),
		Retryable:      Retryable(err),
		Attempts:       attempts,
	}
}

func succeeded(n *notification.Notification, status notification.Status, providerID string, at time.Time) notification.ChannelResult {
	res := notification.ChannelResult{
		NotificationID: n.ID,
		Channel:        n.Channel,
		Status:         status,
		Attempts:       1,
		ProviderID:     providerID,
	}
	if status == notification.StatusDelivered {
		res.DeliveredAt = &at
	}
	return res
}
