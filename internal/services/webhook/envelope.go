package webhook

import (
	"encoding/json"
	"time"

	"github.com/NordCoder/Herald/internal/domain/notification"
)

type Source struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Envelope is the JSON document every outbound webhook carries.
type Envelope struct {
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Source    Source          `json:"source"`
}

// Encode wraps data into an envelope. The returned bytes are what gets signed and sent.
func Encode(event string, data json.RawMessage, src Source, at time.Time) ([]byte, error) {
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	return json.Marshal(Envelope{
		Event:     event,
		Timestamp: at.UTC().Format(time.RFC3339),
		Data:      data,
		Source:    src,
	})
}

// notificationData is the payload body when set, otherwise the notification's
// identity and metadata.
func notificationData(n *notification.Notification, p *notification.WebhookPayload) (json.RawMessage, error) {
	if len(p.Body) > 0 {
		return p.Body, nil
	}
	return json.Marshal(struct {
		NotificationID string            `json:"notification_id"`
		Priority       string            `json:"priority"`
		Metadata       map[string]string `json:"metadata,omitempty"`
	}{n.ID, string(n.Priority), n.Metadata})
}
