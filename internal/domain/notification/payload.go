package notification

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"
)

// Payload is the channel-specific part of a notification. The set of
// implementations is closed: only the variants below satisfy it.
type Payload interface {
	Channel() Channel
	Validate() error
	clone() Payload
}

type EmailPayload struct {
	To       string            `json:"to"`
	From     string            `json:"from,omitempty"`
	Subject  string            `json:"subject"`
	Body     string            `json:"body,omitempty"`
	Template string            `json:"template,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
}

type WebhookPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Secret  string            `json:"secret,omitempty"`
	// Timeout travels as a duration string such as "5s".
	Timeout time.Duration `json:"-"`
}

// MinWebhookTimeout is the shortest per-attempt timeout a payload may ask for.
const MinWebhookTimeout = time.Millisecond

type SlackAttachment struct {
	Title string `json:"title,omitempty"`
	Text  string `json:"text,omitempty"`
	Color string `json:"color,omitempty"`
}

type SlackPayload struct {
	ChannelName string            `json:"channel,omitempty"`
	Message     string            `json:"message"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type SMSPayload struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type InAppPayload struct {
	UserID    string     `json:"user_id"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	ActionURL string     `json:"action_url,omitempty"`
	Category  string     `json:"category,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (*EmailPayload) Channel() Channel   { return ChannelEmail }
func (*WebhookPayload) Channel() Channel { return ChannelWebhook }
func (*SlackPayload) Channel() Channel   { return ChannelSlack }
func (*SMSPayload) Channel() Channel     { return ChannelSMS }
func (*InAppPayload) Channel() Channel   { return ChannelInApp }

func (p *EmailPayload) Validate() error {
	if _, err := mail.ParseAddress(p.To); err != nil {
		return fmt.Errorf("%w: email recipient %q: %v", ErrInvalidPayload, p.To, err)
	}
	if strings.TrimSpace(p.Subject) == "" {
		return fmt.Errorf("%w: email subject is empty", ErrInvalidPayload)
	}
	if p.Body == "" && p.Template == "" {
		return fmt.Errorf("%w: email needs a body or a template", ErrInvalidPayload)
	}
	return nil
}

// Validate accepts an empty URL: the dispatcher fills it from configured endpoints.
func (p *WebhookPayload) Validate() error {
	if p.URL != "" {
		u, err := url.Parse(p.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: webhook url %q", ErrInvalidPayload, p.URL)
		}
	}
	if len(p.Body) > 0 && !json.Valid(p.Body) {
		return fmt.Errorf("%w: webhook body is not valid json", ErrInvalidPayload)
	}
	if p.Timeout < 0 || (p.Timeout > 0 && p.Timeout < MinWebhookTimeout) {
		return fmt.Errorf("%w: webhook timeout %s is below %s", ErrInvalidPayload, p.Timeout, MinWebhookTimeout)
	}
	return nil
}

func (p *SlackPayload) Validate() error {
	if strings.TrimSpace(p.Message) == "" && len(p.Attachments) == 0 {
		return fmt.Errorf("%w: slack message is empty", ErrInvalidPayload)
	}
	return nil
}

func (p *SMSPayload) Validate() error {
	phone := strings.TrimPrefix(strings.TrimSpace(p.Phone), "+")
	if len(phone) < 7 || strings.Trim(phone, "0123456789") != "" {
		return fmt.Errorf("%w: sms phone %q", ErrInvalidPayload, p.Phone)
	}
	if strings.TrimSpace(p.Message) == "" {
		return fmt.Errorf("%w: sms message is empty", ErrInvalidPayload)
	}
	return nil
}

func (p *InAppPayload) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: in-app user id is empty", ErrInvalidPayload)
	}
	if p.Title == "" && p.Message == "" {
		return fmt.Errorf("%w: in-app notification is empty", ErrInvalidPayload)
	}
	return nil
}

func (p *EmailPayload) clone() Payload {
	cp := *p
	cp.Data = cloneMap(p.Data)
	return &cp
}

func (p *WebhookPayload) clone() Payload {
	cp := *p
	cp.Headers = cloneMap(p.Headers)
	if p.Body != nil {
		cp.Body = append(json.RawMessage(nil), p.Body...)
	}
	return &cp
}

func (p *SlackPayload) clone() Payload {
	cp := *p
	if p.Attachments != nil {
		cp.Attachments = append([]SlackAttachment(nil), p.Attachments...)
	}
	return &cp
}

func (p *SMSPayload) clone() Payload {
	cp := *p
	return &cp
}

func (p *InAppPayload) clone() Payload {
	cp := *p
	cp.ExpiresAt = cloneTime(p.ExpiresAt)
	return &cp
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// EncodePayload serialises only the variant data; the channel travels alongside it.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	return json.Marshal(p)
}

func DecodePayload(c Channel, data []byte) (Payload, error) {
	var p Payload
	switch c {
	case ChannelEmail:
		p = &EmailPayload{}
	case ChannelWebhook:
		p = &WebhookPayload{}
	case ChannelSlack:
		p = &SlackPayload{}
	case ChannelSMS:
		p = &SMSPayload{}
	case ChannelInApp:
		p = &InAppPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidPayload, c)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty %s payload", ErrInvalidPayload, c)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrInvalidPayload, c, err)
	}
	return p, nil
}

type webhookAlias WebhookPayload

type webhookJSON struct {
	webhookAlias
	Timeout json.RawMessage `json:"timeout,omitempty"`
}

func (p WebhookPayload) MarshalJSON() ([]byte, error) {
	out := webhookJSON{webhookAlias: webhookAlias(p)}
	if p.Timeout != 0 {
		b, err := json.Marshal(p.Timeout.String())
		if err != nil {
			return nil, err
		}
		out.Timeout = b
	}
	return json.Marshal(out)
}

// UnmarshalJSON refuses a bare number for timeout: its unit would be a guess.
func (p *WebhookPayload) UnmarshalJSON(b []byte) error {
	var raw webhookJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*p = WebhookPayload(raw.webhookAlias)
	p.Timeout = 0
	if len(raw.Timeout) == 0 || string(raw.Timeout) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw.Timeout, &s); err != nil {
		return fmt.Errorf("%w: webhook timeout must be a duration string such as \"5s\"", ErrInvalidPayload)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: webhook timeout %q: %v", ErrInvalidPayload, s, err)
	}
	p.Timeout = d
	return nil
}

type channelRequestJSON struct {
	Channel Channel         `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func (r ChannelRequest) MarshalJSON() ([]byte, error) {
	data, err := EncodePayload(r.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(channelRequestJSON{Channel: r.Channel, Data: data})
}

func (r *ChannelRequest) UnmarshalJSON(b []byte) error {
	var raw channelRequestJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	p, err := DecodePayload(raw.Channel, raw.Data)
	if err != nil {
		return err
	}
	r.Channel = raw.Channel
	r.Payload = p
	return nil
}

// notificationAlias drops the JSON methods of Notification to avoid recursion.
type notificationAlias Notification

type notificationJSON struct {
	notificationAlias
	Payload json.RawMessage `json:"payload"`
}

func (n Notification) MarshalJSON() ([]byte, error) {
	var data json.RawMessage
	if n.Payload != nil {
		b, err := EncodePayload(n.Payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(notificationJSON{notificationAlias: notificationAlias(n), Payload: data})
}

func (n *Notification) UnmarshalJSON(b []byte) error {
	var raw notificationJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*n = Notification(raw.notificationAlias)
	if len(raw.Payload) > 0 && string(raw.Payload) != "null" {
		p, err := DecodePayload(n.Channel, raw.Payload)
		if err != nil {
			return err
		}
		n.Payload = p
	}
	return nil
}
