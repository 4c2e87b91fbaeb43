package sender

import (
	"sort"
	"strings"
)

type EmailTemplate struct {
	Subject string
	Body    string
}

// DefaultTemplates covers the built-in event types. Placeholders use {{key}}.
var DefaultTemplates = map[string]EmailTemplate{
	"lead.captured": {
		Subject: "New lead: {{name}}",
		Body:    "A new lead was captured.\n\nName: {{name}}\nEmail: {{email}}\nCompany: {{company}}\nSource: {{source}}\n",
	},
	"welcome.sequence": {
		Subject: "Welcome, {{name}}",
		Body:    "Hi {{name}},\n\nThanks for signing up. Reply to this email if you have any questions.\n",
	},
	"demo.scheduled": {
		Subject: "Your demo is booked for {{date}}",
		Body:    "Hi {{name}},\n\nYour demo is scheduled for {{date}} at {{time}}.\nJoin here: {{link}}\n",
	},
	"payment.failed": {
		Subject: "Payment failed",
		Body:    "Hi {{name}},\n\nWe could not process your payment of {{amount}} {{currency}}. Please update your billing details.\n",
	},
}

// Renderer resolves named email templates. Unknown placeholders are kept verbatim.
type Renderer struct {
	templates map[string]EmailTemplate
}

func NewRenderer(templates map[string]EmailTemplate) *Renderer {
	if templates == nil {
		templates = DefaultTemplates
	}
	return &Renderer{templates: templates}
}

func (r *Renderer) Template(name string) (EmailTemplate, bool) {
	t, ok := r.templates[name]
	return t, ok
}

func Render(text string, data map[string]string) string {
	if len(data) == 0 || !strings.Contains(text, "{{") {
		return text
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 4*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", data[k], "{{ "+k+" }}", data[k])
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
