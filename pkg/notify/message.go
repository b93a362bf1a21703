// Package notify delivers trade and engine notifications through a bounded
// queue so that a slow or failing channel never holds up trading.
package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Kind string

const (
	KindBuy    Kind = "buy"
	KindSell   Kind = "sell"
	KindError  Kind = "error"
	KindStatus Kind = "status"
)

type Message struct {
	Kind     Kind
	Severity Severity
	Title    string
	Text     string
	Fields   map[string]string
	At       time.Time
}

// Format renders the message as plain text, fields sorted by key.
func (m Message) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", icon(m), m.Title)
	if m.Text != "" {
		b.WriteString("\n")
		b.WriteString(m.Text)
	}
	keys := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, m.Fields[k])
	}
	if !m.At.IsZero() {
		fmt.Fprintf(&b, "\n%s", m.At.UTC().Format(time.RFC3339))
	}
	return b.String()
}

func icon(m Message) string {
	switch m.Kind {
	case KindBuy:
		return "🟢"
	case KindSell:
		return "🔴"
	case KindError:
		if m.Severity == SeverityHigh || m.Severity == SeverityCritical {
			return "🚨"
		}
		return "⚠️"
	}
	return "ℹ️"
}
