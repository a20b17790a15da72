package mail

import (
	"encoding/json"
	"strings"
)

// Event is one entry of a SendGrid event webhook post. Raw keeps the full
// object for the audit trail.
type Event struct {
	Event       string         `json:"event"`
	Email       string         `json:"email"`
	SGMessageID string         `json:"sg_message_id"`
	SMTPID      string         `json:"smtp-id"`
	Timestamp   int64          `json:"timestamp"`
	Reason      string         `json:"reason"`
	Status      string         `json:"status"`
	Response    string         `json:"response"`
	BounceType  string         `json:"type"`
	Raw         map[string]any `json:"-"`
}

// ParseEvents accepts a single event object or an array of them. Entries
// that are not objects are skipped.
func ParseEvents(body []byte) ([]Event, error) {
	trimmed := strings.TrimSpace(string(body))
	var raws []json.RawMessage
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, err
		}
	} else {
		raws = []json.RawMessage{json.RawMessage(trimmed)}
	}

	out := make([]Event, 0, len(raws))
	for _, r := range raws {
		var ev Event
		if err := json.Unmarshal(r, &ev); err != nil {
			continue
		}
		if err := json.Unmarshal(r, &ev.Raw); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
