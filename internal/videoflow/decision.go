package videoflow

import (
	"encoding/json"
	"strings"
)

// Decision is the outcome of an approval race.
type Decision string

const (
	Approved Decision = "Approved"
	Rejected Decision = "Rejected"
	TimedOut Decision = "TimedOut"
	Unknown  Decision = "Unknown"
)

// ParseDecision maps a submitted decision value to a Decision,
// case-insensitively. Anything other than approved or rejected is Unknown.
func ParseDecision(value string) Decision {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "approved":
		return Approved
	case "rejected":
		return Rejected
	default:
		return Unknown
	}
}

// approval is what the race observed: the decision and, for a signal, the
// value that was submitted.
type approval struct {
	Decision Decision
	Value    string
}

// decodeSignal extracts the decision value from a signal payload. A payload
// that is not a JSON string is kept verbatim so it can be reported.
func decodeSignal(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
