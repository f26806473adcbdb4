package intent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedOutput is returned when resolver output is not a recognizable intent.
var ErrMalformedOutput = errors.New("malformed resolver output")

type rawOutput struct {
	Intent    string `json:"intent"`
	Date      string `json:"date"`
	HumanDate string `json:"human_date"`
	Reply     string `json:"reply"`
}

// Parse decodes the JSON object produced by the language model. A code fence around
// the object is tolerated; anything else that is not exactly one known intent is
// ErrMalformedOutput.
func Parse(output string) (Intent, error) {
	body := strings.TrimSpace(output)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("%w: empty output", ErrMalformedOutput)
	}

	var raw rawOutput
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	reply := strings.TrimSpace(raw.Reply)
	date := strings.TrimSpace(raw.Date)
	human := strings.TrimSpace(raw.HumanDate)

	switch Kind(strings.ToLower(strings.TrimSpace(raw.Intent))) {
	case KindBooking:
		return Booking{RawDate: date, HumanDate: human, Reply: reply}, nil
	case KindCheck:
		return Check{Reply: reply}, nil
	case KindCancel:
		return Cancel{Reply: reply}, nil
	case KindReschedule:
		return Reschedule{RawDate: date, HumanDate: human, Reply: reply}, nil
	case KindChat:
		if reply == "" {
			return nil, fmt.Errorf("%w: chat without reply", ErrMalformedOutput)
		}
		return Chat{Reply: reply}, nil
	default:
		return nil, fmt.Errorf("%w: unknown intent %q", ErrMalformedOutput, raw.Intent)
	}
}
