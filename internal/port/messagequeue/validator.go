package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject, required fields included. Unknown
// subjects pass validation (future-proof for new message types).
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	var check func() error
	var target any
	switch subject {
	case SubjectPromptRequest:
		p := &PromptRequestPayload{}
		target = p
		check = func() error {
			if p.RequestID == "" {
				return errors.New("request_id is required")
			}
			if p.Target == "" {
				return errors.New("target is required")
			}
			return nil
		}
	case SubjectPromptResult:
		p := &PromptResultPayload{}
		target = p
		check = func() error {
			if p.RequestID == "" {
				return errors.New("request_id is required")
			}
			return nil
		}
	case SubjectSessionOpen:
		p := &SessionOpenPayload{}
		target = p
		check = func() error {
			if p.SessionID == "" {
				return errors.New("session_id is required")
			}
			return nil
		}
	case SubjectSessionClose:
		p := &SessionClosePayload{}
		target = p
		check = func() error {
			if p.SessionID == "" {
				return errors.New("session_id is required")
			}
			return nil
		}
	case SubjectSessionState:
		p := &SessionStatePayload{}
		target = p
		check = func() error {
			if p.SessionID == "" {
				return errors.New("session_id is required")
			}
			return nil
		}
	default:
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	if err := check(); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	return nil
}
