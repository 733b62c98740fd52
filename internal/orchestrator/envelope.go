package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mpataki/courier/internal/models"
)

// ParseEnvelope finds the single JSON object in raw that carries a
// "status" or "decision" field. Other text and unrelated objects are
// ignored; zero or several envelopes is an error.
func ParseEnvelope(raw string) (*models.Envelope, error) {
	var found []map[string]any

	for i := 0; i < len(raw); {
		j := strings.IndexByte(raw[i:], '{')
		if j < 0 {
			break
		}
		start := i + j

		dec := json.NewDecoder(strings.NewReader(raw[start:]))
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			i = start + 1
			continue
		}
		i = start + int(dec.InputOffset())

		_, hasStatus := obj["status"]
		_, hasDecision := obj["decision"]
		if hasStatus || hasDecision {
			found = append(found, obj)
		}
	}

	switch len(found) {
	case 0:
		return nil, models.Errorf(models.KindStepParseFailure, "parse envelope", "no JSON object with a status or decision field")
	case 1:
	default:
		return nil, models.Errorf(models.KindStepParseFailure, "parse envelope", "found %d envelopes, want exactly one", len(found))
	}

	obj := found[0]
	env := &models.Envelope{Fields: obj}
	var err error
	if env.Status, err = stringField(obj, "status"); err != nil {
		return nil, err
	}
	if env.Decision, err = stringField(obj, "decision"); err != nil {
		return nil, err
	}
	env.Status = strings.ToLower(strings.TrimSpace(env.Status))
	env.Decision = strings.ToLower(strings.TrimSpace(env.Decision))
	env.Summary, _ = stringField(obj, "summary")
	env.Feedback, _ = stringField(obj, "feedback")
	env.Question, _ = stringField(obj, "question")
	return env, nil
}

func stringField(obj map[string]any, key string) (string, error) {
	v, ok := obj[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", models.Errorf(models.KindStepParseFailure, "parse envelope", "field %q must be a string, got %T", key, v)
	}
	return s, nil
}

// describe renders a short human line for an envelope, used in context
// notes and notifications.
func describe(env *models.Envelope) string {
	switch {
	case env.Summary != "":
		return env.Summary
	case env.Feedback != "":
		return env.Feedback
	case env.Question != "":
		return env.Question
	case env.Decision != "":
		return fmt.Sprintf("decision: %s", env.Decision)
	default:
		return fmt.Sprintf("status: %s", env.Status)
	}
}
