package server

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// eventSchema is the wire contract for POST /v1/events. Structural checks
// (types, enums, ranges) live here; cross-field semantics stay in
// model.CallEvent.Validate.
const eventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["call_id", "event_type"],
	"additionalProperties": false,
	"properties": {
		"call_id":    {"type": "string", "minLength": 1, "maxLength": 128},
		"event_type": {"type": "string", "minLength": 1, "maxLength": 64},
		"error_reason": {
			"type": "string",
			"enum": ["NO_ANSWER", "BUSY", "SIP_TIMEOUT", "PROVIDER_TIMEOUT", "AUDIO_LOSS", "RTP_LOSS_HIGH", "UNKNOWN", ""]
		},
		"rtp_loss":   {"type": "number", "minimum": 0, "maximum": 100},
		"jitter_ms":  {"type": "number", "minimum": 0},
		"latency_ms": {"type": "number", "minimum": 0},
		"route_id":   {"type": "string", "maxLength": 128},
		"timestamp":  {"type": "integer", "minimum": 0}
	}
}`

var compiledEventSchema = jsonschema.MustCompileString("callguard/event.schema.json", eventSchema)

// validateEventPayload checks raw against the event schema before decoding.
func validateEventPayload(raw []byte) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("malformed json: %w", err)
	}
	return compiledEventSchema.Validate(payload)
}
