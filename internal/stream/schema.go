package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Change events arrive as Debezium-style envelopes:
//
//	{"payload": {"after": {"user_id": 1, ...}}}
//
// with a null "after" denoting a tombstone.
const envelopeSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["payload"],
	"properties": {
		"payload": {
			"type": "object",
			"required": ["after"],
			"properties": {
				"after": {
					"type": ["object", "null"],
					"required": ["user_id"],
					"properties": {
						"user_id": {"type": "integer"},
						"consumer_token": {"type": "string"},
						"platform": {"type": "string"},
						"device_id": {"type": "string"}
					}
				}
			}
		}
	}
}`

type envelope struct {
	Payload struct {
		After *RecordPayload `json:"after"`
	} `json:"payload"`
}

type envelopeDecoder struct {
	schema *jsonschema.Schema
}

func newEnvelopeDecoder() (*envelopeDecoder, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse envelope schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("change-event.schema.json", doc); err != nil {
		return nil, fmt.Errorf("register envelope schema: %w", err)
	}
	schema, err := compiler.Compile("change-event.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return &envelopeDecoder{schema: schema}, nil
}

// decode validates a raw frame against the envelope schema and returns the
// event it carries. A tombstone decodes to Event{After: nil}.
func (d *envelopeDecoder) decode(frame []byte) (Event, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(frame))
	if err != nil {
		return Event{}, fmt.Errorf("malformed change event: %w", err)
	}
	if err := d.schema.Validate(inst); err != nil {
		return Event{}, fmt.Errorf("change event failed validation: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Event{}, fmt.Errorf("decode change event: %w", err)
	}
	return Event{After: env.Payload.After}, nil
}
