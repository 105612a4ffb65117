package snapshot

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const documentSchemaURL = "https://calendarsync.local/schemas/snapshot.schema.json"

const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema_version", "captured_at", "state"],
  "properties": {
    "schema_version": {"const": 1},
    "captured_at": {"type": "string", "format": "date-time"},
    "state": {
      "type": "object",
      "required": ["reservations", "conversations", "vacations", "lastUpdate"],
      "properties": {
        "reservations": {
          "type": "object",
          "additionalProperties": {"type": "array", "items": {"$ref": "#/$defs/reservation"}}
        },
        "conversations": {
          "type": "object",
          "additionalProperties": {"type": "array", "items": {"$ref": "#/$defs/message"}}
        },
        "vacations": {"type": "array", "items": {"$ref": "#/$defs/vacation"}},
        "isConnected": {"type": "boolean"},
        "lastUpdate": {"type": ["string", "null"]}
      }
    }
  },
  "$defs": {
    "reservation": {
      "type": "object",
      "required": ["id", "wa_id", "cancelled"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "wa_id": {"type": "string"},
        "customer_name": {"type": "string"},
        "date": {"type": "string"},
        "time_slot": {"type": "string"},
        "type": {"type": "integer"},
        "cancelled": {"type": "boolean"},
        "updated_at": {"type": "string"}
      }
    },
    "message": {
      "type": "object",
      "required": ["wa_id", "role", "message"],
      "properties": {
        "id": {"type": "string"},
        "wa_id": {"type": "string"},
        "role": {"type": "string"},
        "message": {"type": "string"},
        "date": {"type": "string"},
        "time": {"type": "string"},
        "received_at": {"type": "string"}
      }
    },
    "vacation": {
      "type": "object",
      "required": ["start", "end"],
      "properties": {
        "start": {"type": "string", "format": "date"},
        "end": {"type": "string", "format": "date"},
        "title": {"type": "string"}
      }
    }
  }
}`

func compileDocumentSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true
	if err := compiler.AddResource(documentSchemaURL, strings.NewReader(documentSchema)); err != nil {
		return nil, fmt.Errorf("snapshot schema load failed: %w", err)
	}
	compiled, err := compiler.Compile(documentSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("snapshot schema compile failed: %w", err)
	}
	return compiled, nil
}
