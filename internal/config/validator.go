package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// configSchema constrains the shape of kapten.json. Unknown top-level keys
// are rejected so typos fail loudly instead of silently falling back to
// defaults.
const configSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "data_dir": {"type": "string"},
    "gateway": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "host": {"type": "string"},
        "shared_secret": {"type": "string"},
        "tick_interval_seconds": {"type": "integer", "minimum": 0}
      }
    },
    "engine": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "binary": {"type": "string"},
        "api_key_env": {"type": "string"},
        "extra_args": {"type": "array", "items": {"type": "string"}}
      }
    },
    "session": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "db_path": {"type": "string"},
        "transcript_dir": {"type": "string"}
      }
    },
    "permission": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "timeout_seconds": {"type": "integer", "minimum": 1}
      }
    },
    "cron": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "store_path": {"type": "string"}
      }
    },
    "defaults": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "working_dir": {"type": "string"},
        "model": {"type": "string"},
        "system_prompt": {"type": "string"},
        "allowed_tools": {"type": "array", "items": {"type": "string"}}
      }
    },
    "mcp_servers": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "additionalProperties": false,
        "required": ["command"],
        "properties": {
          "command": {"type": "string", "minLength": 1},
          "args": {"type": "array", "items": {"type": "string"}},
          "env": {"type": "object", "additionalProperties": {"type": "string"}}
        }
      }
    },
    "logging": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "level": {"type": "string", "enum": ["trace", "debug", "info", "warn", "error"]},
        "file": {"type": "string"},
        "redaction": {"type": "boolean"}
      }
    }
  }
}`

// ValidateDocument checks a raw config document against the schema.
func ValidateDocument(raw []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(configSchema)
	docLoader := gojsonschema.NewBytesLoader(raw)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
