package manifest

import (
	"github.com/xeipuuv/gojsonschema"
)

// schemaJSON is the structural contract for manifest.json. Per-op
// field completeness and ordering are checked separately in Validate;
// the schema gates types and shapes so a mangled file fails fast with
// a positioned error.
const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "title", "created_at", "entries"],
  "properties": {
    "version": { "type": "string" },
    "title": { "type": "string" },
    "patch_version": { "type": "string" },
    "created_at": { "type": "string" },
    "entries": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["op", "path"],
        "properties": {
          "op": { "enum": ["add", "patch", "delete"] },
          "path": { "type": "string", "minLength": 1 },
          "old_digest": { "$ref": "#/definitions/digest" },
          "new_digest": { "$ref": "#/definitions/digest" },
          "old_size": { "type": "integer", "minimum": 0 },
          "new_size": { "type": "integer", "minimum": 0 },
          "payload_ref": { "type": "string" },
          "delta_ref": { "type": "string" }
        }
      }
    }
  },
  "definitions": {
    "digest": { "type": "string", "pattern": "^[0-9a-f]{64}$" }
  }
}`

var schema = gojsonschema.NewStringLoader(schemaJSON)

func checkSchema(data []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return &FormatError{Detail: err.Error()}
	}
	if !result.Valid() {
		detail := "schema violation"
		if errs := result.Errors(); len(errs) > 0 {
			detail = errs[0].String()
		}
		return &FormatError{Detail: detail}
	}
	return nil
}
