package manifest

import (
	"encoding/json"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/npmlens/npmlens/internal/errkind"
)

// manifestSchema is the shape a version manifest must satisfy before the
// pipeline touches it. It is deliberately loose: registry history contains
// every malformation imaginable, and the build step normalizes most of
// them, but a few shapes make analysis meaningless.
const manifestSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1, "maxLength": 214},
		"version": {"type": "string"},
		"description": {"type": "string"},
		"keywords": {"type": "array", "items": {"type": "string"}},
		"scripts": {"type": "object", "additionalProperties": {"type": "string"}},
		"dependencies": {"type": "object", "additionalProperties": {"type": "string"}},
		"devDependencies": {"type": "object", "additionalProperties": {"type": "string"}},
		"peerDependencies": {"type": "object", "additionalProperties": {"type": "string"}}
	}
}`

var schemaLoader = gojsonschema.NewStringLoader(manifestSchema)

// validateSchema checks a raw version manifest against the schema,
// returning a MANIFEST_INVALID kinded error listing every violation.
func validateSchema(raw json.RawMessage) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return errkind.Wrap(errkind.ManifestInvalid, err)
	}

	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}

	return errkind.Newf(errkind.ManifestInvalid, "manifest schema: %s", strings.Join(msgs, "; "))
}
