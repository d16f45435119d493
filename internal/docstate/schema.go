package docstate

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// recordSchemaJSON constrains only the structural parts of a record that the
// read path also demands. protected/timestamp are left open because tolerant
// decoding repairs those in place rather than rejecting the record.
const recordSchemaJSON = `{
	"type": "object",
	"properties": {
		"cursor": {
			"type": "object",
			"properties": {
				"start": {"$ref": "#/$defs/position"},
				"end": {"$ref": "#/$defs/position"}
			},
			"required": ["start", "end"]
		},
		"scroll": {"type": "number"},
		"viewState": {
			"type": "object",
			"properties": {
				"file": {"type": "string"}
			}
		}
	},
	"$defs": {
		"position": {
			"type": "object",
			"properties": {
				"line": {"type": "integer"},
				"col": {"type": "integer"}
			},
			"required": ["line", "col"]
		}
	}
}`

var (
	recordSchemaOnce sync.Once
	recordSchema     *jsonschema.Schema
	recordSchemaErr  error
)

func compiledRecordSchema() (*jsonschema.Schema, error) {
	recordSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(recordSchemaJSON))
		if err != nil {
			recordSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("record.json", doc); err != nil {
			recordSchemaErr = err
			return
		}
		recordSchema, recordSchemaErr = compiler.Compile("record.json")
	})
	return recordSchema, recordSchemaErr
}

// validateRecordPayload checks a decoded payload against the record schema.
func validateRecordPayload(value any) error {
	schema, err := compiledRecordSchema()
	if err != nil {
		return err
	}
	return schema.Validate(value)
}
