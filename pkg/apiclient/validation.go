package apiclient

import (
	"encoding/json"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/glimmerhq/dashcache/pkg/errmodel"
)

// ValidateShape checks a dataset payload against the dataset's JSON schema
// (bytes). An empty schema accepts anything. Violations come back as
// data_shape errors so the retry policy treats them like any other bad
// response.
func ValidateShape(schema []byte, data json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	c := jsonschema.NewCompiler()
	// anonymous in-memory schema from parsed JSON
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return errmodel.DataShape("bad_schema", "dataset schema is not valid JSON", nil, err)
	}
	if err := c.AddResource("mem://schema.json", doc); err != nil {
		return errmodel.DataShape("bad_schema", "dataset schema rejected by compiler", nil, err)
	}
	sch, err := c.Compile("mem://schema.json")
	if err != nil {
		return errmodel.DataShape("bad_schema", "dataset schema does not compile", nil, err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return errmodel.DataShape("invalid_json", "payload is not valid JSON", nil, err)
	}
	if err := sch.Validate(v); err != nil {
		return errmodel.DataShape("schema_violation", "payload missing required fields", nil, err)
	}
	return nil
}

// CompileShape compiles the provided JSON schema and returns an error only if
// the schema itself is invalid. Used at descriptor registration time.
func CompileShape(schema []byte) error {
	if len(schema) == 0 {
		return nil
	}
	c := jsonschema.NewCompiler()
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return err
	}
	if err := c.AddResource("mem://schema.json", doc); err != nil {
		return err
	}
	_, err := c.Compile("mem://schema.json")
	return err
}
