package server

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

// requestSchemas holds the compiled schema of each mutation request body by action.
type requestSchemas map[string]*jsonschema.Schema

func compileSchemas(actions ...string) (requestSchemas, error) {
	schemas := make(requestSchemas, len(actions))
	for _, action := range actions {
		name := "schemas/" + action + ".json"
		data, err := schemaFiles.ReadFile(name)
		if err != nil {
			return nil, err
		}
		sch, err := jsonschema.CompileString(name, string(data))
		if err != nil {
			return nil, fmt.Errorf("unable to compile %s: %v", name, err)
		}
		schemas[action] = sch
	}
	return schemas, nil
}

// decode validates a request body against the action's schema and then decodes it
// into v.  Numbers are kept as json.Number so body ids keep full precision.
func (s requestSchemas) decode(action string, r io.Reader, v interface{}) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("unable to read request body: %v", err)
	}
	var doc interface{}
	if err := unmarshalNumbers(data, &doc); err != nil {
		return fmt.Errorf("request body is not valid JSON: %v", err)
	}
	sch, found := s[action]
	if !found {
		return fmt.Errorf("no schema for %s requests", action)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("bad %s request: %v", action, err)
	}
	return unmarshalNumbers(data, v)
}

func unmarshalNumbers(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
