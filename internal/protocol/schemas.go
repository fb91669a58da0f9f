package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBase = "https://guardwatch.ai/schemas/"

// inbound lists the client message types and their schema files.
var inbound = map[string]string{
	TypeHello: "hello.schema.json",
	TypePos:   "pos.schema.json",
	TypeCmd:   "cmd.schema.json",
}

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func loadSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		for _, name := range inbound {
			b, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				schemasErr = err
				return
			}
			if err := c.AddResource(schemaBase+name, bytes.NewReader(b)); err != nil {
				schemasErr = fmt.Errorf("add %s: %w", name, err)
				return
			}
		}
		out := make(map[string]*jsonschema.Schema, len(inbound))
		for typ, name := range inbound {
			s, err := c.Compile(schemaBase + name)
			if err != nil {
				schemasErr = fmt.Errorf("compile %s: %w", name, err)
				return
			}
			out[typ] = s
		}
		schemas = out
	})
	return schemas, schemasErr
}

// ValidateInbound checks a raw client message against the schema for its
// type and returns the routing header.
func ValidateInbound(b []byte) (BaseMessage, error) {
	base, err := DecodeBase(b)
	if err != nil {
		return base, fmt.Errorf("bad json: %w", err)
	}
	set, err := loadSchemas()
	if err != nil {
		return base, err
	}
	s, ok := set[base.Type]
	if !ok {
		return base, fmt.Errorf("unknown message type %q", base.Type)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return base, fmt.Errorf("bad json: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return base, fmt.Errorf("%s: %w", base.Type, err)
	}
	return base, nil
}
