package source

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaBase = "https://kestrel.schemas.local/"

// ruleDefs is shared by the central and region partition schemas.
const ruleDefs = `
  "$defs": {
    "condition": {
      "type": "object",
      "required": ["field", "operator"],
      "properties": {
        "field": {"type": "string", "minLength": 1},
        "operator": {"enum": [">", "<", "=", ">=", "<=", "!=", "includes", "exists"]}
      }
    },
    "rule": {
      "type": "object",
      "required": ["id", "name", "conditions", "estimated_cost"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string", "minLength": 1},
        "level": {"enum": ["central", "state", "local"]},
        "region": {"type": "string"},
        "mandatory": {"type": "boolean"},
        "conditions": {"type": "array", "items": {"$ref": "#/$defs/condition"}},
        "documents_required": {"type": "array", "items": {"type": "string"}},
        "estimated_cost": {
          "type": "object",
          "required": ["min", "max"],
          "properties": {
            "min": {"type": "number", "minimum": 0},
            "max": {"type": "number", "minimum": 0},
            "currency": {"type": "string"}
          }
        },
        "estimated_timeline": {"type": "string"},
        "steps": {"type": "array", "items": {"type": "string"}},
        "dependencies": {"type": "array", "items": {"type": "string"}}
      }
    }
  }`

var schemaDocs = map[string]string{
	"central": `{
  "type": "object",
  "required": ["rules"],
  "properties": {
    "rules": {"type": "array", "items": {"$ref": "#/$defs/rule"}}
  },` + ruleDefs + `
}`,
	"region": `{
  "type": "object",
  "required": ["rules"],
  "properties": {
    "region": {"type": "string"},
    "rules": {"type": "array", "items": {"$ref": "#/$defs/rule"}}
  },` + ruleDefs + `
}`,
	"platforms": `{
  "type": "object",
  "required": ["platforms"],
  "properties": {
    "platforms": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["platform", "requirements"],
        "properties": {
          "platform": {"type": "string", "minLength": 1},
          "type": {"type": "string"},
          "requirements": {
            "type": "object",
            "properties": {
              "mandatory_compliance": {"type": "array", "items": {"type": "string"}},
              "documents_required": {"type": "array", "items": {"type": "string"}},
              "business_type": {"type": "array", "items": {"type": "string"}}
            }
          },
          "onboarding_steps": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`,
	"derived": `{
  "type": "object",
  "required": ["attributes"],
  "properties": {
    "attributes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "expression"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "expression": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`,
}

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

// partitionSchema returns the compiled schema for a partition kind.
func partitionSchema(kind string) (*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		compiled := make(map[string]*jsonschema.Schema, len(schemaDocs))
		for name, doc := range schemaDocs {
			c := jsonschema.NewCompiler()
			c.Draft = jsonschema.Draft2020
			url := fmt.Sprintf("%s%s.schema.json", schemaBase, name)
			if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
				schemasErr = fmt.Errorf("schema %s load failed: %w", name, err)
				return
			}
			s, err := c.Compile(url)
			if err != nil {
				schemasErr = fmt.Errorf("schema %s compile failed: %w", name, err)
				return
			}
			compiled[name] = s
		}
		schemas = compiled
	})
	if schemasErr != nil {
		return nil, schemasErr
	}
	s, ok := schemas[kind]
	if !ok {
		return nil, fmt.Errorf("no schema for partition kind %q", kind)
	}
	return s, nil
}
