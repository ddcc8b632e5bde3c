package graph

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/amonhq/amon/internal/amonerr"
)

// graphSchema is the structural contract a resolved graph document must meet
// before the stricter Validate pass runs. It pins the closed node-type and
// engine sets so a malformed document fails fast with a schema error instead
// of a confusing dispatch failure mid-run.
const graphSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type", "execution_engine"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"enum": ["agent_task", "write_file", "tool_call", "condition", "map", "sandbox_run", "confirm"]},
          "execution_engine": {"enum": ["llm", "tool", "hybrid"]},
          "reads": {"type": "array", "items": {"type": "string"}},
          "writes": {"type": "object", "additionalProperties": {"type": "string"}},
          "output_path": {"type": "string"},
          "retry": {
            "type": "object",
            "properties": {
              "max_attempts": {"type": "integer", "minimum": 0},
              "backoff_s": {"type": "number", "minimum": 0},
              "jitter_s": {"type": "number", "minimum": 0}
            }
          },
          "timeout": {
            "type": "object",
            "properties": {
              "inactivity_s": {"type": "number", "minimum": 0},
              "hard_s": {"type": "number", "minimum": 0},
              "warning_after_s": {"type": "number", "minimum": 0}
            }
          }
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "from": {"type": "string"},
          "to": {"type": "string"},
          "when": {"type": "string"}
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var doc any
		if schemaErr = json.Unmarshal([]byte(graphSchema), &doc); schemaErr != nil {
			return
		}
		c := jsonschema.NewCompiler()
		if schemaErr = c.AddResource("graph.schema.json", doc); schemaErr != nil {
			return
		}
		schema, schemaErr = c.Compile("graph.schema.json")
	})
	return schema, schemaErr
}

// validateSchema checks text against the embedded graph schema.
func validateSchema(text []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return amonerr.Wrap(amonerr.ProtocolError, "GRAPH_SCHEMA", "compile graph schema", err)
	}
	var doc any
	if err := json.Unmarshal(text, &doc); err != nil {
		return amonerr.Wrap(amonerr.ProtocolError, "GRAPH_PARSE", "graph parse", err)
	}
	if err := sch.Validate(doc); err != nil {
		return amonerr.Wrap(amonerr.ProtocolError, "GRAPH_SCHEMA", "graph schema", err)
	}
	return nil
}
