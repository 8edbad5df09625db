package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"keepaway/internal/domain"
)

type Format string

const (
	FormatText Format = "text"
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

const documentSchemaText = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["agents"],
  "properties": {
    "agents": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "operation", "classifier"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "integer", "minimum": 0},
          "items": {"type": "array", "items": {"type": "integer", "minimum": 0}},
          "operation": {
            "type": "string",
            "pattern": "^\\s*(new\\s*=\\s*)?(old|[0-9]+)\\s*[+*]\\s*(old|[0-9]+)\\s*$"
          },
          "classifier": {
            "type": "object",
            "required": ["divisor", "if_true", "if_false"],
            "additionalProperties": false,
            "properties": {
              "divisor": {"type": "integer", "minimum": 1},
              "if_true": {"type": "integer", "minimum": 0},
              "if_false": {"type": "integer", "minimum": 0}
            }
          }
        }
      }
    }
  }
}`

var documentSchema = jsonschema.MustCompileString("agents.schema.json", documentSchemaText)

type document struct {
	Agents []domain.AgentSpec `json:"agents" toml:"agents" yaml:"agents"`
}

func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".text", "":
		return FormatText, nil
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// LoadFile reads agent definitions, picking the decoder from the file extension.
func LoadFile(path string) ([]domain.AgentSpec, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent definitions %s: %w", path, err)
	}
	specs, err := Decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return specs, nil
}

// Decode parses agent definitions. Structured formats are checked against the
// document schema before they are decoded into specs.
func Decode(data []byte, format Format) ([]domain.AgentSpec, error) {
	if format == FormatText {
		return ParseText(bytes.NewReader(data))
	}

	generic, err := decodeGeneric(data, format)
	if err != nil {
		return nil, err
	}
	if err := documentSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}

	var doc document
	switch format {
	case FormatTOML:
		_, err = toml.Decode(string(data), &doc)
	case FormatYAML:
		err = yaml.Unmarshal(data, &doc)
	case FormatJSON:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if len(doc.Agents) == 0 {
		return nil, ErrNoAgents
	}
	return doc.Agents, nil
}

// decodeGeneric turns any structured format into the shape encoding/json produces,
// which is what the schema validator expects.
func decodeGeneric(data []byte, format Format) (any, error) {
	var raw any
	var err error
	switch format {
	case FormatTOML:
		var m map[string]any
		_, err = toml.Decode(string(data), &m)
		raw = m
	case FormatYAML:
		err = yaml.Unmarshal(data, &raw)
	case FormatJSON:
		raw = nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	if format != FormatJSON {
		data, err = json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return generic, nil
}
