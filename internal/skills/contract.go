package skills

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Contract pins a skill's input and output shapes to compiled JSON Schemas.
// Contracts are versioned; a worker refuses to run a skill whose contract it
// cannot compile.
type Contract struct {
	Skill        string          `json:"skill"`
	Version      string          `json:"version"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema"`

	input  *jsonschema.Schema
	output *jsonschema.Schema
}

// CompileContract compiles both schemas of a raw contract definition.
func CompileContract(raw json.RawMessage) (*Contract, error) {
	var c Contract
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode contract: %w", err)
	}
	if c.Skill == "" {
		return nil, fmt.Errorf("contract missing skill name")
	}
	if c.Version == "" {
		c.Version = "v1"
	}
	var err error
	if c.input, err = compileSchema(c.Skill+"/input.json", c.InputSchema); err != nil {
		return nil, err
	}
	if c.output, err = compileSchema(c.Skill+"/output.json", c.OutputSchema); err != nil {
		return nil, err
	}
	return &c, nil
}

func compileSchema(name string, schemaJSON json.RawMessage) (*jsonschema.Schema, error) {
	if len(schemaJSON) == 0 {
		schemaJSON = json.RawMessage(`{}`)
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

// ValidateInput checks a task payload against the contract's input schema.
func (c *Contract) ValidateInput(payload json.RawMessage) error {
	if err := validateAgainst(c.input, payload); err != nil {
		return &ValidationError{Skill: c.Skill, Message: err.Error()}
	}
	return nil
}

// ValidateOutput checks a skill result against the contract's output schema.
func (c *Contract) ValidateOutput(result json.RawMessage) error {
	if err := validateAgainst(c.output, result); err != nil {
		return &ContractViolationError{Skill: c.Skill, Message: err.Error()}
	}
	return nil
}

func validateAgainst(schema *jsonschema.Schema, doc json.RawMessage) error {
	if len(doc) == 0 {
		doc = json.RawMessage(`{}`)
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(doc)))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return schema.Validate(parsed)
}

// LoadContractsDir compiles every *.json contract under dir, keyed by skill
// name. A missing directory is not an error; a contract that fails to compile
// is.
func LoadContractsDir(dir string) (map[string]*Contract, error) {
	out := map[string]*Contract{}
	if dir == "" {
		return out, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("read contracts dir: %w", err)
	}
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read contract %s: %w", path, err)
		}
		contract, err := CompileContract(raw)
		if err != nil {
			return nil, fmt.Errorf("contract %s: %w", path, err)
		}
		if _, dup := out[contract.Skill]; dup {
			return nil, fmt.Errorf("duplicate contract for skill %s in %s", contract.Skill, path)
		}
		out[contract.Skill] = contract
	}
	return out, nil
}
