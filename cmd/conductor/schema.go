package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/arcflow-run/conductor/internal/config"
)

// SchemaCmd generates a JSON Schema for config.Config, the same shape
// an operator-facing config-builder UI would consume to auto-generate
// a form, one field at a time, for every tunable in the tree.
type SchemaCmd struct {
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	schema := reflector.Reflect(&config.Config{})
	schema.ID = "https://conductor.dev/schemas/config.json"
	schema.Title = "Conductor Configuration Schema"
	schema.Description = "Complete configuration schema for the Conductor orchestrator"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	return nil
}
