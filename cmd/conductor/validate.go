package main

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/arcflow-run/conductor/internal/config"
)

// ValidateCmd validates a configuration file against the strict
// structural schema and the numeric/required-field invariants, the
// same two-stage check the coordinator runs at startup.
type ValidateCmd struct {
	Config string `arg:"" name:"config" help:"Configuration file path." placeholder:"PATH"`

	Format      string `short:"f" help:"Output format: compact, verbose, json." default:"compact" enum:"compact,verbose,json"`
	PrintConfig bool   `short:"p" name:"print-config" help:"Print the expanded configuration (defaults applied, env vars resolved)."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	_ = config.LoadEnvFiles()

	cfg, err := config.Load(config.LoaderOptions{Type: config.SourceFile, Path: c.Config})
	if err != nil {
		return printLoadError(c.Format, c.Config, err)
	}

	if c.PrintConfig {
		return printExpandedConfig(c.Format, c.Config, cfg)
	}
	printValidateSuccess(c.Format, c.Config)
	return nil
}

type validationError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type validateJSONOutput struct {
	Valid  bool              `json:"valid"`
	File   string            `json:"file"`
	Errors []validationError `json:"errors,omitempty"`
}

func printLoadError(format, file string, err error) error {
	switch format {
	case "json":
		printValidateJSON(false, file, []validationError{{Type: "load", Message: err.Error()}})
	case "verbose":
		fmt.Fprintf(os.Stderr, "Configuration Load Error\n========================\n\nFile:  %s\nError: %s\n", file, err)
	default:
		fmt.Fprintf(os.Stderr, "%s: load error: %s\n", file, err)
	}
	return fmt.Errorf("config load failed: %w", err)
}

func printValidateSuccess(format, file string) {
	switch format {
	case "json":
		printValidateJSON(true, file, nil)
	case "verbose":
		fmt.Fprintf(os.Stdout, "Configuration Validation Successful\n====================================\n\nFile:   %s\nStatus: OK\n", file)
	default:
		fmt.Fprintf(os.Stdout, "%s: valid\n", file)
	}
}

func printExpandedConfig(format, file string, cfg *config.Config) error {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	default:
		fmt.Fprintf(os.Stdout, "# Expanded configuration from: %s\n# (defaults applied, env vars resolved)\n\n", file)
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	}
}

func printValidateJSON(valid bool, file string, errs []validationError) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(validateJSONOutput{Valid: valid, File: file, Errors: errs})
}
