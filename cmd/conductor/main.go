// Command conductor runs the multi-agent coding orchestrator: the
// coordinator process (serve), the per-task worker subprocess the
// coordinator spawns (worker), and a set of operator utilities
// (validate, schema, version).
//
// Usage:
//
//	conductor serve --config conductor.yaml
//	conductor worker --run-id r1 --task-id t1 --branch conductor/run/t1
//	conductor validate conductor.yaml
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/arcflow-run/conductor/internal/logging"
)

// CLI defines conductor's command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Run the coordinator process."`
	Worker   WorkerCmd   `cmd:"" help:"Run one task's agent worker subprocess (spawned by the coordinator)."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate a JSON Schema for the configuration structure."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, or custom)."`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("conductor version %s\n", version)
	return nil
}

const (
	logFileEnvVar   = "CONDUCTOR_LOG_FILE"
	logLevelEnvVar  = "CONDUCTOR_LOG_LEVEL"
	logFormatEnvVar = "CONDUCTOR_LOG_FORMAT"
)

// initLogger initializes the process-wide logger from CLI flags,
// falling back to environment variables and then defaults.
func initLogger(cliLevel, cliFile, cliFormat string) (func(), error) {
	level := cliLevel
	if level == "" {
		level = os.Getenv(logLevelEnvVar)
	}
	file := cliFile
	if file == "" {
		file = os.Getenv(logFileEnvVar)
	}
	format := cliFormat
	if format == "" {
		format = os.Getenv(logFormatEnvVar)
	}
	if format == "" {
		format = "simple"
	}

	output := os.Stderr
	var cleanup func()
	if file != "" {
		f, c, err := logging.OpenLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		output = f
		cleanup = c
	}

	logging.Init(logging.ParseLevel(level), output, format)
	return cleanup, nil
}

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("conductor"),
		kong.Description("Multi-agent coding orchestrator."),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "conductor: logger init failed:", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
