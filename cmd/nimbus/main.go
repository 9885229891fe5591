// Command nimbus serves the agent execution core: dialogs, tool-augmented
// completions over SSE, and usage reporting.
//
// Usage:
//
//	nimbus serve --config config.yaml
//	nimbus validate --config config.yaml
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/nimbuschat/nimbus/pkg/config"
	"github.com/nimbuschat/nimbus/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("nimbus version %s\n", version)
	return nil
}

// ValidateCmd checks a configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required")
	}
	if _, err := config.Load(cli.Config); err != nil {
		return err
	}
	fmt.Printf("%s is valid\n", cli.Config)
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func main() {
	// Secrets like OPENAI_API_KEY commonly live in a local .env.
	_ = godotenv.Load()

	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("nimbus"),
		kong.Description("Agent execution core: streamed, tool-augmented LLM conversations."),
		kong.UsageOnError(),
	)

	output := os.Stderr
	var cleanup func()
	if cli.LogFile != "" {
		f, c, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		output = f
		cleanup = c
		defer cleanup()
	}
	logger.Init(logger.ParseLevel(cli.LogLevel), output, cli.LogFormat)

	if err := kctx.Run(&cli); err != nil {
		kctx.FatalIfErrorf(err)
	}
}
