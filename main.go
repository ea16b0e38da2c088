package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cpunk-club/cpunk-verifier/pkg/config"
	"github.com/cpunk-club/cpunk-verifier/pkg/flows"
	"github.com/cpunk-club/cpunk-verifier/pkg/logger"
	"github.com/cpunk-club/cpunk-verifier/pkg/service"
)

// rootCmd wires the CLI surface. Every subcommand loads the environment
// configuration and builds the service it needs.
var rootCmd = &cobra.Command{
	Use:           "cpunk-verifier",
	Short:         "CPUNK transaction verifier",
	Long:          "Verify CPUNK payments against the DNA proxy and run the DNA registration, delegation and party reservation flows.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	flagOutput  string
	flagVerbose bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "text", "Output format: json|text")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Log at debug level")
}

func main() {
	// Set up context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads .env and the environment
func loadConfig() *config.Config {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if flagVerbose {
		cfg.LoggerConfig.Level = logger.DebugLevel
	}
	return cfg
}

func newLogger(cfg *config.Config) logger.Logger {
	return logger.NewStdLogger(cfg.LoggerConfig.Coloring, cfg.LoggerConfig.Level)
}

// loadService builds the service from the environment. observer may be nil.
func loadService(observer flows.Observer) (*service.Service, logger.Logger) {
	cfg := loadConfig()
	l := newLogger(cfg)

	svc, err := service.NewService(cfg, l, observer)
	if err != nil {
		log.Fatalf("Failed to create verifier service: %v", err)
	}
	return svc, l
}

// printResult writes v as JSON, or calls text when the output is text
func printResult(v interface{}, text func()) error {
	switch flagOutput {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "text", "":
		text()
		return nil
	default:
		return fmt.Errorf("invalid --output: %s (use json|text)", flagOutput)
	}
}
