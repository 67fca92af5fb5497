// pfeicsctl is the operator CLI for the pfeics evidence engine.
package main

import (
	"flag"
	"fmt"
	"os"

	"pfeics/internal/config"
	"pfeics/internal/logging"
)

var configPath = flag.String("config", "", "path to config file")

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	var err error
	switch cmd {
	case "keygen":
		err = cmdKeygen(args)
	case "export":
		err = cmdExport(args)
	case "import":
		err = cmdImport(args)
	case "verify":
		err = cmdVerify(args)
	case "cases":
		err = cmdCases(args)
	case "watch":
		err = cmdWatch(args)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `pfeicsctl - Evidence container utility for pfeics

Usage: pfeicsctl [options] <command> [args]

Commands:
  keygen                 Generate an examiner RSA signing key pair
  export                 Seal a signal file into an encrypted container
  import <container>     Open a container and print a summary
  verify <container>     Verify watermarks and custody chain (exit 1 on tamper)
  cases                  List cases recorded in the local store
  watch [dir ...]        Monitor exported containers for modification
  help                   Show this help message

Options:
  -config <path>  Path to config file (default: ~/.pfeics/config.toml)

The container passphrase is read from the PFEICS_PASSPHRASE environment
variable unless -passphrase is given.`)
}

// loadConfig loads and validates configuration, exiting on failure.
func loadConfig() *config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// setupLogging builds the process logger from config.
func setupLogging(cfg *config.Config) *logging.Logger {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		format = logging.FormatText
	}

	log, err := logging.New(&logging.Config{
		Level:     level,
		Format:    format,
		Output:    cfg.Logging.Output,
		Component: "pfeicsctl",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefault(log)
	return log
}

// passphraseFrom resolves the container passphrase from a flag value or
// the PFEICS_PASSPHRASE environment variable.
func passphraseFrom(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv("PFEICS_PASSPHRASE"); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("no passphrase: set PFEICS_PASSPHRASE or pass -passphrase")
}
