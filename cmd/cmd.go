package cmd

import (
	"flag"
	"fmt"
	"os"

	"guest-presence/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = `usage: guest-presence <command> [flags]

commands:
  serve     run the presence server
  agent     replay a device track into a server
  watch     follow a server's map from the command line
  token     mint a token for a user
  migrate   apply database migrations and exit
`

// Run dispatches the subcommand named in os.Args
func Run() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	name, args := os.Args[1], os.Args[2:]
	var err error
	switch name {
	case "serve":
		err = runServe(args)
	case "agent":
		err = runAgent(args)
	case "watch":
		err = runWatch(args)
	case "token":
		err = runToken(args)
	case "migrate":
		err = runMigrate(args)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", name, usage)
		os.Exit(2)
	}

	if err != nil {
		log.Fatal().Err(err).Str("command", name).Msg("Command failed")
	}
}

// loadConfig parses the shared -config flag plus any command flags
// registered on fs, then loads the file and sets up logging
func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	path := fs.String("config", "config.yaml", "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogger(cfg.Log.Level)
	return cfg, nil
}

// setupLogger configures zerolog logger
func setupLogger(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
