// Command fillsim runs a deterministic fill simulation over a batch of order
// intents and writes its artifacts under <artifacts-root>/<run-id>/.
//
// Usage:
//
//	fillsim run --run-id r1 --intents intents.jsonl --bars data/bars
//	fillsim validate --intents intents.jsonl
//	fillsim version
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"fillsim/internal/config"
	"fillsim/internal/contract"
	"fillsim/internal/runner"
	"fillsim/internal/util"
)

const version = "0.1.0"

// Exit codes.
const (
	exitOK           = 0
	exitError        = 1
	exitPrecondition = 2
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: fillsim <command> [options]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  run        Simulate fills for an intent batch\n")
	fmt.Fprintf(w, "  validate   Check an intent batch against the contract\n")
	fmt.Fprintf(w, "  version    Print the version\n")
	fmt.Fprintf(w, "\n")
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return exitError
	}

	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	switch args[0] {
	case "version":
		fmt.Fprintf(stdout, "fillsim %s\n", version)
		return exitOK
	case "run":
		return runCmd(ctx, args[1:], stdout, stderr)
	case "validate":
		return validateCmd(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n\n", args[0])
		usage(stderr)
		return exitError
	}
}

func loadConfig(path string, stderr io.Writer) (*config.Config, *slog.Logger, bool) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return nil, nil, false
	}
	log := util.NewLoggerTo(stderr, cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(log)
	return cfg, log, true
}

func runCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", config.Path(), "config file")
	var req runner.Request
	fs.StringVar(&req.RunID, "run-id", "", "run id (generated when empty)")
	fs.StringVar(&req.ArtifactsRoot, "artifacts-root", "", "artifacts root (default from config)")
	fs.StringVar(&req.IntentsPath, "intents", "", "intent batch, JSON Lines")
	fs.StringVar(&req.BarsDir, "bars", "", "SignalFrame directory (default from config)")
	fs.StringVar(&req.PositionsPath, "positions", "", "open positions JSON (default: sqlite)")
	fs.StringVar(&req.ExitsPath, "exits", "", "position exits JSON (default: sqlite)")
	fs.BoolVar(&req.SavePositions, "save-positions", false, "write final positions to sqlite")
	asJSON := fs.Bool("json", false, "print the full status as JSON")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if req.IntentsPath == "" {
		fmt.Fprintln(stderr, "run: --intents is required")
		return exitError
	}

	cfg, log, ok := loadConfig(*cfgPath, stderr)
	if !ok {
		return exitError
	}

	st := runner.New(runner.OptionsFromConfig(cfg), log).Run(ctx, req)
	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(st); err != nil {
			fmt.Fprintf(stderr, "encoding status: %v\n", err)
			return exitError
		}
	} else {
		fmt.Fprintln(stdout, st.String())
	}
	return exitCode(st)
}

func exitCode(st runner.Status) int {
	switch st.Code {
	case runner.CodeSuccess:
		return exitOK
	case runner.CodeFailedPrecondition:
		return exitPrecondition
	}
	return exitError
}

func validateCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", config.Path(), "config file")
	intents := fs.String("intents", "", "intent batch, JSON Lines")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if *intents == "" {
		fmt.Fprintln(stderr, "validate: --intents is required")
		return exitError
	}

	cfg, log, ok := loadConfig(*cfgPath, stderr)
	if !ok {
		return exitError
	}
	enf, err := contract.NewEnforcer(contract.Options{
		Strict:       cfg.Contract.Strict,
		ExtraAllowed: cfg.Contract.ExtraAllowed,
	}, log)
	if err != nil {
		fmt.Fprintf(stderr, "validate: %v\n", err)
		return exitError
	}

	f, err := os.Open(*intents)
	if err != nil {
		fmt.Fprintf(stderr, "validate: %v\n", err)
		return exitError
	}
	defer f.Close()

	res, err := enf.EnforceLines(f)
	if err != nil {
		fmt.Fprintf(stderr, "validate: %v\n", err)
		return exitError
	}
	for _, v := range res.Violations {
		fmt.Fprintln(stdout, v.Error())
	}
	fatal := len(res.Fatal())
	fmt.Fprintf(stdout, "%d intents, %d violations, %d fatal\n", len(res.Intents), len(res.Violations), fatal)
	if fatal > 0 {
		return exitPrecondition
	}
	return exitOK
}
