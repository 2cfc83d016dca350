// cmd/tally/main.go
//
// Entry point for the tally CLI.
//
//	tally init                       create .tally/ with a default config
//	tally serve                      run the HTTP gateway
//	tally harness -scenario file     battle-test against simulated workers
//	tally validate-profiles          check .tally/profiles
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/tally/internal/config"
	"github.com/kingrea/tally/internal/executor"
	"github.com/kingrea/tally/internal/gateway"
	"github.com/kingrea/tally/internal/harness"
	"github.com/kingrea/tally/internal/logging"
	"github.com/kingrea/tally/internal/telemetry"
	"github.com/kingrea/tally/internal/tui"
	"github.com/kingrea/tally/plugins"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "init":
		err = runInit(args)
	case "serve":
		err = runServe(args)
	case "harness":
		err = runHarness(args)
	case "validate-profiles":
		err = runValidateProfiles(args)
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		die("%s: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: tally <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  init                 create .tally/ in the project directory")
	fmt.Fprintln(os.Stderr, "  serve                start the HTTP gateway")
	fmt.Fprintln(os.Stderr, "  harness              run a scenario against simulated workers")
	fmt.Fprintln(os.Stderr, "  validate-profiles    validate red-flag profiles in .tally/profiles")
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func projectFlag(fs *flag.FlagSet) *string {
	return fs.String("project", "", "path to the project directory (defaults to cwd)")
}

// loadProject resolves dir, ensures .tally exists and loads its config.
func loadProject(dir string) (*config.Config, error) {
	if strings.TrimSpace(dir) == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("determine working directory: %w", err)
		}
		dir = cwd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}
	if err := config.InitTallyDir(abs); err != nil {
		return nil, fmt.Errorf("init .tally: %w", err)
	}
	cfg, err := config.NewConfig(abs)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	project := projectFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadProject(*project)
	if err != nil {
		return err
	}
	fmt.Printf("Initialized %s\n", cfg.TallyProjectDir)
	fmt.Printf("Config: %s\n", cfg.ProjectConfigPath())
	return nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	project := projectFlag(fs)
	scenarioPath := fs.String("scenario", "", "scenario whose tier behaviour drives the simulated workers")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadProject(*project)
	if err != nil {
		return err
	}
	logger := logging.NewWriter(os.Stderr)

	var exec executor.Executor = executor.NewSimulated(time.Now().UnixNano(), nil, nil)
	if path := strings.TrimSpace(*scenarioPath); path != "" {
		sc, err := harness.LoadScenario(path)
		if err != nil {
			return err
		}
		exec = sc.Executor()
		logger.Printf("serving simulated workers from scenario %s", sc.Name)
	}

	st, err := buildStack(cfg, exec, logger, nil)
	if err != nil {
		return err
	}
	server := gateway.NewServer(gateway.SettingsFromConfig(cfg), st.orch,
		gateway.WithLogger(logger.With("gateway")),
		gateway.WithStats(st.telemetry),
		gateway.WithGatherer(st.registry),
		gateway.WithBeforeScrape(st.refreshInFlight),
	)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := server.Start(ctx); err != nil {
		_ = st.close(shutdownTimeout)
		return err
	}
	fmt.Printf("tally gateway listening on %s\n", server.BaseURL())
	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(server.Shutdown(shutdownCtx), st.close(shutdownTimeout))
}

func runHarness(args []string) error {
	fs := flag.NewFlagSet("harness", flag.ContinueOnError)
	project := projectFlag(fs)
	scenarioPath := fs.String("scenario", "", "scenario YAML file (required)")
	plain := fs.Bool("plain", false, "print a plain report instead of the live monitor")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*scenarioPath) == "" {
		return fmt.Errorf("-scenario is required")
	}
	sc, err := harness.LoadScenario(*scenarioPath)
	if err != nil {
		return err
	}
	cfg, err := loadProject(*project)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.ProjectDir)
	if err != nil {
		return err
	}
	defer logger.Close()

	var stream *telemetry.Stream
	if !*plain {
		stream = telemetry.NewStream(telemetry.StreamWithLogger(logger.With("stream")))
	}
	st, err := buildStack(cfg, sc.Executor(), logger, stream)
	if err != nil {
		return err
	}
	runner := harness.NewRunner(st.orch, harness.WithLogger(logger.With("harness")))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *plain {
		report, runErr := runner.Run(ctx, sc)
		closeErr := st.close(shutdownTimeout)
		if runErr != nil {
			return runErr
		}
		if err := report.WriteText(os.Stdout); err != nil {
			return err
		}
		return closeErr
	}

	sub := stream.Subscribe(telemetry.AllCategories)
	defer sub.Close()
	program := tea.NewProgram(tui.NewMonitor(sc.Name, sub.Events, sc.Size()), tea.WithAltScreen())
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		report, runErr := runner.Run(runCtx, sc)
		var summary strings.Builder
		if runErr == nil {
			_ = report.WriteText(&summary)
		}
		program.Send(tui.DoneMsg{Summary: summary.String(), Err: runErr})
	}()
	_, uiErr := program.Run()
	cancelRun()
	return errors.Join(uiErr, st.close(shutdownTimeout))
}

func runValidateProfiles(args []string) error {
	fs := flag.NewFlagSet("validate-profiles", flag.ContinueOnError)
	project := projectFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadProject(*project)
	if err != nil {
		return err
	}
	defs, err := plugins.LoadAll(cfg.ProfilesDir())
	if err != nil {
		fmt.Printf("Invalid profiles in %s\n", cfg.ProfilesDir())
		return err
	}
	if len(defs) == 0 {
		fmt.Printf("No profiles in %s\n", cfg.ProfilesDir())
		return nil
	}
	for _, file := range defs {
		fmt.Printf("OK: %s (%s → %s)\n", file.Path, file.Definition.ID, strings.Join(file.Definition.Types(), ", "))
	}
	return nil
}
