// nxcheck runs the consistency checker against an index directory, using
// an exported snapshot of the authoritative content store as the reference.
// Without -repair it only reports; with -repair it applies every repairable
// finding and flushes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/INLOpen/nexussearch/config"
	"github.com/INLOpen/nexussearch/consistency"
	"github.com/INLOpen/nexussearch/index"
	"github.com/INLOpen/nexussearch/nodestate"
)

func main() {
	configPath := flag.String("config", "", "index configuration file (optional)")
	dir := flag.String("dir", "", "index directory, overrides the configured one")
	statesPath := flag.String("states", "", "authoritative store snapshot (required)")
	repair := flag.Bool("repair", false, "apply repairable findings")
	ignoreFailures := flag.Bool("ignore-failures", false, "keep repairing past individual failures")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *statesPath == "" {
		fmt.Fprintln(os.Stderr, "error: -states is required")
		flag.Usage()
		os.Exit(2)
	}
	if err := run(*configPath, *dir, *statesPath, *repair, *ignoreFailures, logger); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(configPath, dir, statesPath string, repair, ignoreFailures bool, logger *slog.Logger) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if dir != "" {
		cfg.IndexDir = dir
	}

	states, err := nodestate.LoadSnapshot(statesPath)
	if err != nil {
		return err
	}
	idx, err := index.Open(index.Options{Config: cfg, States: states, Logger: logger})
	if err != nil {
		return err
	}
	defer idx.Close(context.Background()) //nolint:errcheck // closing read-mostly index on exit

	checker := consistency.New(idx, states, cfg.Consistency.BatchSize, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		checker.Interrupt()
	}()

	report, err := checker.Run(ctx)
	if err != nil {
		return err
	}
	for _, e := range report.Errors {
		marker := " "
		if e.Repairable() {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, e.String())
	}
	fmt.Printf("\n%d finding(s), completed=%v (* = repairable)\n", len(report.Errors), report.Completed)

	if !repair || len(report.Errors) == 0 {
		return nil
	}
	checker.DoubleCheckErrors(report)
	if err := checker.Repair(ctx, report, ignoreFailures); err != nil {
		return err
	}
	fmt.Println("repairs applied")
	return nil
}
