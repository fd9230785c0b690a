// pgm is the command-line front-end: migration management and an optional
// admin server over the multi-cluster coordinator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/andeerc/pg-multiverse/internal/admin"
	"github.com/andeerc/pg-multiverse/internal/coordinator"
	"github.com/andeerc/pg-multiverse/internal/driver"
	"github.com/andeerc/pg-multiverse/internal/logging"
	"github.com/andeerc/pg-multiverse/internal/metrics"
	"github.com/andeerc/pg-multiverse/internal/migrate"
)

const (
	exitOK     = 0
	exitError  = 1
	exitSigInt = 130
)

type globalOpts struct {
	configPath     string
	migrationsPath string
	verbose        bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	global := flag.NewFlagSet("pgm", flag.ContinueOnError)
	opts := &globalOpts{}
	global.StringVar(&opts.configPath, "c", getEnv("PGM_CONFIG", "clusters.json"), "Cluster configuration file")
	global.StringVar(&opts.migrationsPath, "m", getEnv("PGM_MIGRATIONS", "migrations"), "Migrations directory")
	global.BoolVar(&opts.verbose, "v", false, "Verbose logging")
	global.Usage = printUsage

	if err := global.Parse(args); err != nil {
		return exitError
	}
	rest := global.Args()
	if len(rest) == 0 {
		printUsage()
		return exitError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch rest[0] {
	case "create":
		err = cmdCreate(ctx, opts, rest[1:])
	case "migrate":
		err = cmdMigrate(ctx, opts, rest[1:])
	case "rollback":
		err = cmdRollback(ctx, opts, rest[1:])
	case "status":
		err = cmdStatus(ctx, opts, rest[1:])
	case "list":
		err = cmdList(ctx, opts, rest[1:])
	case "serve":
		err = cmdServe(ctx, opts, rest[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", rest[0])
		printUsage()
		return exitError
	}

	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return exitSigInt
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	return exitOK
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: pgm [-c config] [-m migrations] [-v] <command> [options]

Commands:
  create <name> -s schemas [-c clusters] [-d description]   Create a migration file
  migrate [-t version] [-s schemas] [-c clusters] [-d] [-p] Apply pending migrations
  rollback [-t version] [-n steps] [-s] [-c] [-d]           Roll back applied migrations
  status [-s schemas] [-c clusters]                         Show migration status
  list                                                      List registered migrations
  serve [-addr :8090]                                       Run the admin server`)
}

// newCoordinator builds and initializes the coordinator from the global opts.
func newCoordinator(ctx context.Context, opts *globalOpts) (*coordinator.Coordinator, error) {
	level := "info"
	if opts.verbose {
		level = "debug"
	}
	logger := logging.New("pgm", level)

	cfg := coordinator.Config{
		ConfigPath: opts.configPath,
		Migrations: migrate.Config{Dir: opts.migrationsPath},
	}
	coord, err := coordinator.New(cfg, driver.NewPgxConnector(), logger)
	if err != nil {
		return nil, err
	}
	if err := coord.Initialize(ctx, nil); err != nil {
		return nil, err
	}
	return coord, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func cmdCreate(ctx context.Context, opts *globalOpts, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	schemas := fs.String("s", "", "Comma-separated target schemas (required)")
	clusters := fs.String("c", "", "Comma-separated target clusters")
	desc := fs.String("d", "", "Description")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("usage: pgm create <name> -s schemas [-c clusters] [-d description]")
	}

	// Creating a file needs no live clusters.
	mgr := migrate.NewManager(migrate.Config{Dir: opts.migrationsPath}, nil, nil, logging.New("pgm", "info"))
	path, err := mgr.CreateMigration(fs.Arg(0), migrate.CreateOptions{
		Schemas:     splitList(*schemas),
		Clusters:    splitList(*clusters),
		Description: *desc,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created %s\n", path)
	return nil
}

func cmdMigrate(ctx context.Context, opts *globalOpts, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	target := fs.String("t", "", "Target version (inclusive upper bound)")
	schemas := fs.String("s", "", "Comma-separated schemas")
	clusters := fs.String("c", "", "Comma-separated clusters")
	dryRun := fs.Bool("d", false, "Dry run")
	parallel := fs.Bool("p", false, "Run lanes in parallel")
	if err := fs.Parse(args); err != nil {
		return err
	}

	coord, err := newCoordinator(ctx, opts)
	if err != nil {
		return err
	}
	defer coord.Close(ctx)

	status, err := coord.Migrations().Migrate(ctx, migrate.Options{
		TargetVersion: *target,
		Schemas:       splitList(*schemas),
		Clusters:      splitList(*clusters),
		DryRun:        *dryRun,
		Parallel:      *parallel,
	})
	if err != nil {
		return err
	}

	if *dryRun {
		fmt.Printf("Dry run: %d migration(s) pending\n", status.PendingMigrations)
		for _, p := range status.Pending {
			fmt.Printf("  %s %s (%s @ %s)\n", p.Version, p.Name, p.Schema, p.ClusterID)
		}
		return nil
	}
	fmt.Printf("Applied %d migration(s)\n", status.Executed)
	return nil
}

func cmdRollback(ctx context.Context, opts *globalOpts, args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ContinueOnError)
	target := fs.String("t", "", "Roll back everything above this version")
	steps := fs.Int("n", 1, "Number of migrations to roll back")
	schemas := fs.String("s", "", "Comma-separated schemas")
	clusters := fs.String("c", "", "Comma-separated clusters")
	dryRun := fs.Bool("d", false, "Dry run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	coord, err := newCoordinator(ctx, opts)
	if err != nil {
		return err
	}
	defer coord.Close(ctx)

	status, err := coord.Migrations().Rollback(ctx, migrate.Options{
		TargetVersion: *target,
		Steps:         *steps,
		Schemas:       splitList(*schemas),
		Clusters:      splitList(*clusters),
		DryRun:        *dryRun,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Rolled back %d migration(s)\n", status.RolledBack)
	return nil
}

func cmdStatus(ctx context.Context, opts *globalOpts, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	schemas := fs.String("s", "", "Comma-separated schemas")
	clusters := fs.String("c", "", "Comma-separated clusters")
	if err := fs.Parse(args); err != nil {
		return err
	}

	coord, err := newCoordinator(ctx, opts)
	if err != nil {
		return err
	}
	defer coord.Close(ctx)

	status, err := coord.Migrations().GetStatus(ctx, migrate.Options{
		Schemas:  splitList(*schemas),
		Clusters: splitList(*clusters),
	})
	if err != nil {
		return err
	}

	fmt.Printf("Applied: %d  Pending: %d\n", status.AppliedMigrations, status.PendingMigrations)
	for _, a := range status.Applied {
		fmt.Printf("  [x] %s %s (%s @ %s)\n", a.Version, a.Name, a.Schema, a.ClusterID)
	}
	for _, p := range status.Pending {
		fmt.Printf("  [ ] %s %s (%s @ %s)\n", p.Version, p.Name, p.Schema, p.ClusterID)
	}
	return nil
}

func cmdList(ctx context.Context, opts *globalOpts, args []string) error {
	mgr := migrate.NewManager(migrate.Config{Dir: opts.migrationsPath}, nil, nil, logging.New("pgm", "info"))
	if err := mgr.LoadFromDir(); err != nil {
		return err
	}

	migrations := mgr.GetMigrations()
	if len(migrations) == 0 {
		fmt.Println("No migrations found.")
		return nil
	}
	fmt.Printf("%-16s %-30s %s\n", "VERSION", "NAME", "SCHEMAS")
	for _, m := range migrations {
		fmt.Printf("%-16s %-30s %s\n", m.Version, m.Name, strings.Join(m.TargetSchemas, ","))
	}
	return nil
}

func cmdServe(ctx context.Context, opts *globalOpts, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", ":8090", "Admin server listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	coord, err := newCoordinator(ctx, opts)
	if err != nil {
		return err
	}
	defer coord.Close(ctx)

	level := "info"
	if opts.verbose {
		level = "debug"
	}
	logger := logging.New("pgm", level)

	server := admin.NewServer(*addr, coord, metrics.NewRegistry(coord), logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", *addr).Msg("admin server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	return ctx.Err()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
