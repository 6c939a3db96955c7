// ABOUTME: CLI entrypoint for the carousel orchestrator with one-shot and server modes.
// ABOUTME: Wires the controller, in-memory ledger simulation, run store, and signal handling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/voltaic-labs/carousel/engine"
	"github.com/voltaic-labs/carousel/ledger"
	"github.com/voltaic-labs/carousel/store"
	"github.com/voltaic-labs/carousel/web"
)

var version = "dev"

// cliConfig holds all CLI configuration parsed from flags.
type cliConfig struct {
	serverMode  bool
	addr        string
	cycles      int
	configPath  string
	dbPath      string
	verbose     bool
	showVersion bool
}

func main() {
	loadDotEnv(".env")

	cfg := parseFlags()

	if cfg.showVersion {
		fmt.Printf("carousel %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

func parseFlags() cliConfig {
	var cfg cliConfig

	fs := flag.NewFlagSet("carousel", flag.ExitOnError)
	fs.BoolVar(&cfg.serverMode, "server", false, "Start the operator API server instead of a one-shot run")
	fs.StringVar(&cfg.addr, "addr", "127.0.0.1:8723", "Operator API listen address")
	fs.IntVar(&cfg.cycles, "cycles", 0, "Cycles to run (0 uses the configured default)")
	fs.StringVar(&cfg.configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&cfg.dbPath, "db", "carousel.db", "Path to the run-history database (empty disables persistence)")
	fs.BoolVar(&cfg.verbose, "verbose", false, "Log every engine event")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")
	fs.Parse(os.Args[1:])

	return cfg
}

func run(cfg cliConfig) int {
	engineCfg := engine.DefaultConfig()
	if cfg.configPath != "" {
		loaded, err := engine.LoadConfig(cfg.configPath)
		if err != nil {
			log.Printf("error: %v", err)
			return 1
		}
		engineCfg = loaded
	}

	var runStore *store.SqliteStore
	if cfg.dbPath != "" {
		s, err := store.Open(cfg.dbPath)
		if err != nil {
			log.Printf("error: opening run store: %v", err)
			return 1
		}
		defer s.Close()
		runStore = s
	}

	broadcaster := engine.NewBroadcaster()
	var pub engine.Publisher = broadcaster
	if cfg.verbose {
		pub = engine.CombinePublishers(broadcaster, engine.LogPublisher{})
	}

	// The simulated ledger is seeded so the default roster can trade:
	// reserve for the custodian, a working float per participant.
	client := seedLedger(engineCfg)

	controller, err := engine.NewController(engineCfg, client, storeOrNil(runStore), pub)
	if err != nil {
		log.Printf("error: %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.serverMode {
		return runServer(ctx, cfg, controller, runStore, broadcaster)
	}
	return runOnce(ctx, cfg, controller)
}

// runOnce executes a single run and prints a summary.
func runOnce(ctx context.Context, cfg cliConfig, controller *engine.Controller) int {
	// A signal mid-run requests a cooperative stop rather than killing the
	// process with obligations still locked.
	go func() {
		<-ctx.Done()
		controller.Stop()
	}()

	state, err := controller.Start(context.Background(), cfg.cycles)
	if err != nil {
		log.Printf("error: %v", err)
		return 1
	}

	fmt.Printf("run %s finished: %s\n", state.ID, state.Status)
	fmt.Printf("  cycles run:     %d (%d skipped)\n", state.Totals.CyclesRun, state.Totals.CyclesSkipped)
	fmt.Printf("  settlements:    %d\n", state.Totals.Settlements)
	fmt.Printf("  refunds:        %d\n", state.Totals.Refunds)
	fmt.Printf("  fees spent:     %s\n", state.Totals.FeeSpent)
	if state.Error != "" {
		fmt.Printf("  error:          %s\n", state.Error)
	}

	if state.Status != engine.StatusCompleted {
		return 1
	}
	return 0
}

// runServer serves the operator API until interrupted.
func runServer(ctx context.Context, cfg cliConfig, controller *engine.Controller, runStore *store.SqliteStore, broadcaster *engine.Broadcaster) int {
	var history web.HistoryStore
	if runStore != nil {
		history = runStore
	}
	srv := web.NewServer(controller, history, broadcaster, web.ServerConfig{Addr: cfg.addr})
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("error: server: %v", err)
		return 1
	}
	controller.Stop()
	return 0
}

// seedLedger builds the in-memory ledger simulation for the configured
// roster.
func seedLedger(cfg engine.Config) *ledger.MemLedger {
	client := ledger.NewMemLedger()
	if custodian, ok := ledger.FindRole(cfg.Identities, ledger.RoleCustodian); ok {
		client.FundExternal(custodian, decimal.NewFromFloat(cfg.ReserveRequirement))
	}
	float := decimal.NewFromFloat(cfg.ReplenishTarget)
	if float.IsZero() {
		float = decimal.NewFromFloat(cfg.BidAmount).Mul(decimal.NewFromInt(2))
	}
	for _, p := range ledger.Participants(cfg.Identities) {
		client.FundEscrow(p, float)
	}
	return client
}

// storeOrNil avoids handing the controller a typed nil interface.
func storeOrNil(s *store.SqliteStore) engine.RunStore {
	if s == nil {
		return nil
	}
	return s
}
