// Command sweep reconciles stuck orders against ledger state.
//
// A trade is stuck when its escrow was funded but the order never reached a
// terminal status and no settlement transaction was recorded. The sweep
// classifies each one from ledger truth and, with --execute, refunds,
// resolves, or corrects it through the settlement coordinator. The default
// run is a dry run that only reports what it would do.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/urfave/cli/v2"

	"github.com/fiatbridge/fiatbridge/internal/chain"
	"github.com/fiatbridge/fiatbridge/internal/config"
	"github.com/fiatbridge/fiatbridge/internal/logging"
	"github.com/fiatbridge/fiatbridge/internal/order"
	"github.com/fiatbridge/fiatbridge/internal/settlement"
	"github.com/fiatbridge/fiatbridge/internal/sweep"
)

func main() {
	app := &cli.App{
		Name:  "sweep",
		Usage: "reconcile stuck escrow trades against ledger state",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "execute",
				Usage: "apply corrections instead of reporting them",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log at debug level",
			},
			&cli.DurationFlag{
				Name:  "cutoff",
				Usage: "treat orders untouched for this long as stuck",
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "maximum orders examined per run",
			},
			&cli.StringFlag{
				Name:  "policy",
				Usage: "resolution for abandoned disputes (refund_depositor or release_counterparty)",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level := "info"
	if c.Bool("verbose") {
		level = "debug"
	}
	logger := logging.New(level, "text")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required: the sweep reconciles persisted orders")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.Ping(); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	signer, err := chain.NewOwnedKey(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("load operational key: %w", err)
	}
	ledger, err := chain.New(chain.Config{
		RPCURL:         cfg.RPCURL,
		ChainID:        cfg.ChainID,
		EscrowContract: cfg.EscrowContract,
		TokenContract:  cfg.USDTContract,
		ConfirmTimeout: cfg.ConfirmTimeout,
	}, signer)
	if err != nil {
		return fmt.Errorf("create ledger client: %w", err)
	}

	store := order.NewPostgresStore(db)
	coordinator := settlement.NewCoordinator(store, ledger, logger)

	cutoff := cfg.AbandonedAfter
	if c.IsSet("cutoff") {
		cutoff = c.Duration("cutoff")
	}
	batchSize := cfg.SweepBatchSize
	if c.IsSet("batch-size") {
		batchSize = c.Int("batch-size")
	}
	policy := cfg.AbandonedPolicy
	if c.IsSet("policy") {
		policy = c.String("policy")
	}

	runner := sweep.NewRunner(store, ledger, coordinator, logger).
		WithCutoff(cutoff).
		WithBatchSize(batchSize).
		WithAbandonedPolicy(chain.Resolution(policy))

	execute := c.Bool("execute")
	ctx, cancel := context.WithTimeout(c.Context, 10*time.Minute)
	defer cancel()

	report, err := runner.Run(ctx, execute)
	if err != nil {
		return err
	}

	printReport(report)

	if report.Unresolvable > 0 {
		return cli.Exit(fmt.Sprintf("%d order(s) need manual review", report.Unresolvable), 2)
	}
	return nil
}

func printReport(r *sweep.Report) {
	mode := "DRY RUN"
	if !r.DryRun {
		mode = "EXECUTE"
	}
	fmt.Printf("Sweep %s: examined=%d settled=%d unresolvable=%d failed=%d (%.1fs)\n",
		mode, r.Examined, r.Settled, r.Unresolvable, r.Failed,
		r.FinishedAt.Sub(r.StartedAt).Seconds())

	for _, res := range r.Results {
		line := fmt.Sprintf("  %-24s %-18s %-16s -> %s",
			res.OrderID, res.OrderStatus, res.Classification, res.Action)
		if res.Error != "" {
			line += "  ERROR: " + res.Error
		}
		fmt.Println(line)
	}
}
