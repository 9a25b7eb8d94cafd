package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/config"
	"github.com/mcclellann/fundLedger/pkg/ledger"
	"github.com/mcclellann/fundLedger/pkg/lock"
	"github.com/mcclellann/fundLedger/pkg/report"
	"github.com/mcclellann/fundLedger/pkg/store"
	"github.com/spf13/cobra"
)

var Version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "fundledger",
		Short:         "Funding distribution and ledger engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./fundledger.yaml)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runSchedulesCmd())
	rootCmd.AddCommand(variancesCmd())
	rootCmd.AddCommand(exportPayoutsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is the wiring shared by every subcommand.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	server  *Server
	closers []func() error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	sqliteStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, closers: []func() error{sqliteStore.Close}}

	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		client, err := lock.Connect(ctx, cfg.Redis.Addr)
		if err != nil {
			logger.Warn("falling back to in-process locks", "error", err)
		} else {
			locker = lock.NewRedis(client, cfg.Redis.Prefix)
			a.closers = append(a.closers, client.Close)
			logger.Info("using redis locks", "addr", cfg.Redis.Addr)
		}
	}

	a.server = NewServer(sqliteStore, logger, ledger.WithLocker(locker))
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

// runScheduler ticks RunDueSchedules until ctx is done.
func (a *app) runScheduler(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Scheduler.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.logger.Info("running due repayment plans")
			count, err := a.server.ledger.RunDueSchedules(ctx)
			if err != nil {
				a.logger.Error("repayment plan run finished with errors", "generated", count, "error", err)
				continue
			}
			a.logger.Info("repayment plan run complete", "generated", count)
		}
	}
}

func serveCmd() *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the repayment plan scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if !noScheduler {
				go a.runScheduler(ctx)
			}

			srv := &http.Server{
				Addr:              a.cfg.Server.Addr,
				Handler:           a.server.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()

			a.logger.Info("server starting", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without running repayment plans")
	return cmd
}

func runSchedulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-schedules",
		Short: "Generate every repayment that is due now and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			count, err := a.server.ledger.RunDueSchedules(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "generated %d repayments\n", count)
			return err
		},
	}
}

func variancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "variances",
		Short: "List transactions whose breakdown lines do not add up",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			variances, err := a.server.ledger.BreakdownVariances(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, v := range variances {
				fmt.Fprintf(out, "%s\t%s\n", v.TransactionID, v.VarianceAmount)
			}
			fmt.Fprintf(out, "%d transactions out of balance\n", len(variances))
			return nil
		},
	}
}

func exportPayoutsCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export-payouts [funding id]",
		Short: "Write a funding's payouts to an XLSX statement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fundingID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid funding id %q: %w", args[0], err)
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			funding, err := a.server.ledger.GetFunding(cmd.Context(), fundingID)
			if err != nil {
				return err
			}
			payouts, err := a.server.ledger.ListPayoutsByFunding(cmd.Context(), fundingID)
			if err != nil {
				return err
			}

			if output == "" {
				output = fmt.Sprintf("payouts_%s.xlsx", fundingID)
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := report.WritePayoutStatement(f, funding, payouts); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d payouts to %s\n", len(payouts), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default payouts_<id>.xlsx)")
	return cmd
}
