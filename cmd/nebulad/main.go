// Nebulad is the growth automation daemon: it crawls customer sites
// nightly, generates AI-ranked optimization opportunities, ships the
// strongest ones as GitHub pull requests, and rolls back deployments
// that regress performance.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/nebulagrowth/nebulad/internal/server"
	"github.com/nebulagrowth/nebulad/internal/workflows"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "nebulad",
	Short:   "Growth automation daemon",
	Long:    "nebulad crawls tracked sites, generates optimization opportunities and gates their deployments on performance.",
	Version: fmt.Sprintf("%s (%s)", version, gitCommit),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.config/nebulad/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(nightlyCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := newApp(ctx, configPath)
		if err != nil {
			return err
		}

		srv, err := server.NewServer(a.cfg.Server, a.store, a.runner, a.gate, a.logger)
		if err != nil {
			return err
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(
			context.Background(), time.Duration(a.cfg.Server.ShutdownTimeout))
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	},
}

var nightlyCmd = &cobra.Command{
	Use:   "nightly [site-id]",
	Short: "Run the nightly pipeline once and exit",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := newApp(ctx, configPath)
		if err != nil {
			return err
		}

		if len(args) == 1 {
			if err := a.runner.RunSiteByID(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("site processed")
			return nil
		}

		summary, err := a.runner.RunAll(ctx)
		if err != nil {
			return err
		}
		out, err := json.Marshal(summary)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal worker hosting the nightly workflow",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := newApp(ctx, configPath)
		if err != nil {
			return err
		}

		c, err := client.Dial(client.Options{
			HostPort:  a.cfg.Temporal.HostPort,
			Namespace: a.cfg.Temporal.Namespace,
		})
		if err != nil {
			return fmt.Errorf("connecting to temporal: %w", err)
		}
		defer c.Close()

		w := worker.New(c, a.cfg.Temporal.TaskQueue, worker.Options{})
		workflows.Register(w, &workflows.Activities{Runner: a.runner})

		a.logger.Info(ctx, "temporal worker starting",
			zap.String("task_queue", a.cfg.Temporal.TaskQueue),
		)
		return w.Run(worker.InterruptCh())
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger [site-id]",
	Short: "Start tonight's pipeline workflow on the Temporal cluster",
	Long:  "Starts the nightly workflow with a date-scoped workflow ID, so a second trigger on the same day is a no-op.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := newApp(ctx, configPath)
		if err != nil {
			return err
		}

		c, err := client.Dial(client.Options{
			HostPort:  a.cfg.Temporal.HostPort,
			Namespace: a.cfg.Temporal.Namespace,
		})
		if err != nil {
			return fmt.Errorf("connecting to temporal: %w", err)
		}
		defer c.Close()

		input := workflows.NightlyInput{}
		workflowID := workflows.NightlyWorkflowID(time.Now())
		if len(args) == 1 {
			input.SiteID = args[0]
			workflowID += "-" + args[0]
		}

		run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
			ID:        workflowID,
			TaskQueue: a.cfg.Temporal.TaskQueue,
		}, workflows.NightlyWorkflow, input)
		if err != nil {
			return fmt.Errorf("starting workflow: %w", err)
		}

		fmt.Printf("started workflow %s (run %s)\n", run.GetID(), run.GetRunID())
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := newApp(ctx, configPath)
		if err != nil {
			return err
		}
		if err := a.store.AutoMigrate(); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		a.logger.Info(ctx, "schema migrated")
		return nil
	},
}
