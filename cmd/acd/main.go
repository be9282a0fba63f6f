// Command acd runs the call assignment system: the API server, the
// scripted test suites, load generation, and operational helpers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/acd-dev/acd/internal/api"
	"github.com/acd-dev/acd/internal/cache"
	"github.com/acd-dev/acd/internal/database"
	"github.com/acd-dev/acd/internal/dispatch"
	"github.com/acd-dev/acd/internal/domain"
	"github.com/acd-dev/acd/internal/loadgen"
	"github.com/acd-dev/acd/internal/notify"
	"github.com/acd-dev/acd/internal/qualify"
	"github.com/acd-dev/acd/internal/runner"
	"github.com/acd-dev/acd/internal/store"
	"github.com/acd-dev/acd/pkg/config"
	"github.com/acd-dev/acd/pkg/observability"
)

// Version is set via ldflags.
var Version = "dev"

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:     "acd",
		Short:   "Call assignment system",
		Version: Version,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("CONFIG_FILE"), "configuration file (YAML)")

	rootCmd.AddCommand(
		apiCmd(),
		testCmd(),
		loadCmd(),
		statusCmd(),
		cleanupCmd(),
		demoCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app bundles the wired engine.
type app struct {
	cfg        *config.Config
	cache      *cache.Client
	db         *database.Client
	store      *store.Store
	sampler    *qualify.Sampler
	notifier   *notify.Notifier
	dispatcher *dispatch.Dispatcher
	generator  *loadgen.Generator
	runner     *runner.Runner
}

// newApp connects storage and wires the engine. The durable tier is
// optional: with no DATABASE_URL (or an unreachable database) the
// engine runs on the fast tier alone.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	observability.InitMetrics()
	if err := observability.InitTracingFromEnv(); err != nil {
		return nil, err
	}

	cacheClient, err := cache.NewClient(cache.Config{URL: cfg.RedisURL})
	if err != nil {
		return nil, err
	}
	log.Printf("Redis initialized")

	var db *database.Client
	var durable store.Durable
	if cfg.DatabaseURL != "" {
		db, err = database.NewClient(ctx, database.Config{URL: cfg.DatabaseURL})
		if err != nil {
			log.Printf("durable tier unavailable, continuing cache-only: %v", err)
		} else {
			durable = db
			log.Printf("database initialized")
		}
	}

	st := store.New(cacheClient, durable, observability.RecordDurableWriteFailure)
	sampler := qualify.NewSampler(cfg.ConversionMatrix)

	notifier := notify.NewNotifier(notify.Config{
		URL:     cfg.WebhookURL,
		Timeout: time.Duration(cfg.WebhookTimeoutSeconds) * time.Second,
		OnFailure: func() {
			observability.RecordWebhookFailure()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := cacheClient.IncrMetric(ctx, "webhook_failures", 1); err != nil {
				log.Printf("incr webhook_failures: %v", err)
			}
		},
	})

	dcfg := dispatch.Config{
		CallDurationMean: cfg.CallDurationMean,
		CallDurationStd:  cfg.CallDurationStd,
	}
	if db != nil {
		dcfg.DBPing = db.Ping
	}
	dispatcher := dispatch.New(st, sampler, notifier, dcfg)

	generator := loadgen.New(st, dispatcher, notifier, cfg.AgentTypes, cfg.CallTypes)

	return &app{
		cfg:        cfg,
		cache:      cacheClient,
		db:         db,
		store:      st,
		sampler:    sampler,
		notifier:   notifier,
		dispatcher: dispatcher,
		generator:  generator,
		runner:     runner.New(cfg, st, dispatcher, generator, sampler),
	}, nil
}

func (a *app) close() {
	a.dispatcher.Stop()
	if a.db != nil {
		a.db.Close()
	}
	if err := a.cache.Close(); err != nil {
		log.Printf("close redis: %v", err)
	}
	if err := observability.ShutdownTracing(context.Background()); err != nil {
		log.Printf("shutdown tracing: %v", err)
	}
}

func apiCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "api",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if host == "" {
				host = a.cfg.APIHost
			}
			if port == 0 {
				port = a.cfg.APIPort
			}

			healthChecker := observability.InitHealthChecker()
			healthChecker.RegisterCheck(observability.DatabaseCheck(a.cache.Ping))
			if a.db != nil {
				healthChecker.RegisterCheck(observability.ExternalServiceCheck("postgres", a.db.Ping))
			}
			healthChecker.RegisterCheck(observability.ExternalServiceCheck("webhook", func(ctx context.Context) error {
				if a.notifier.HealthCheck(ctx) {
					return nil
				}
				return fmt.Errorf("webhook endpoint unreachable")
			}))

			opsServer := observability.NewServer(a.cfg.OpsPort)
			apiServer := api.NewServer(api.NewHandlers(a.cfg, a.store, a.dispatcher), host, port)

			errChan := make(chan error, 2)
			go func() {
				log.Printf("ops server listening on :%d", a.cfg.OpsPort)
				if err := opsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errChan <- fmt.Errorf("ops server: %w", err)
				}
			}()
			go func() {
				if err := apiServer.Start(); err != nil {
					errChan <- err
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errChan:
				log.Printf("server error: %v", err)
			case <-quit:
				log.Printf("shutting down")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := apiServer.Shutdown(ctx); err != nil {
				log.Printf("api server shutdown: %v", err)
			}
			if err := opsServer.Shutdown(ctx); err != nil {
				log.Printf("ops server shutdown: %v", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "host to bind to")
	cmd.Flags().IntVar(&port, "port", 0, "port to bind to")
	return cmd
}

func testCmd() *cobra.Command {
	var quick bool
	var stressMinutes int
	var numCalls, numAgents int

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run the test suite",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			switch {
			case quick:
				report, err := a.runner.RunQuickValidation(ctx)
				if err != nil {
					return err
				}
				printSuiteSummary(report)
			case stressMinutes > 0:
				report, err := a.runner.RunStress(ctx, stressMinutes)
				if err != nil {
					return err
				}
				printJSON(report)
			default:
				report, err := a.runner.RunFullSuite(ctx, numCalls, numAgents)
				if err != nil {
					return err
				}
				printSuiteSummary(report)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&quick, "quick", false, "run quick validation test")
	cmd.Flags().IntVar(&stressMinutes, "stress", 0, "run stress test for N minutes")
	cmd.Flags().IntVar(&numCalls, "calls", 0, "number of calls to generate")
	cmd.Flags().IntVar(&numAgents, "agents", 0, "number of agents to generate")
	return cmd
}

func loadCmd() *cobra.Command {
	var durationSeconds, callsPerMinute, numAgents int

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Run a load test",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			fmt.Printf("Running load test: %d calls/min for %d seconds\n", callsPerMinute, durationSeconds)

			if _, err := a.generator.MakeAgents(ctx, numAgents); err != nil {
				return err
			}
			defer func() {
				if err := a.generator.Cleanup(context.WithoutCancel(ctx)); err != nil {
					log.Printf("cleanup: %v", err)
				}
			}()

			report, err := a.generator.GenerateLoad(ctx, time.Duration(durationSeconds)*time.Second, callsPerMinute)
			if err != nil {
				return err
			}

			fmt.Printf("\nLoad Test Results:\n")
			fmt.Printf("  Duration: %.1f seconds\n", report.DurationSeconds)
			fmt.Printf("  Calls generated: %d\n", report.CallsGenerated)
			fmt.Printf("  Successful assignments: %d\n", report.Assigned)
			fmt.Printf("  Failed assignments: %d\n", report.Failed)
			if m := report.Performance; m != nil {
				fmt.Printf("  Average assignment time: %.2fms\n", m.AvgMs)
				fmt.Printf("  p95 assignment time: %.2fms\n", m.P95Ms)
				fmt.Printf("  Success rate: %.1f%%\n", m.SuccessRate*100)
				fmt.Printf("  Performance compliance: %.1f%%\n", m.ComplianceRate*100)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&durationSeconds, "duration", 60, "duration in seconds")
	cmd.Flags().IntVar(&callsPerMinute, "calls-per-minute", 100, "target calls per minute")
	cmd.Flags().IntVar(&numAgents, "agents", 20, "number of agents")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			status, err := a.dispatcher.Status(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("System Status (%s)\n", time.Now().UTC().Format(time.RFC3339))
			fmt.Printf("\nAgents:\n")
			fmt.Printf("  Total:     %d\n", status.TotalAgents)
			fmt.Printf("  Available: %d\n", status.AgentsByStatus[domain.AgentAvailable])
			fmt.Printf("  Busy:      %d\n", status.AgentsByStatus[domain.AgentBusy])
			fmt.Printf("  Paused:    %d\n", status.AgentsByStatus[domain.AgentPaused])
			fmt.Printf("  Offline:   %d\n", status.AgentsByStatus[domain.AgentOffline])
			fmt.Printf("\nActive assignments: %d\n", status.ActiveAssignments)

			if len(status.Metrics) > 0 {
				fmt.Printf("\nMetrics:\n")
				for name, value := range status.Metrics {
					fmt.Printf("  %s: %g\n", name, value)
				}
			}

			fmt.Printf("\nHealth:\n")
			fmt.Printf("  redis:    %v\n", status.RedisHealthy)
			fmt.Printf("  database: %v\n", status.DatabaseHealthy)
			fmt.Printf("  webhook:  %v\n", status.WebhookHealthy)
			return nil
		},
	}
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Clean up test data",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.cache.FlushAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Test data cleanup completed")
			return nil
		},
	}
}

func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a short demonstration",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			fmt.Println("Call Assignment System Demo")

			fmt.Println("\nCreating demo agents...")
			var agents []*domain.Agent
			for i, agentType := range a.cfg.AgentTypes[:2] {
				for j := 0; j < 2; j++ {
					agent := domain.NewAgent(fmt.Sprintf("Demo Agent %d", i*2+j+1), agentType, domain.AgentAvailable)
					if err := a.store.PutAgent(ctx, agent); err != nil {
						return err
					}
					agents = append(agents, agent)
					fmt.Printf("  created %s (%s)\n", agent.Name, agent.AgentType)
				}
			}
			defer func() {
				for _, agent := range agents {
					if err := a.store.DeleteAgent(context.WithoutCancel(ctx), agent.ID); err != nil {
						log.Printf("delete demo agent: %v", err)
					}
				}
			}()

			fmt.Println("\nSimulating calls...")
			for i, callType := range a.cfg.CallTypes[:2] {
				call := domain.NewCall(fmt.Sprintf("+1555000%03d", i), callType)
				fmt.Printf("  assigning call %s (%s)...\n", call.PhoneNumber, call.CallType)

				result, err := a.dispatcher.Dispatch(ctx, call)
				if err != nil {
					fmt.Printf("    assignment error: %v\n", err)
					continue
				}
				if result.Success {
					fmt.Printf("    assigned in %.2fms to %s\n", result.AssignmentTimeMs, result.Agent.Name)
				} else {
					fmt.Printf("    assignment failed: %s\n", result.Message)
				}
			}

			time.Sleep(2 * time.Second)

			status, err := a.dispatcher.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("\nCurrent system status:\n")
			printJSON(status)
			return nil
		},
	}
}

func printSuiteSummary(report *runner.Report) {
	fmt.Printf("\nTest outcome: %s\n", report.Final.Outcome)
	for _, finding := range report.Final.KeyFindings {
		fmt.Printf("  - %s\n", finding)
	}
	if len(report.Final.Recommendations) > 0 {
		fmt.Println("Recommendations:")
		for _, rec := range report.Final.Recommendations {
			fmt.Printf("  - %s\n", rec)
		}
	}
	if report.Performance != nil {
		fmt.Printf("p95 assignment time: %.2fms (target %.0fms)\n", report.Performance.P95Ms, report.Performance.TargetMs)
	}
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Printf("marshal output: %v", err)
		return
	}
	fmt.Println(string(data))
}
