package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"causeval/internal/agent"
	"causeval/internal/credential"
	"causeval/internal/jsonx"
	"causeval/internal/logging"
	"causeval/internal/observability"
	"causeval/internal/orchestrator"
	"causeval/internal/relevance"
	"causeval/internal/sanitize"
	"causeval/internal/taskset"
	"causeval/internal/trial"
)

var version = "dev"

const timeRound = 10 * time.Millisecond

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "causeval",
		Short:         "Concurrent agent trial engine and causal context-relevance validator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./causeval.yaml)")

	rootCmd.AddCommand(newRunCommand(&configPath))
	rootCmd.AddCommand(newValidateCommand(&configPath))
	rootCmd.AddCommand(newCheckCommand())

	return rootCmd
}

// engine bundles the wired execution stack for one invocation.
type engine struct {
	config  *RuntimeConfig
	pool    *credential.Pool
	orch    *orchestrator.Orchestrator
	factory agent.Factory
	metrics *observability.MetricsCollector
	logger  logging.Logger
}

func buildEngine(configPath string) (*engine, error) {
	config, err := loadRuntimeConfig(configPath)
	if err != nil {
		return nil, err
	}
	if len(config.Credentials) == 0 {
		return nil, fmt.Errorf("no credentials configured")
	}
	if config.Agent.BaseURL == "" {
		return nil, fmt.Errorf("agent.base_url is required")
	}

	logger := logging.NewComponentLogger("cli")

	metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{
		Enabled:        config.Metrics.Enabled,
		PrometheusPort: config.Metrics.PrometheusPort,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	pool := credential.NewPool(config.Credentials, config.poolConfig(), logging.NewComponentLogger("credential"))

	httpAgent, err := agent.NewHTTPAgent(agent.HTTPConfig{
		BaseURL:     config.Agent.BaseURL,
		Model:       config.Agent.Model,
		Temperature: config.Agent.Temperature,
		MaxTokens:   config.Agent.MaxTokens,
		MaxTurns:    config.Agent.MaxTurns,
		Timeout:     config.Agent.Timeout,
	}, logging.NewComponentLogger("agent"))
	if err != nil {
		return nil, err
	}

	sanitizer := sanitize.New(sanitize.Config{
		Repair: repairAgent(pool, httpAgent),
		Logger: logging.NewComponentLogger("sanitize"),
	})

	runner := trial.NewRunner(pool, sanitizer, trial.RunnerConfig{
		AttemptTimeout: config.Agent.Timeout,
	}, logging.NewComponentLogger("trial"), metrics)

	orch := orchestrator.New(runner, config.orchestratorConfig(), logging.NewComponentLogger("orchestrator"), metrics)

	return &engine{
		config:  config,
		pool:    pool,
		orch:    orch,
		factory: agent.Fixed(httpAgent),
		metrics: metrics,
		logger:  logger,
	}, nil
}

func (e *engine) close(ctx context.Context) {
	if err := e.metrics.Shutdown(ctx); err != nil {
		e.logger.Warn("metrics shutdown: %v", err)
	}
}

// repairAgent runs the sanitizer's repair stage through the same service and
// credential pool as regular trials.
func repairAgent(pool *credential.Pool, ag agent.Agent) sanitize.RepairAgent {
	return sanitize.RepairFunc(func(ctx context.Context, raw, schemaSource string) (string, error) {
		cred, err := pool.Acquire(ctx, "default")
		if err != nil {
			return "", err
		}
		prompt := fmt.Sprintf(
			"Extract and repair a JSON value conforming to this schema from the text below. Reply with only the JSON value.\n\nSchema:\n%s\n\nText:\n%s",
			schemaSource, raw)
		out, err := ag.Invoke(ctx, agent.InvokeRequest{Prompt: prompt, Credential: cred})
		pool.Report(cred.ID, err == nil, "")
		return out, err
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newRunCommand(configPath *string) *cobra.Command {
	var tasksPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a batch of tasks and report per-task outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			eng, err := buildEngine(*configPath)
			if err != nil {
				return err
			}
			defer eng.close(context.Background())

			set, err := taskset.Load(tasksPath)
			if err != nil {
				return err
			}

			fmt.Printf("%s %s: %d tasks, concurrency %d\n",
				bold("causeval run"), cyan(set.Name), len(set.Tasks), eng.config.Concurrency)

			batch, err := eng.orch.RunBatch(ctx, set.Tasks, eng.factory)
			if err != nil {
				return err
			}

			printBatch(batch)
			printPoolHealth(eng.pool)
			if err := writeArtifact(eng.config.OutputDir, set.Name+"_batch.json", batch); err != nil {
				return err
			}
			if batch.Successes < len(batch.Results) {
				return fmt.Errorf("%d of %d tasks failed", len(batch.Results)-batch.Successes, len(batch.Results))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&tasksPath, "tasks", "t", "", "task set YAML (required)")
	_ = cmd.MarkFlagRequired("tasks")
	return cmd
}

func newValidateCommand(configPath *string) *cobra.Command {
	var tasksPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Estimate each candidate document's causal impact on task success",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			eng, err := buildEngine(*configPath)
			if err != nil {
				return err
			}
			defer eng.close(context.Background())

			set, err := taskset.Load(tasksPath)
			if err != nil {
				return err
			}

			validator := relevance.New(eng.orch, eng.config.validatorConfig(),
				logging.NewComponentLogger("relevance"), eng.metrics)

			for _, task := range set.Tasks {
				documents := set.Documents[task.ID]
				if len(documents) == 0 {
					fmt.Printf("%s %s: no candidate documents, skipping\n", yellow("skip"), task.ID)
					continue
				}

				outcome, err := validator.Validate(ctx, task, documents, eng.factory)
				if err != nil {
					return fmt.Errorf("validate %s: %w", task.ID, err)
				}

				printOutcome(outcome)
				if err := writeArtifact(eng.config.OutputDir, task.ID+"_relevance.json", outcome); err != nil {
					return err
				}
				summaryName := task.ID + "_relevance.md"
				if err := writeRawArtifact(eng.config.OutputDir, summaryName, []byte(relevance.FormatSummary(outcome))); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&tasksPath, "tasks", "t", "", "task set YAML (required)")
	_ = cmd.MarkFlagRequired("tasks")
	return cmd
}

// newCheckCommand validates a task set definition without running anything.
func newCheckCommand() *cobra.Command {
	var tasksPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a task set definition without executing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := taskset.Load(tasksPath)
			if err != nil {
				return err
			}
			documents := 0
			for _, pool := range set.Documents {
				documents += len(pool)
			}
			fmt.Printf("%s %s: %d tasks, document pools totaling %d entries\n",
				green("ok"), set.Name, len(set.Tasks), documents)
			return nil
		},
	}
	cmd.Flags().StringVarP(&tasksPath, "tasks", "t", "", "task set YAML (required)")
	_ = cmd.MarkFlagRequired("tasks")
	return cmd
}

func printBatch(batch *orchestrator.BatchResult) {
	for _, result := range batch.Results {
		switch {
		case result.Succeeded():
			fmt.Printf("  %s %s (%d attempts)\n", green("ok"), result.TaskID, len(result.Attempts))
		case result.FailureClass == trial.FailureClassCapability:
			fmt.Printf("  %s %s: %s\n", red("wrong"), result.TaskID, gray(result.LastError))
		default:
			fmt.Printf("  %s %s: %s\n", yellow("infra"), result.TaskID, gray(result.LastError))
		}
	}
	fmt.Printf("\n%s %d ok, %d infrastructure, %d capability (%v)\n",
		bold("batch:"), batch.Successes, batch.InfraFailures, batch.CapabilityFailures, batch.Duration.Round(timeRound))
}

func printPoolHealth(pool *credential.Pool) {
	for _, health := range pool.Snapshot() {
		line := fmt.Sprintf("  %s [%s] state=%s failures=%d", health.ID, health.Capability, health.State, health.ConsecutiveFailures)
		if health.State == "closed" {
			fmt.Println(gray(line))
		} else {
			fmt.Println(yellow(line))
		}
	}
}

func printOutcome(outcome *relevance.Outcome) {
	state := green(string(outcome.State))
	if outcome.State != relevance.StateConverged {
		state = yellow(string(outcome.State))
	}
	fmt.Printf("\n%s %s: %s after %d trials (max SE %.3f)\n",
		bold("relevance"), cyan(outcome.TaskID), state, len(outcome.Trials), outcome.MaxStandardError)
	fmt.Print(relevance.FormatSummary(outcome))
}

func writeArtifact(dir, name string, payload any) error {
	data, err := jsonx.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return writeRawArtifact(dir, name, data)
}

func writeRawArtifact(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
