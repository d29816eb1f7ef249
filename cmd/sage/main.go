// Package main provides the CLI entry point for the sage coding agent.
//
// Sage runs an LLM-driven agent loop against a local working directory:
// the model thinks, requests tools, and iterates until it declares the
// task done or runs out of steps.
//
// # Basic Usage
//
// Run a task:
//
//	sage run "add input validation to the signup handler"
//
// Resume an earlier session:
//
//	sage resume 3f2a... "also add tests for it"
//
// List recorded sessions:
//
//	sage sessions
//
// # Environment Variables
//
//   - SAGE_CONFIG: Path to configuration file (default: sage.yaml)
//   - SAGE_<PROVIDER>_API_KEY: Per-provider key override
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY / GOOGLE_API_KEY: Standard keys
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sagecode/sage/internal/agent"
	"github.com/sagecode/sage/internal/config"
	"github.com/sagecode/sage/internal/contextmgr"
	"github.com/sagecode/sage/internal/hooks"
	"github.com/sagecode/sage/internal/interrupt"
	"github.com/sagecode/sage/internal/llm"
	"github.com/sagecode/sage/internal/observability"
	"github.com/sagecode/sage/internal/orchestrator"
	"github.com/sagecode/sage/internal/ratelimit"
	"github.com/sagecode/sage/internal/retry"
	"github.com/sagecode/sage/internal/tools"
	"github.com/sagecode/sage/internal/trajectory"
	"github.com/sagecode/sage/pkg/models"
)

// Populated by the release build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configPath   string
	providerName string
	modelName    string
	maxSteps     int
	autoApprove  bool
	noJournal    bool
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sage",
		Short: "Sage - LLM coding agent",
		Long: `Sage runs an agent loop over your working directory: the model plans,
executes tools with your approval, and iterates until the task is done.

Supported providers: Anthropic, OpenAI, Google, Azure OpenAI, Ollama`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to configuration file")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildResumeCmd(),
		buildSessionsCmd(),
	)
	return rootCmd
}

func defaultConfigPath() string {
	if p := os.Getenv("SAGE_CONFIG"); p != "" {
		return p
	}
	return "sage.yaml"
}

func buildRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Run a task to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd.Context(), strings.Join(args, " "), "")
		},
	}
	addRunFlags(cmd)
	return cmd
}

func buildResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <session-id> [follow-up]",
		Short: "Resume a recorded session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			followUp := "Continue the previous task."
			if len(args) > 1 {
				followUp = strings.Join(args[1:], " ")
			}
			return runTask(cmd.Context(), followUp, args[0])
		},
	}
	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&providerName, "provider", "", "LLM provider (overrides config)")
	cmd.Flags().StringVar(&modelName, "model", "", "Model name (overrides config)")
	cmd.Flags().IntVar(&maxSteps, "max-steps", -1, "Step budget (overrides config; unset means unlimited)")
	cmd.Flags().BoolVar(&autoApprove, "yes", false, "Approve all tool executions without prompting")
	cmd.Flags().BoolVar(&noJournal, "no-journal", false, "Disable session journaling")
}

func buildSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(configPath)
			if err != nil {
				return err
			}
			index, err := trajectory.OpenIndex(filepath.Join(cfg.Trajectory.Path, "sessions.db"))
			if err != nil {
				return err
			}
			defer index.Close()

			sessions, err := index.List()
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no recorded sessions")
				return nil
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-36s  %-10s  %-19s  %-8s  %s\n", "ID", "PROVIDER", "STARTED", "STATUS", "TASK")
			for _, s := range sessions {
				status := "running"
				if s.Success != nil {
					status = "failed"
					if *s.Success {
						status = "ok"
					}
				}
				task := s.Task
				if len(task) > 60 {
					task = task[:57] + "..."
				}
				fmt.Fprintf(w, "%-36s  %-10s  %-19s  %-8s  %s\n",
					s.ID, s.Provider, s.StartedAt.Local().Format("2006-01-02 15:04:05"), status, task)
			}
			return nil
		},
	}
}

// runTask wires the full stack and drives one task. resumeID is "" for a
// fresh session.
func runTask(parent context.Context, taskDesc, resumeID string) error {
	var history []models.Message
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg)

	logger, logCloser, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "sage",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	defer shutdownTracer(context.Background())

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	interrupts := interrupt.NewManager()
	go func() {
		<-ctx.Done()
		interrupts.Interrupt(interrupt.ReasonUserInterrupt)
	}()

	provider, err := buildProvider(ctx, cfg, metrics, logger)
	if err != nil {
		return err
	}

	stdin := bufio.NewReader(os.Stdin)
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, terminalAsker(stdin)); err != nil {
		return err
	}

	policy := orchestrator.NewRulePolicy(cfg.Tools.Allow, cfg.Tools.Deny)
	var prompter orchestrator.Prompter
	if !autoApprove {
		prompter = terminalPrompter(stdin)
	}
	snapshots := orchestrator.NewSnapshotter(cfg.Tools.SnapshotDir, logger)
	orch := orchestrator.New(registry, policy, prompter, snapshots,
		orchestrator.Config{DefaultTimeout: cfg.Tools.DefaultTimeout}, metrics, logger)

	ctxMgr := contextmgr.New(contextmgr.Config{
		ThresholdTokens: cfg.Context.AutoCompactThresholdTokens,
		HeadKeep:        cfg.Context.HeadKeep,
		TailKeep:        cfg.Context.TailKeep,
	}, provider, metrics, logger)

	workingDir := cfg.WorkingDirectory
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}

	task, recorder, index, err := prepareSession(cfg, taskDesc, resumeID, workingDir, &history)
	if err != nil {
		return err
	}
	closeSession := func() {
		if recorder != nil {
			recorder.Close()
		}
		if index != nil {
			index.Close()
		}
		if logCloser != nil {
			logCloser.Close()
		}
	}
	defer closeSession()

	hookRegistry := hooks.NewRegistry(logger.Slog())

	executor, err := agent.New(ctx, agent.Options{
		Provider:     provider,
		Tools:        registry,
		Orchestrator: orch,
		Context:      ctxMgr,
		Recorder:     recorder,
		Hooks:        hookRegistry,
		Interrupts:   interrupts,
		SystemPrompt: buildSystemPrompt(workingDir, registry),
		History:      history,
		MaxSteps:     cfg.MaxSteps,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
	})
	if err != nil {
		return err
	}

	execution, execErr := executor.Execute(ctx, task)
	outcome := executor.Outcome()

	if index != nil {
		if err := index.Finish(task.ID, time.Now(), execution.Success); err != nil {
			logger.Warn(ctx, "session index update failed", "error", err)
		}
	}

	hookRegistry.Dispatch(context.WithoutCancel(ctx), &hooks.Event{
		Phase:     hooks.PhaseShutdown,
		Timestamp: time.Now(),
		Execution: execution,
	})

	printOutcome(outcome, execution)
	if execErr != nil {
		return execErr
	}
	// os.Exit skips defers; settle the journal and traces first.
	switch outcome.Kind {
	case models.OutcomeInterrupted:
		closeSession()
		shutdownTracer(context.Background())
		os.Exit(130)
	case models.OutcomeMaxStepsReached:
		closeSession()
		shutdownTracer(context.Background())
		os.Exit(1)
	}
	return nil
}

func applyFlagOverrides(cfg *config.Config) {
	if providerName != "" {
		cfg.DefaultProvider = providerName
	}
	if modelName != "" {
		pc := cfg.Providers[strings.ToLower(cfg.DefaultProvider)]
		pc.Model = modelName
		if cfg.Providers == nil {
			cfg.Providers = map[string]config.ProviderConfig{}
		}
		cfg.Providers[strings.ToLower(cfg.DefaultProvider)] = pc
	}
	if maxSteps >= 0 {
		cfg.MaxSteps = &maxSteps
	}
	if noJournal {
		enabled := false
		cfg.Trajectory.Enabled = &enabled
	}
}

// buildLogger assembles the configured log destinations: console on by
// default, plus an optional file. The closer is non-nil when a file was
// opened.
func buildLogger(cfg *config.Config) (*observability.Logger, io.Closer, error) {
	console := cfg.Logging.LogToConsole == nil || *cfg.Logging.LogToConsole
	filePath := ""
	if cfg.Logging.LogToFile {
		filePath = cfg.Logging.LogFile
		if filePath == "" {
			filePath = "sage.log"
		}
	}
	out, closer, err := observability.OpenLogOutput(console, filePath)
	if err != nil {
		return nil, nil, err
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: out,
	})
	return logger, closer, nil
}

// buildProvider creates the configured provider, wraps it with rate
// limiting and retries, and wires streamed text to stdout.
func buildProvider(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *observability.Logger) (llm.Provider, error) {
	inner, err := llm.New(ctx, cfg.DefaultProvider, cfg, logger)
	if err != nil {
		return nil, err
	}
	if streaming, ok := inner.(interface{ SetTextHandler(llm.TextHandler) }); ok {
		streaming.SetTextHandler(func(text string) {
			fmt.Print(text)
		})
	}

	limiters := ratelimit.NewRegistry()
	if cfg.RateLimit != (config.RateLimitConfig{}) {
		limiters.Configure(cfg.DefaultProvider, limiterConfig(cfg.RateLimit, cfg.DefaultProvider))
	}

	retryCfg := retry.DefaultConfig()
	if pc, err := cfg.Provider(cfg.DefaultProvider); err == nil && pc.MaxRetries > 0 {
		retryCfg.MaxAttempts = pc.MaxRetries
	}
	return llm.NewPaced(inner, limiters.For(cfg.DefaultProvider), retryCfg, metrics, logger), nil
}

func limiterConfig(rc config.RateLimitConfig, provider string) ratelimit.Config {
	out := ratelimit.DefaultsFor(provider)
	if rc.RequestsPerMinute > 0 {
		out.RequestsPerMinute = rc.RequestsPerMinute
	}
	if rc.TokensPerMinute > 0 {
		out.TokensPerMinute = rc.TokensPerMinute
	}
	if rc.BurstSize > 0 {
		out.BurstSize = rc.BurstSize
	}
	if rc.MaxConcurrent > 0 {
		out.MaxConcurrent = rc.MaxConcurrent
	}
	if rc.Blocking != nil {
		out.Blocking = *rc.Blocking
	}
	if rc.MaxWait > 0 {
		out.MaxWait = rc.MaxWait
	}
	return out
}

// prepareSession sets up journaling and the task identity. For a resume,
// the journal is replayed into history and appended to; task keeps the
// original session id so the index row is updated in place.
func prepareSession(cfg *config.Config, taskDesc, resumeID, workingDir string, history *[]models.Message) (models.Task, *trajectory.Recorder, *trajectory.Index, error) {
	journaling := cfg.Trajectory.Enabled == nil || *cfg.Trajectory.Enabled
	if !journaling {
		return models.NewTask(taskDesc, workingDir), nil, nil, nil
	}

	index, err := trajectory.OpenIndex(filepath.Join(cfg.Trajectory.Path, "sessions.db"))
	if err != nil {
		return models.Task{}, nil, nil, err
	}

	if resumeID != "" {
		info, err := index.Get(resumeID)
		if err != nil {
			index.Close()
			return models.Task{}, nil, nil, err
		}
		records, err := trajectory.Replay(info.Path)
		if err != nil {
			index.Close()
			return models.Task{}, nil, nil, fmt.Errorf("replay session %s: %w", resumeID, err)
		}
		session, err := trajectory.Rebuild(records)
		if err != nil {
			index.Close()
			return models.Task{}, nil, nil, err
		}
		*history = session.Messages

		var lastSeq uint64
		if len(records) > 0 {
			lastSeq = records[len(records)-1].Sequence
		}
		recorder, err := trajectory.ResumeRecorder(info.Path, lastSeq)
		if err != nil {
			index.Close()
			return models.Task{}, nil, nil, err
		}
		task := models.Task{ID: resumeID, Description: taskDesc, WorkingDir: workingDir}
		return task, recorder, index, nil
	}

	task := models.NewTask(taskDesc, workingDir)
	journalPath := filepath.Join(cfg.Trajectory.Path, task.ID+".jsonl")
	recorder, err := trajectory.NewRecorder(journalPath)
	if err != nil {
		index.Close()
		return models.Task{}, nil, nil, err
	}
	err = index.Begin(trajectory.SessionInfo{
		ID:        task.ID,
		Path:      journalPath,
		Task:      taskDesc,
		Provider:  cfg.DefaultProvider,
		Model:     providerModel(cfg),
		StartedAt: time.Now(),
	})
	if err != nil {
		recorder.Close()
		index.Close()
		return models.Task{}, nil, nil, err
	}
	return task, recorder, index, nil
}

func providerModel(cfg *config.Config) string {
	if pc, ok := cfg.Providers[strings.ToLower(cfg.DefaultProvider)]; ok {
		return pc.Model
	}
	return ""
}

func buildSystemPrompt(workingDir string, registry *tools.Registry) string {
	var sb strings.Builder
	sb.WriteString("You are sage, a coding agent operating on a local repository.\n\n")
	fmt.Fprintf(&sb, "Working directory: %s\n\n", workingDir)
	sb.WriteString("Work step by step. Use the available tools to inspect and change the\n")
	sb.WriteString("codebase; do not guess at file contents. When the task is fully done,\n")
	fmt.Fprintf(&sb, "call %s with a short summary. If the task is ambiguous, ask the user\n", tools.TaskDoneName)
	sb.WriteString("before making assumptions.\n\n")
	fmt.Fprintf(&sb, "Available tools: %s\n", strings.Join(registry.Names(), ", "))
	return sb.String()
}

// terminalPrompter asks for tool approval on the controlling terminal.
func terminalPrompter(stdin *bufio.Reader) orchestrator.Prompter {
	return orchestrator.PrompterFunc(func(ctx context.Context, toolName string, args map[string]any) (orchestrator.Answer, error) {
		fmt.Printf("\nallow tool %q? args: %v\n", toolName, args)
		fmt.Print("[y]es once / [a]lways / [n]o / [N]ever / [q]uit: ")
		line, err := stdin.ReadString('\n')
		if err != nil {
			return orchestrator.Cancelled, nil
		}
		switch strings.TrimSpace(line) {
		case "y", "yes":
			return orchestrator.YesOnce, nil
		case "a", "always":
			return orchestrator.YesAlways, nil
		case "N", "never":
			return orchestrator.NoAlways, nil
		case "q", "quit":
			return orchestrator.Cancelled, nil
		default:
			return orchestrator.NoOnce, nil
		}
	})
}

// terminalAsker relays model questions to the user.
func terminalAsker(stdin *bufio.Reader) tools.Asker {
	return func(ctx context.Context, question string) (string, error) {
		fmt.Printf("\n%s\n> ", question)
		line, err := stdin.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("read answer: %w", err)
		}
		return strings.TrimSpace(line), nil
	}
}

func printOutcome(outcome models.Outcome, execution *models.Execution) {
	fmt.Println()
	switch outcome.Kind {
	case models.OutcomeSuccess:
		if outcome.FinalResult != "" {
			fmt.Println(outcome.FinalResult)
		}
		fmt.Printf("\ndone in %d steps (%s, %d tokens)\n",
			outcome.Steps, execution.Duration().Round(time.Second), execution.TotalUsage.TotalTokens)
	case models.OutcomeInterrupted:
		fmt.Printf("interrupted after %d steps\n", outcome.Steps)
	case models.OutcomeMaxStepsReached:
		fmt.Printf("step budget exhausted after %d steps\n", outcome.Steps)
	case models.OutcomeFailed:
		fmt.Printf("failed after %d steps: %v\n", outcome.Steps, outcome.Err)
	}
}
