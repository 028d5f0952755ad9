package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/autoclaude/autoclaude/internal/config"
	"github.com/autoclaude/autoclaude/internal/event"
	"github.com/autoclaude/autoclaude/internal/logging"
	"github.com/autoclaude/autoclaude/internal/notify"
	"github.com/autoclaude/autoclaude/internal/persist"
	"github.com/autoclaude/autoclaude/internal/procenv"
	"github.com/autoclaude/autoclaude/internal/profile"
	"github.com/autoclaude/autoclaude/internal/registry"
	"github.com/autoclaude/autoclaude/internal/worker"
)

var runCmd = &cobra.Command{
	Use:   "run <project-path> <task-id> [-- worker-args...]",
	Short: "Run a worker for one task until it finishes",
	Long: `Run spawns a worker process for the task, streams its inferred progress
to the console, rotates through the configured fallback chain on rate
limits, and persists the task's durable status. Arguments after -- are
passed to the worker interpreter.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRun,
}

var (
	runProcessType string
	runWorkDir     string
	runVerbose     bool
)

func init() {
	runCmd.Flags().StringVar(&runProcessType, "process-type", "task", "worker process type (task or qa)")
	runCmd.Flags().StringVar(&runWorkDir, "workdir", "", "worker working directory (default: project path)")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "stream raw worker output")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	projectPath, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve project path: %w", err)
	}
	taskID := args[1]

	var workerArgs []string
	if at := cmd.ArgsLenAtDash(); at >= 0 {
		workerArgs = args[at:]
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runID := uuid.NewString()
	logDir := cfg.Logging.Dir
	if logDir == "" {
		logDir = filepath.Join(projectPath, registry.AutoClaudeDirName, "logs", runID)
	}
	logger, err := logging.NewLogger(logDir, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer logger.Close()
	logger = logger.WithRun(runID)

	bus := event.NewBus()
	reg, err := registry.NewRegistry(logger)
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}
	defer reg.Close()

	projectID := filepath.Base(projectPath)
	if err := reg.AddProject(projectID, projectPath); err != nil {
		return fmt.Errorf("register project: %w", err)
	}

	composer := &procenv.Composer{ExtraBin: cfg.Paths.ExtraBin}
	interpreter, err := composer.LocateInterpreter()
	if err != nil {
		return err
	}

	resolver := profile.NewResolver(config.NewProfileStore(cfg), cfg.Chains(), cfg.Local, logger)
	gateway := persist.NewGateway(reg, bus, logger)

	mgr := worker.NewManager(logger, bus, resolver, composer, gateway, reg, worker.Options{
		Interpreter:       interpreter,
		GracePeriod:       cfg.Worker.GracePeriod(),
		KillSafetyTimeout: cfg.Worker.KillSafetyTimeout(),
		WindowBytes:       cfg.Classifier.WindowBytes,
	})

	notifier := notify.NewNotifier(bus, &notify.ConsoleSink{
		Out:      os.Stdout,
		Disabled: !cfg.Notifications.Enabled,
	}, logger)
	defer notifier.Close()

	exited := make(chan struct{}, 4)
	bus.Subscribe("task.progress", func(ev event.Event) {
		e := ev.(event.ExecutionProgressEvent)
		line := fmt.Sprintf("[%s %3d%%]", e.Phase, e.OverallProgress)
		if e.Subtask != "" {
			line += " " + e.Subtask
		}
		if e.Message != "" {
			line += ": " + e.Message
		}
		fmt.Println(line)
	})
	bus.Subscribe("task.model_switch", func(ev event.Event) {
		e := ev.(event.ModelSwitchEvent)
		fmt.Printf("rate limited; switching %s -> %s (chain entry %d)\n", e.FromModel, e.ToModel, e.ChainIndex)
	})
	bus.Subscribe("task.error", func(ev event.Event) {
		e := ev.(event.ErrorEvent)
		fmt.Fprintf(os.Stderr, "error (%s): %s\n", e.Kind, e.Message)
	})
	bus.Subscribe("task.exit", func(ev event.Event) {
		select {
		case exited <- struct{}{}:
		default:
		}
	})
	if runVerbose {
		bus.Subscribe("task.log", func(ev event.Event) {
			e := ev.(event.LogLineEvent)
			fmt.Printf("%s| %s\n", e.Stream, e.Line)
		})
	}

	workDir := runWorkDir
	if workDir == "" {
		workDir = projectPath
	}
	if _, err := mgr.Spawn(context.Background(), worker.SpawnSpec{
		ProjectID:   projectID,
		TaskID:      taskID,
		WorkDir:     workDir,
		Args:        workerArgs,
		ProcessType: runProcessType,
	}); err != nil {
		return fmt.Errorf("spawn worker: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-sigCh:
			fmt.Println("\ninterrupted; stopping worker")
			mgr.Kill(taskID)
			mgr.Wait()
			return nil
		case <-exited:
			// An exit-path fallback respawns right after publishing the
			// exit event; give it a beat before declaring the run over.
			time.Sleep(200 * time.Millisecond)
			if _, live := mgr.Running(taskID); live {
				continue
			}
			mgr.Wait()
			printFinalStatus(reg, projectID, taskID)
			return nil
		}
	}
}

func printFinalStatus(reg *registry.Registry, projectID, taskID string) {
	path, err := reg.RecordPath(projectID, taskID)
	if err != nil {
		return
	}
	rec, err := registry.ReadRecord(path)
	if err != nil {
		return
	}
	fmt.Printf("final status: %s\n", rec.Status)
}
