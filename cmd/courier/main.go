package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mpataki/courier/internal/config"
	"github.com/mpataki/courier/internal/daemon"
	"github.com/mpataki/courier/internal/logging"
	"github.com/mpataki/courier/internal/metrics"
	"github.com/mpataki/courier/internal/models"
	"github.com/mpataki/courier/internal/provider"
	"github.com/mpataki/courier/internal/queue"
	"github.com/mpataki/courier/internal/storage"
	"github.com/mpataki/courier/internal/tui"
	"github.com/mpataki/courier/internal/workflow"
	"github.com/mpataki/courier/internal/workspace"
)

var dataDir string

func main() {
	rootCmd := &cobra.Command{
		Use:          "courier",
		Short:        "Message-driven agent workflow runner",
		Long:         "Courier routes queued chat messages to agent workflows and reports their progress back.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default $COURIER_DATA_DIR or ~/.courier)")

	rootCmd.AddCommand(newDaemonCommand())
	rootCmd.AddCommand(newEnqueueCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newDecisionsCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newOutboxCommand())
	rootCmd.AddCommand(newWorkflowsCommand())
	rootCmd.AddCommand(newWatchCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if dataDir != "" {
		cfg, err = config.Load(dataDir)
	} else {
		cfg, err = config.New()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return cfg, nil
}

func openQueue(cfg *config.Config) (*queue.Queue, error) {
	return queue.Open(cfg.QueueDir(),
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithLogger(logging.Discard()))
}

func newDaemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Process the queue until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger, err := logging.New(cfg.LogDir(), cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Close()

			store, err := storage.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			catalog, err := workflow.LoadAll(cfg.WorkflowDirs(), logger.Logger)
			if err != nil {
				return fmt.Errorf("failed to load workflows: %w", err)
			}
			if catalog.Len() == 0 {
				logger.Warn("no workflows defined", "dirs", cfg.WorkflowDirs())
			}

			agent, err := provider.NewCLI(cfg.Agent, logger.Logger)
			if err != nil {
				return err
			}

			d, err := daemon.New(cfg, daemon.Deps{
				Executor: agent,
				Selector: agent,
				Index:    store,
				Catalog:  catalog,
				Metrics:  metrics.New(prometheus.NewRegistry()),
				Logger:   logger.Logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func newEnqueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue <text>",
		Short: "Add an inbound message to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel, _ := cmd.Flags().GetString("channel")
			profile, _ := cmd.Flags().GetString("profile")
			conversation, _ := cmd.Flags().GetString("conversation")
			runID, _ := cmd.Flags().GetString("run")
			files, _ := cmd.Flags().GetStringSlice("file")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			q, err := openQueue(cfg)
			if err != nil {
				return err
			}

			item := models.QueueItem{
				MessageID:        uuid.NewString(),
				Channel:          channel,
				ChannelProfileID: profile,
				ConversationID:   conversation,
				WorkflowRunID:    runID,
				Text:             args[0],
			}
			for _, f := range files {
				abs, err := filepath.Abs(f)
				if err != nil {
					return fmt.Errorf("invalid file %q: %w", f, err)
				}
				item.FileRefs = append(item.FileRefs, abs)
			}
			if err := item.Validate(); err != nil {
				return err
			}

			name, err := q.EnqueueIncoming(item)
			if err != nil {
				return err
			}
			fmt.Printf("Enqueued %s as %s\n", color.CyanString(item.MessageID), name)
			return nil
		},
	}

	cmd.Flags().String("channel", "cli", "Channel the message arrived on")
	cmd.Flags().String("profile", config.DefaultProfile, "Channel profile")
	cmd.Flags().String("conversation", "cli", "Conversation id")
	cmd.Flags().String("run", "", "Address the message to a run (answers a waiting run)")
	cmd.Flags().StringSliceP("file", "f", nil, "Attach a file (repeatable)")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ws, err := workspace.NewRoot(cfg.RunsDir()).Open(args[0])
			if models.IsNotFound(err) {
				store, serr := storage.New(cfg.DBPath)
				if serr != nil {
					return fmt.Errorf("failed to open database: %w", serr)
				}
				defer store.Close()
				sum, serr := store.GetRun(args[0])
				if serr != nil {
					return err
				}
				printRunSummary(cmd.OutOrStdout(), sum)
				return nil
			}
			if err != nil {
				return err
			}
			run, err := ws.ReadRun()
			if err != nil {
				return fmt.Errorf("failed to read run: %w", err)
			}

			fmt.Printf("Run %s: %s\n", color.CyanString(run.RunID), run.WorkflowID)
			fmt.Printf("State: %s\n", stateColor(run.State).Sprint(run.State))
			fmt.Printf("Origin: %s/%s/%s\n", run.Origin.Channel, run.Origin.ChannelProfileID, run.Origin.ConversationID)
			fmt.Printf("Prompt: %s\n", truncate(run.Prompt, 72))
			fmt.Printf("Workspace: %s\n", ws.Path)
			fmt.Printf("Elapsed: %s\n", run.Elapsed.Round(time.Second))
			if snap, err := ws.ReadProgress(); err == nil && snap.CurrentStep != "" {
				fmt.Printf("Current Step: %s\n", snap.CurrentStep)
			}
			if run.Summary != "" {
				fmt.Printf("Summary: %s\n", run.Summary)
			}
			if f := run.Failure; f != nil {
				msg := f.Message
				if f.Bound != "" {
					msg += " (limit: " + string(f.Bound) + ")"
				}
				color.Red("Failure: %s", msg)
			}
			if fl := run.Cursor.InFlight; fl != nil {
				fmt.Printf("In flight: %s attempt %d\n", fl.StepID, fl.AttemptNumber)
			}

			if len(run.Attempts) > 0 {
				fmt.Println("\nAttempts:")
				for i, a := range run.Attempts {
					line := fmt.Sprintf("  %d. %s #%d [%s]", i+1, a.StepID, a.AttemptNumber, attemptColor(a.Status).Sprint(a.Status))
					if a.Error != "" {
						line += " " + truncate(a.Error, 60)
					}
					fmt.Println(line)
				}
			}
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			states, _ := cmd.Flags().GetStringSlice("state")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := storage.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			var filter []models.RunState
			for _, s := range states {
				filter = append(filter, models.RunState(s))
			}
			runs, err := store.ListRuns(limit, filter...)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, run := range runs {
				line := fmt.Sprintf("%s %s [%s] %s",
					color.CyanString(run.RunID), run.WorkflowID,
					stateColor(run.State).Sprint(run.State),
					storage.FormatTimeAgo(run.StartedAt))
				if run.CurrentStep != "" {
					line += " at " + run.CurrentStep
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().IntP("limit", "n", 20, "Maximum runs to show")
	cmd.Flags().StringSlice("state", nil, "Only show runs in these states")
	return cmd
}

func newDecisionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "List recent routing decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := storage.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			recs, err := store.ListDecisions(limit)
			if err != nil {
				return err
			}
			printDecisions(cmd.OutOrStdout(), recs)
			return nil
		},
	}

	cmd.Flags().IntP("limit", "n", 20, "Maximum decisions to show")
	return cmd
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Ask the daemon to cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			q, err := openQueue(cfg)
			if err != nil {
				return err
			}

			if _, err := q.EnqueueCancel(args[0], "cli"); err != nil {
				return fmt.Errorf("failed to request cancel: %w", err)
			}

			fmt.Printf("Cancel requested for %s\n", color.CyanString(args[0]))
			return nil
		},
	}
}

func newOutboxCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Print outgoing messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ack, _ := cmd.Flags().GetBool("ack")
			channel, _ := cmd.Flags().GetString("channel")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			q, err := openQueue(cfg)
			if err != nil {
				return err
			}

			entries, err := q.Outgoing()
			if err != nil {
				return err
			}

			shown := 0
			for _, e := range entries {
				msg := e.Message
				if channel != "" && msg.Channel != channel {
					continue
				}
				shown++

				header := fmt.Sprintf("%s/%s/%s", msg.Channel, msg.ChannelProfileID, msg.ConversationID)
				if msg.WorkflowRunID != "" {
					header += " run " + msg.WorkflowRunID
				}
				if msg.Notification {
					header += " (notification)"
				}
				color.New(color.Faint).Println(header)
				fmt.Println(msg.Text)
				for _, f := range msg.Files {
					fmt.Printf("  file: %s\n", f)
				}
				fmt.Println()

				if ack {
					if err := q.Ack(e.Name); err != nil {
						return err
					}
				}
			}

			if shown == 0 {
				fmt.Println("Outbox is empty.")
			}
			return nil
		},
	}

	cmd.Flags().Bool("ack", false, "Remove messages after printing them")
	cmd.Flags().String("channel", "", "Only show messages for this channel")
	return cmd
}

func newWorkflowsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List workflow definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			catalog, err := workflow.LoadAll(cfg.WorkflowDirs(), logging.Discard())
			if err != nil {
				return err
			}

			if catalog.Len() == 0 {
				fmt.Printf("No workflows found in %v\n", cfg.WorkflowDirs())
				return nil
			}

			for _, name := range catalog.Names() {
				def, _ := catalog.Lookup(name)
				fmt.Printf("%s  %s\n", color.CyanString(def.Name), def.Description)
				color.New(color.Faint).Printf("  %d steps, %s\n", len(def.Steps), def.Source)
			}
			return nil
		},
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Monitor runs in a terminal UI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := storage.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			q, err := openQueue(cfg)
			if err != nil {
				return err
			}

			app := tui.NewApp(&tui.LocalSource{
				Index: store,
				Runs:  workspace.NewRoot(cfg.RunsDir()),
				Queue: q,
			})
			p := tea.NewProgram(app, tea.WithAltScreen())

			_, err = p.Run()
			return err
		},
	}
}

func stateColor(state models.RunState) *color.Color {
	switch state {
	case models.RunSucceeded:
		return color.New(color.FgGreen)
	case models.RunFailed:
		return color.New(color.FgRed)
	case models.RunRunning:
		return color.New(color.FgYellow)
	case models.RunWaiting:
		return color.New(color.FgMagenta)
	default:
		return color.New(color.Faint)
	}
}

func attemptColor(status models.AttemptStatus) *color.Color {
	switch status {
	case models.AttemptSucceeded:
		return color.New(color.FgGreen)
	case models.AttemptFailed, models.AttemptTimedOut:
		return color.New(color.FgRed)
	default:
		return color.New(color.Faint)
	}
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
