package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/uesteibar/dispatchd/internal/agent"
	"github.com/uesteibar/dispatchd/internal/config"
	"github.com/uesteibar/dispatchd/internal/dispatcher"
	"github.com/uesteibar/dispatchd/internal/executor"
	"github.com/uesteibar/dispatchd/internal/lifecycle"
	"github.com/uesteibar/dispatchd/internal/notifier"
	"github.com/uesteibar/dispatchd/internal/registry"
	"github.com/uesteibar/dispatchd/internal/resolver"
	"github.com/uesteibar/dispatchd/internal/server"
	"github.com/uesteibar/dispatchd/internal/store"
)

var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `dispatchd - task dispatch daemon for project repositories

Usage:
  dispatchd serve                        Start the daemon
  dispatchd run <project> <description>  Run one task in the foreground
  dispatchd version                      Print the version

Configuration is read from DISPATCHD_* environment variables; see README.
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	subcmd := os.Args[1]
	rest := os.Args[2:]

	switch subcmd {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "dispatchd serve: %v\n", err)
			os.Exit(1)
		}
	case "run":
		os.Exit(runOnce(rest))
	case "version", "--version":
		fmt.Println("dispatchd " + version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcmd)
		usage()
		os.Exit(1)
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening task store: %w", err)
	}
	defer db.Close()

	reg, err := registry.Load(cfg.RegistryPath, logger)
	if err != nil {
		return fmt.Errorf("loading project registry: %w", err)
	}
	if err := reg.Watch(ctx); err != nil {
		logger.Warn("registry watching disabled", "error", err)
	}
	logger.Info("registry loaded", "path", cfg.RegistryPath, "projects", len(reg.ListActive()))

	chatClient := notifier.New(cfg.ChatToken, notifier.WithEndpoint(cfg.ChatEndpoint))
	notif := notifier.NewNotifier(chatClient)

	hub := server.NewHub(logger)

	exec := executor.New(executor.Config{
		Store:        db,
		Projects:     reg,
		Agent:        &agent.Runner{Command: cfg.AgentCommand, Args: cfg.AgentArgs, Timeout: cfg.AgentTimeout},
		Notifier:     notif,
		MaxRunning:   cfg.MaxRunning,
		RetainTasks:  cfg.RetainTasks,
		BranchPrefix: cfg.BranchPrefix,
		ReposDir:     cfg.ReposDir,
		Logger:       logger,
		OnTaskEvent: func(task store.Task) {
			if msg, err := server.TaskStateMessage(task); err == nil {
				hub.Broadcast(msg)
			}
		},
		OnTaskLog: func(taskID, line string) {
			if msg, err := server.TaskLogMessage(taskID, line); err == nil {
				hub.Broadcast(msg)
			}
		},
	})

	disp := dispatcher.New(dispatcher.Config{
		Store:    db,
		Registry: reg,
		Executor: exec,
		Notifier: notif,
		Logger:   logger,
	})

	failed, requeued, err := exec.SweepOrphans(ctx)
	if err != nil {
		return fmt.Errorf("sweeping orphaned tasks: %w", err)
	}
	if failed > 0 || requeued > 0 {
		logger.Info("startup sweep", "failed", failed, "requeued", requeued)
	}

	srv, err := server.New(cfg.Addr, server.Config{
		Dispatcher: disp,
		Store:      db,
		Hub:        hub,
		Logger:     logger,
		Reply: func(ctx context.Context, channel, thread, text string) error {
			_, err := chatClient.PostMessage(ctx, notifier.Message{
				Channel:  channel,
				ThreadTS: thread,
				Text:     text,
			})
			return err
		},
	})
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		srv.Close()
	}()

	logger.Info("dispatchd listening", "addr", srv.Addr(), "version", version)
	serveErr := srv.Serve()

	// Let in-flight tasks finish before exiting.
	exec.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return serveErr
}

// runOnce executes a single task in the foreground. Exit codes: 0 on
// success, 1 when the request is invalid or the project cannot be resolved,
// 2 when preparation or the agent fails.
func runOnce(args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: dispatchd run <project> <description>")
		return 1
	}
	projectRef := args[0]
	description := strings.Join(args[1:], " ")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatchd run: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := registry.Load(cfg.RegistryPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatchd run: %v\n", err)
		return 1
	}

	res := resolver.Resolve(projectRef, reg.ListActive())
	if !res.Resolved {
		fmt.Fprintf(os.Stderr, "no project matches %q; active projects:\n", projectRef)
		for _, p := range res.Candidates {
			fmt.Fprintf(os.Stderr, "  %s (%s)\n", p.ID, p.Name)
		}
		return 1
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatchd run: %v\n", err)
		return 2
	}
	defer db.Close()

	exec := executor.New(executor.Config{
		Store:        db,
		Projects:     reg,
		Agent:        &agent.Runner{Command: cfg.AgentCommand, Args: cfg.AgentArgs, Timeout: cfg.AgentTimeout},
		Notifier:     nil,
		MaxRunning:   1,
		BranchPrefix: cfg.BranchPrefix,
		ReposDir:     cfg.ReposDir,
		Logger:       logger,
		OnTaskLog: func(_, line string) {
			fmt.Println(line)
		},
	})

	task, _, err := db.CreateTask(store.Task{
		ProjectID:   res.Project.ID,
		Description: description,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatchd run: %v\n", err)
		return 2
	}

	if err := exec.Enqueue(ctx, task); err != nil {
		fmt.Fprintf(os.Stderr, "dispatchd run: %v\n", err)
		return 2
	}
	exec.Wait()

	final, err := db.GetTask(task.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatchd run: %v\n", err)
		return 2
	}
	if final.Status != lifecycle.StatusCompleted {
		fmt.Fprintf(os.Stderr, "task %s: %s\n", final.ID, final.ErrorMessage)
		return 2
	}

	fmt.Printf("task %s completed on branch %s\n", final.ID, final.BranchName)
	return 0
}
