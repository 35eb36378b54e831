package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ekisa-team/fedassist/internal/backend"
	"github.com/ekisa-team/fedassist/internal/backend/llama"
	"github.com/ekisa-team/fedassist/internal/chat"
	"github.com/ekisa-team/fedassist/internal/chat/content"
	"github.com/ekisa-team/fedassist/internal/config"
	"github.com/ekisa-team/fedassist/internal/envvar"
	"github.com/ekisa-team/fedassist/internal/metrics"
	"github.com/ekisa-team/fedassist/internal/model"
	"github.com/ekisa-team/fedassist/internal/service"
)

func newChatCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start the interactive recommendation chat",
		Long: "Start the interactive chat. Type clear to reset the conversation and stop to quit.\n" +
			"Ctrl+C interrupts the response being generated; at the prompt it is ignored.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (disabled when empty)")

	return cmd
}

func runChat(parent context.Context, flags *rootFlags) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM)
	defer stop()

	var chatService atomic.Pointer[service.Chat]

	watcher, err := config.NewWatcher(flags.configPath, flags.schemaPath, func(cfg *config.Config, err error) {
		// Failed reloads are logged by the watcher and keep the previous parameters.
		if err != nil {
			return
		}
		if svc := chatService.Load(); svc != nil {
			svc.SetParameters(cfg.Chat.Parameters)
			slog.Info("Generation parameters reloaded", "parameters", cfg.Chat.Parameters)
		}
	})
	if err != nil {
		return err
	}
	defer watcher.Close()

	cfg := watcher.Snapshot()
	if cfg.Chat.Model == "" {
		return errors.New("config has no chat.model")
	}

	manager := model.NewManager()
	if err := manager.LoadModelsFromConfig(ctx, cfg, cfg.Chat.Model); err != nil {
		return err
	}

	timeout, err := cfg.Chat.GenerationTimeout()
	if err != nil {
		return err
	}

	binary := cfg.Chat.Binary
	if p := os.Getenv(envvar.FedassistLlamaBin); p != "" {
		binary = p
	}

	llamaBackend, err := llama.NewBackend(binary, timeout)
	if err != nil {
		return fmt.Errorf("failed to create llama.cpp backend: %w", err)
	}

	backends := backend.NewRegistry()
	if err := backends.Register(llamaBackend); err != nil {
		return err
	}
	defer func() {
		if err := backends.Close(); err != nil {
			slog.Warn("Failed to close backends", "error", err)
		}
	}()

	svc := service.NewChat(backends, manager, backend.BackendProviderLlamaCPP, cfg.Chat.Model, cfg.Chat.Parameters)
	chatService.Store(svc)

	payloads, err := content.Load()
	if err != nil {
		return err
	}

	if flags.metricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, flags.metricsAddr); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	session := chat.NewSession(svc,
		chat.NewDispatcher(cfg.Chat.AssistantName, chat.RecommendationRules(payloads)...),
		chat.WithBanner(cfg.Chat.Banner),
		chat.WithModelLabel(cfg.Chat.ModelLabel),
		chat.WithInterrupts(interrupts(ctx)),
	)

	slog.Info("Chat ready", "model", cfg.Chat.Model, "binary", binary, "session", session.ID())

	err = session.Run(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}

	return err
}

// interrupts turns SIGINT into non-blocking notifications for the session.
func interrupts(ctx context.Context) <-chan struct{} {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	out := make(chan struct{}, 1)
	go func() {
		defer signal.Stop(sig)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out
}
