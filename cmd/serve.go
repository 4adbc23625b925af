package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/samsaffron/chatrelay/internal/cancel"
	"github.com/samsaffron/chatrelay/internal/chat"
	"github.com/samsaffron/chatrelay/internal/config"
	"github.com/samsaffron/chatrelay/internal/llm"
	"github.com/samsaffron/chatrelay/internal/server"
	"github.com/samsaffron/chatrelay/internal/store"
	"github.com/samsaffron/chatrelay/internal/tools"
	"github.com/samsaffron/chatrelay/internal/tts"
)

var (
	listenFlag string
	dbFlag     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat relay API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenFlag, "listen", "", "Listen address (overrides config)")
	serveCmd.Flags().StringVar(&dbFlag, "db", "", "SQLite database path (overrides config)")
}

func newLogger() (*zap.SugaredLogger, error) {
	if debug {
		log, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		return log.Sugar(), nil
	}
	log, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return log.Sugar(), nil
}

func runServe() error {
	// A .env next to the binary is the dev-setup path for keys.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if listenFlag != "" {
		cfg.Server.Listen = listenFlag
	}
	if dbFlag != "" {
		cfg.Database.Path = dbFlag
	}

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	openclaw := llm.NewOpenClawProviderWithHeaders(
		cfg.OpenClaw.BaseURL, cfg.OpenClaw.APIKey, cfg.OpenClaw.Model,
		"openclaw", sessionHeaders(cfg.OpenClaw.SessionKey))
	lexi := llm.NewOllamaProvider(cfg.Lexi.BaseURL, cfg.Lexi.Model, "lexi")
	omega := llm.NewOllamaProvider(cfg.Omega.BaseURL, cfg.Omega.Model, "omega")

	route := func(model string) (llm.Provider, int) {
		switch model {
		case cfg.Lexi.Model:
			return lexi, cfg.Lexi.ContextSize
		case cfg.Omega.Model:
			return omega, cfg.Omega.ContextSize
		default:
			return openclaw, cfg.OpenClaw.ContextSize
		}
	}

	registry := cancel.NewRegistry()
	executor := tools.NewRegistry(log,
		tools.NewWebSearchTool(cfg.Search.Endpoint, cfg.Search.APIKey),
	)
	compactor := chat.NewCompactor(cfg.Compaction, openclaw, log)

	var synth *tts.Synthesizer
	if cfg.TTS.Enabled {
		synth = tts.NewSynthesizer(cfg.TTS.BaseURL, cfg.TTS.APIKey, cfg.TTS.Model, cfg.TTS.Voice)
	}

	orch := chat.NewOrchestrator(st, route, executor, registry, compactor, synth, chat.Settings{
		Chat:     cfg.Chat,
		Thinking: cfg.Thinking,
		TTS:      cfg.TTS,
	}, log)

	auth := server.TokenAuth(cfg.Server.AuthToken, "default")
	srv := server.New(st, orch, registry, auth, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.Server.Listen); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Infow("shutting down")
	shutdownCtx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()
	return srv.Shutdown(shutdownCtx)
}

// sessionHeaders builds the extra headers the hosted gateway expects
// when a session key is configured.
func sessionHeaders(sessionKey string) map[string]string {
	if sessionKey == "" {
		return nil
	}
	return map[string]string{"X-Session-Key": sessionKey}
}
