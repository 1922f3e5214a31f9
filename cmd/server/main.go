package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	chatwebui "github.com/MegaGrindStone/chat-web-ui"
	"github.com/MegaGrindStone/chat-web-ui/internal/grid"
	"github.com/MegaGrindStone/chat-web-ui/internal/handlers"
	"github.com/MegaGrindStone/chat-web-ui/internal/render"
	"github.com/MegaGrindStone/chat-web-ui/internal/services"
	"github.com/MegaGrindStone/chat-web-ui/internal/session"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "chatwebui")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfgFilePath := flag.String("config", defaultConfigFile(cfgPath), "path to the config file (.yaml or .toml)")
	flag.Parse()

	cfg, err := loadConfig(*cfgFilePath)
	if err != nil {
		fatal(err)
	}

	level, err := cfg.logLevel()
	if err != nil {
		fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	llm, err := cfg.LLM.llm(cfg.SystemPrompt, logger)
	if err != nil {
		fatal(fmt.Errorf("error creating llm: %w", err))
	}
	titleGen, err := cfg.LLM.titleGen(logger)
	if err != nil {
		fatal(fmt.Errorf("error creating title generator: %w", err))
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(cfgPath, "store.db")
	}
	boltDB, err := services.NewBoltDB(dbPath)
	if err != nil {
		fatal(fmt.Errorf("error opening store: %w", err))
	}
	defer boltDB.Close()

	cells := grid.NewRegistry()
	for id, dg := range cfg.DataGrids {
		frame := grid.NewFrame(dg.Columns, dg.Rows, nil)
		cells.Register(id, frame.UpdateCells)
		logger.Info("Data grid registered", slog.String("outputID", id), slog.Int("rows", len(dg.Rows)))
	}

	// loadConfig has already validated the mode.
	errorMode, _ := session.ParseErrorMode(cfg.ErrorMode)
	opts := handlers.Options{
		ScrollThreshold: cfg.ScrollThreshold,
		Placeholder:     cfg.Placeholder,
		SubmitBurst:     cfg.SubmitBurst,
		ErrorMode:       errorMode,
		TokenLimits: session.TokenLimits{
			Max:     cfg.TokenLimits.Max,
			Reserve: cfg.TokenLimits.Reserve,
		},
	}
	if cfg.SubmitRate > 0 {
		opts.SubmitRate = rate.Limit(cfg.SubmitRate)
	}

	m, err := handlers.NewMain(llm, titleGen, boltDB, render.NewMarkdown(cfg.CodeStyle), cells, opts, logger)
	if err != nil {
		fatal(err)
	}

	// Serve static files
	staticFS, err := fs.Sub(chatwebui.StaticFS, "static")
	if err != nil {
		fatal(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	r := mux.NewRouter()
	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", fileServer))
	r.HandleFunc("/", m.HandleHome).Methods(http.MethodGet)
	r.HandleFunc("/chats", m.HandleChats)
	r.HandleFunc("/chats/viewport", m.HandleViewport)
	r.HandleFunc("/chats/clear", m.HandleClearMessages)
	r.HandleFunc("/sse", m.HandleSSE).Methods(http.MethodGet)
	r.HandleFunc("/ws", m.HandleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/outputs/{id}/"+grid.HandlerCellsUpdate, m.HandleCellsUpdate).Methods(http.MethodPost)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Streaming connections never go idle, so they are closed as soon as shutdown starts.
	mainDone := make(chan struct{})
	srv.RegisterOnShutdown(func() {
		defer close(mainDone)
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown chat runtimes", slog.String("error", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", slog.String("error", err.Error()))
		}

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("error", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("error", err.Error()))
			}
		}

		select {
		case <-mainDone:
		case <-ctx.Done():
		}
	}
}

// defaultConfigFile prefers config.yaml and falls back to config.toml when only that one exists.
func defaultConfigFile(dir string) string {
	yamlPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return yamlPath
	}
	tomlPath := filepath.Join(dir, "config.toml")
	if _, err := os.Stat(tomlPath); err == nil {
		return tomlPath
	}
	return yamlPath
}

func fatal(err error) {
	slog.Error("Fatal error", slog.String("error", err.Error()))
	os.Exit(1)
}
