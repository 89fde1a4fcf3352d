package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calegria/diagraph"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := diagraph.DefaultConfig()
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			slog.Error("opening config", "error", err)
			os.Exit(1)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			slog.Error("parsing config", "error", err)
			os.Exit(1)
		}
	}

	// Override from environment variables.
	if v := os.Getenv("DIAGRAPH_PROJECTS_ROOT"); v != "" {
		cfg.ProjectsRoot = v
	}
	if v := os.Getenv("DIAGRAPH_CHAT_BASE_URL"); v != "" {
		cfg.Chat.BaseURL = v
	}
	if v := os.Getenv("DIAGRAPH_CHAT_MODEL"); v != "" {
		cfg.Chat.Model = v
	}
	if v := os.Getenv("DIAGRAPH_CHAT_API_KEY"); v != "" {
		cfg.Chat.APIKey = v
	}
	if v := os.Getenv("DIAGRAPH_LONG_API_KEY"); v != "" {
		cfg.LongContext.APIKey = v
	}
	if v := os.Getenv("DIAGRAPH_VISION_API_KEY"); v != "" {
		cfg.Vision.APIKey = v
	}
	if v := os.Getenv("DIAGRAPH_EMBED_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("DIAGRAPH_VALIDATOR_URL"); v != "" {
		cfg.ValidatorURL = v
	}

	// Fallback: one DashScope key covers the three Aliyun-hosted roles.
	if v := os.Getenv("DASHSCOPE_API_KEY"); v != "" {
		if cfg.LongContext.APIKey == "" {
			cfg.LongContext.APIKey = v
		}
		if cfg.Vision.APIKey == "" {
			cfg.Vision.APIKey = v
		}
		if cfg.Embedding.APIKey == "" {
			cfg.Embedding.APIKey = v
		}
	}
	if cfg.Chat.APIKey == "" {
		cfg.Chat.APIKey = os.Getenv("DEEPSEEK_API_KEY")
	}

	apiKey := os.Getenv("DIAGRAPH_API_KEY")
	corsOrigins := os.Getenv("DIAGRAPH_CORS_ORIGINS")

	pipeline, err := diagraph.New(cfg)
	if err != nil {
		slog.Error("creating pipeline", "error", err)
		os.Exit(1)
	}
	defer pipeline.Close()

	h := newHandler(pipeline)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.handleHealth)

	mux.HandleFunc("GET /projects", h.handleListProjects)
	mux.HandleFunc("POST /projects", h.handleCreateProject)
	mux.HandleFunc("POST /projects/switch", h.handleSwitchProject)

	mux.HandleFunc("POST /upload", h.handleUpload)
	mux.HandleFunc("GET /files", h.handleListFiles)
	mux.HandleFunc("DELETE /files/{id}", h.handleDeleteFile)

	mux.HandleFunc("POST /generate", h.handleGenerate)
	mux.HandleFunc("POST /generate/stream", h.handleGenerateStream)
	mux.HandleFunc("POST /fix", h.handleFix)
	mux.HandleFunc("POST /optimize", h.handleOptimize)

	mux.HandleFunc("POST /repo/analyze", h.handleRepoAnalyze)
	mux.HandleFunc("GET /tasks/{id}", h.handleTask)

	mux.HandleFunc("GET /history", h.handleHistory)
	mux.HandleFunc("DELETE /history", h.handleClearHistory)
	mux.HandleFunc("DELETE /history/{id}", h.handleDeleteHistory)

	mux.HandleFunc("GET /graph", h.handleGraph)
	mux.HandleFunc("GET /models", h.handleModels)
	mux.HandleFunc("POST /config/llm", h.handleUpdateLLM)

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(apiKey, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses (generation can be long)
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}
