package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/testbrain/testbrain/internal/api"
	"github.com/testbrain/testbrain/internal/chunker"
	"github.com/testbrain/testbrain/internal/config"
	"github.com/testbrain/testbrain/internal/generate"
	"github.com/testbrain/testbrain/internal/index"
	"github.com/testbrain/testbrain/internal/kb"
	"github.com/testbrain/testbrain/internal/llm"
	"github.com/testbrain/testbrain/internal/retrieval"
	"github.com/testbrain/testbrain/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the testbrain server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running testbrain server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show testbrain system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "testbrain.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "testbrain version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Check whether a server already holds this port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("testbrain is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("testbrain is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ollamaClient := llm.NewOllamaClient(cfg.Ollama.BaseURL, cfg.Ollama.EmbedModel, cfg.Ollama.ChatModel)
	if !ollamaClient.IsRunning(ctx) {
		printWarning("Ollama not reachable at %s; ingestion and retrieval will fail until it is running", cfg.Ollama.BaseURL)
	}

	var completer llm.CompletionProvider = ollamaClient
	if cfg.LLM.Provider == "gemini" {
		completer = llm.NewGeminiClient(cfg.Gemini.APIKey, cfg.Gemini.Model)
		slog.Info("generation provider", "provider", "gemini", "model", cfg.Gemini.Model)
	} else {
		slog.Info("generation provider", "provider", "ollama", "model", cfg.Ollama.ChatModel)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	idx := index.NewSQLiteIndex(store.DB())
	// Fail fast when the on-disk index was built with a different embedding
	// model than the one configured now.
	if err := idx.VerifyModel(ollamaClient.EmbedModel()); err != nil {
		return err
	}

	splitter := chunker.New(cfg.Chunking.Size, cfg.Chunking.Overlap)
	embedder := retrieval.NewEmbedder(ollamaClient, 0)
	retriever := retrieval.NewRetriever(embedder, idx)
	manager := kb.NewManager(splitter, embedder, idx, store, ollamaClient.EmbedModel())
	orchestrator := generate.NewOrchestrator(retriever, completer, idx, cfg.Generation.MaxTokens)

	handler := api.NewHandler(api.Deps{
		Manager:      manager,
		Orchestrator: orchestrator,
		Index:        idx,
		Store:        store,
		DefaultTopK:  cfg.Retrieval.TopK,
		BaseURL:      cfg.Generation.BaseURL,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server over stdio.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Retriever: retriever,
		Generator: &generatorAdapter{orch: orchestrator},
		Ingester:  &ingesterAdapter{mgr: manager},
		TopK:      cfg.Retrieval.TopK,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "testbrain listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// generatorAdapter narrows the orchestrator to the MCP tool surface.
type generatorAdapter struct {
	orch *generate.Orchestrator
}

func (a *generatorAdapter) TestCases(ctx context.Context, query string, topK int) (api.TestCaseArtifact, error) {
	result, err := a.orch.TestCases(ctx, query, topK)
	if err != nil {
		return api.TestCaseArtifact{}, err
	}
	return api.TestCaseArtifact{Table: result.Table, Cases: len(result.Cases)}, nil
}

func (a *generatorAdapter) Script(ctx context.Context, testCase string, topK int) (api.ScriptArtifact, error) {
	result, err := a.orch.Script(ctx, testCase, topK)
	if err != nil {
		return api.ScriptArtifact{}, err
	}
	return api.ScriptArtifact{Script: result.Script, MarkupName: result.MarkupName}, nil
}

// ingesterAdapter narrows the knowledge base manager to the MCP tool surface.
type ingesterAdapter struct {
	mgr *kb.Manager
}

func (a *ingesterAdapter) IngestDocument(ctx context.Context, doc chunker.Document) (int, error) {
	report, err := a.mgr.Ingest(ctx, []chunker.Document{doc}, nil, false)
	if err != nil {
		return 0, err
	}
	if report.DocsFailed > 0 {
		return 0, fmt.Errorf("%s", report.Docs[0].Error)
	}
	return report.ChunksAdded, nil
}

func (a *ingesterAdapter) ResetKB(ctx context.Context) error {
	return a.mgr.Reset(ctx)
}

func (a *ingesterAdapter) IndexedCount() (int, error) {
	return a.mgr.Count()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("testbrain is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop testbrain (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to testbrain (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var health struct {
			Status  string `json:"status"`
			Indexed int    `json:"indexed"`
		}
		if json.NewDecoder(resp.Body).Decode(&health) == nil && health.Status == "ok" {
			printStatus("Server", "running on port %d", cfg.Server.Port)
			printStatus("Indexed chunks", "%d", health.Indexed)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
		resp.Body.Close()
	}

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Provider", "%s", cfg.LLM.Provider)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	if cfg.LLM.Provider == "gemini" {
		printStatus("Chat model", "%s", cfg.Gemini.Model)
	} else {
		printStatus("Chat model", "%s", cfg.Ollama.ChatModel)
	}

	if resp != nil && resp.StatusCode == 200 {
		srcResp, err := client.Get(serverURL + "/sources")
		if err == nil {
			var sources []json.RawMessage
			if json.NewDecoder(srcResp.Body).Decode(&sources) == nil {
				printStatus("Sources", "%d", len(sources))
			}
			srcResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
