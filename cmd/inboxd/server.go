package main

import (
	"context"
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

	"github.com/lmittmann/tint"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/inboxd/internal/api"
	"github.com/kalambet/inboxd/internal/config"
	"github.com/kalambet/inboxd/internal/failure"
	"github.com/kalambet/inboxd/internal/recovery"
	"github.com/kalambet/inboxd/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the inboxd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running inboxd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show inboxd system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(errorDBPath string) string {
	return filepath.Join(filepath.Dir(errorDBPath), "inboxd.pid")
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
	fmt.Fprintf(os.Stderr, "inboxd version %s\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      logLevel,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	})))

	// Check whether a server is already running before taking the PID file.
	pidPath := pidFilePath(cfg.Storage.ErrorDBPath)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open the error audit store. An unusable path fails loudly here.
	store, err := storage.Open(cfg.Storage.ErrorDBPath)
	if err != nil {
		return fmt.Errorf("opening error store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing error store", "error", err)
		}
	}()

	// The error manager and recovery engine are constructed once here and
	// shared by reference with every pipeline component.
	manager := failure.NewManager(store, cfg.Cache.MaxInMemory)
	engine := recovery.New(recovery.Config{
		Backoff:          recovery.Backoff{Base: cfg.Recovery.BaseDelay, Max: cfg.Recovery.MaxDelay},
		RateLimitBackoff: recovery.Backoff{Base: cfg.Recovery.RateLimitBaseDelay, Max: cfg.Recovery.MaxDelay},
		ReconnectTimeout: cfg.Recovery.ReconnectTimeout,
	})
	engine.Register(manager)

	handler := api.NewHandler(api.Deps{
		Store:     store,
		Manager:   manager,
		Token:     cfg.Server.APIToken,
		SweepDays: cfg.Retention.OlderThanDays,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store})
	stdioSrv := server.NewStdioServer(mcpSrv)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("inboxd listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := stdioSrv.Listen(gCtx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
		return nil
	})

	// Retention sweeper: periodically drop old resolved records.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.Retention.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				deleted, err := store.ClearResolvedErrors(cfg.Retention.OlderThanDays)
				if err != nil {
					slog.Error("retention sweep failed", "error", err)
					continue
				}
				if deleted > 0 {
					slog.Info("retention sweep removed resolved errors", "deleted", deleted, "older_than_days", cfg.Retention.OlderThanDays)
				}
			}
		}
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.ErrorDBPath)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("inboxd does not appear to be running (no PID file at %s)", pidPath)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("signalling process %d: %w", pid, err)
	}

	printSuccess("Sent SIGTERM to inboxd (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 2 * time.Second}
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "not running")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Error DB", "%s", cfg.Storage.ErrorDBPath)
	printStatus("Retention", "resolved errors older than %d days, swept every %s", cfg.Retention.OlderThanDays, cfg.Retention.SweepInterval)
	return nil
}
