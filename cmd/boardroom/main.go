// Command boardroom runs the multi-agent orchestrator.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"boardroom/internal/orch"
	"boardroom/pkg/config"
	"boardroom/pkg/logx"
)

func main() {
	configPath := flag.String("config", "boardroom.yaml", "path to the YAML config file")
	secretsFile := flag.String("secrets-file", "", "optional flat JSON secrets file")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus metrics listen address, empty to disable")
	flag.Parse()

	logger := logx.NewLogger("main")

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("Failed to load config: %v", err)
		os.Exit(1)
	}

	secrets := config.NewSecrets("", *secretsFile)
	if err := unlockSecrets(secrets); err != nil {
		logger.Error("Failed to unlock secrets: %v", err)
		os.Exit(1)
	}

	orchestrator, err := orch.New(cfg, secrets)
	if err != nil {
		logger.Error("Failed to build orchestrator: %v", err)
		os.Exit(1)
	}
	if err := orchestrator.Start(); err != nil {
		logger.Error("Failed to start orchestrator: %v", err)
		os.Exit(1)
	}

	if *metricsAddr != "" {
		go serveMetrics(logger, *metricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received %s, shutting down", sig)
	orchestrator.Stop()
}

// loadConfig reads the config file, falling back to defaults when the path
// does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return config.LoadConfig(path)
}

// unlockSecrets prompts for the passphrase when an encrypted secrets file is
// present and stdin is a terminal.
func unlockSecrets(secrets *config.Secrets) error {
	if !config.EncryptedSecretsExist(".") {
		return nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("encrypted secrets present but stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Secrets passphrase: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to read passphrase: %w", err)
	}
	return secrets.LoadEncryptedSecrets(".", string(password))
}

func serveMetrics(logger *logx.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("Serving metrics on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics server failed: %v", err)
	}
}
