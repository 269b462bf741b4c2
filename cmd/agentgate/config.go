package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/jaakkos/agentgate/internal/policy"
)

// loadConfig loads configuration from --config, AGENTGATE_CONFIG or defaults,
// then applies environment overrides.
func loadConfig() (*policy.Config, error) {
	path := flagConfig
	if path == "" {
		path = os.Getenv("AGENTGATE_CONFIG")
	}
	cfg := policy.DefaultConfig()
	if path != "" {
		var err error
		cfg, err = policy.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogger creates a logger that writes to a log file and optionally stderr.
// When stderr is a terminal, logs go to both. When it is redirected (daemon
// mode), logs go only to the file to avoid duplicate lines.
func setupLogger(logFilePath string) *log.Logger {
	var writers []io.Writer

	hasLogFile := false
	lower := strings.ToLower(logFilePath)
	if lower != "none" && lower != "off" && logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
			f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				writers = append(writers, f)
				hasLogFile = true
			} else {
				fmt.Fprintf(os.Stderr, "[agentgate] Warning: cannot open log file %s: %v\n", logFilePath, err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "[agentgate] Warning: cannot create log dir %s: %v\n", filepath.Dir(logFilePath), err)
		}
	}

	if term.IsTerminal(int(os.Stderr.Fd())) || !hasLogFile {
		writers = append(writers, os.Stderr)
	}

	return log.New(io.MultiWriter(writers...), "[agentgate] ", log.LstdFlags|log.Lshortfile)
}
