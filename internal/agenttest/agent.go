// Package agenttest provides a fake agent server for tests.
//
// A test binary re-executes itself as the agent: TestMain calls RunIfAgent,
// which serves the fake API and exits when AGENTGATE_FAKE_AGENT is set.
package agenttest

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	envAgent = "AGENTGATE_FAKE_AGENT"
	envMode  = "AGENTGATE_FAKE_AGENT_MODE"

	// ModeFile in the agent's working directory overrides the env mode.
	ModeFile = ".fake-agent-mode"
)

// Modes select fake agent behaviour.
const (
	ModeHealthy      = "healthy"       // serves everything
	ModeNeverHealthy = "never-healthy" // health endpoint returns 503
	ModeExit         = "exit"          // exits with status 3 immediately
	ModeIgnoreTerm   = "ignore-term"   // ignores SIGTERM
)

// Command is the agent argv template pointing at the running test binary.
func Command() []string {
	return []string{os.Args[0], "--port", "{port}", "--cwd", "{cwd}"}
}

// Env returns the environment that turns the re-executed binary into the agent.
func Env(mode string) map[string]string {
	return map[string]string{envAgent: "1", envMode: mode}
}

// RunIfAgent serves the fake agent and exits when running as one.
// Call it first thing in TestMain.
func RunIfAgent() {
	if os.Getenv(envAgent) != "1" {
		return
	}
	mode := os.Getenv(envMode)
	if data, err := os.ReadFile(ModeFile); err == nil {
		mode = strings.TrimSpace(string(data))
	}
	os.Exit(serve(os.Args[1:], mode))
}

// SetMode writes the mode file into dir so the next agent started there uses mode.
func SetMode(dir, mode string) error {
	return os.WriteFile(filepath.Join(dir, ModeFile), []byte(mode+"\n"), 0o644)
}

func serve(args []string, mode string) int {
	var port int
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "--port" {
			port, _ = strconv.Atoi(args[i+1])
		}
	}
	if port == 0 {
		fmt.Fprintln(os.Stderr, "fake agent: --port required")
		return 2
	}

	switch mode {
	case ModeExit:
		fmt.Fprintln(os.Stderr, "fake agent: exiting on purpose")
		return 3
	case ModeIgnoreTerm:
		signal.Ignore(syscall.SIGTERM)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fake agent: listen: %v\n", err)
		return 1
	}

	srv := &http.Server{Handler: newMux(mode, ln)}
	srv.SetKeepAlivesEnabled(false)
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		// Listener closed through /__test/close: stay alive without serving.
		for {
			time.Sleep(time.Hour)
		}
	}
	return 0
}

func newMux(mode string, ln net.Listener) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /global/health", func(w http.ResponseWriter, r *http.Request) {
		if mode == ModeNeverHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"healthy": true, "pid": os.Getpid()})
	})

	mux.HandleFunc("GET /session", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]string{{"id": "ses_1"}})
	})
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		cwd, _ := os.Getwd()
		writeJSON(w, http.StatusOK, map[string]any{"id": "ses_1", "directory": cwd, "body": readJSON(r)})
	})
	mux.HandleFunc("GET /session/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "missing" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id})
	})
	mux.HandleFunc("DELETE /session/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, true)
	})
	mux.HandleFunc("GET /session/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []any{})
	})
	for _, op := range []string{"message", "command", "shell", "abort"} {
		mux.HandleFunc("POST /session/{id}/"+op, func(w http.ResponseWriter, r *http.Request) {
			id := r.PathValue("id")
			if id == "missing" {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"sessionID": id,
				"op":        op,
				"body":      readJSON(r),
				"requestID": r.Header.Get("X-Request-Id"),
			})
		})
	}

	// Server-sent events: count events, delay_ms apart.
	mux.HandleFunc("GET /event", func(w http.ResponseWriter, r *http.Request) {
		count, _ := strconv.Atoi(r.URL.Query().Get("count"))
		if count <= 0 {
			count = 3
		}
		delay, _ := strconv.Atoi(r.URL.Query().Get("delay_ms"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for i := 1; i <= count; i++ {
			fmt.Fprintf(w, "data: {\"n\":%d}\n\n", i)
			if flusher != nil {
				flusher.Flush()
			}
			if i < count {
				select {
				case <-r.Context().Done():
					return
				case <-time.After(time.Duration(delay) * time.Millisecond):
				}
			}
		}
	})

	mux.HandleFunc("GET /__test/env", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"value": os.Getenv(r.URL.Query().Get("name"))})
	})
	mux.HandleFunc("POST /__test/close", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = ln.Close()
	})
	return mux
}

func readJSON(r *http.Request) any {
	data, err := io.ReadAll(r.Body)
	if err != nil || len(data) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
