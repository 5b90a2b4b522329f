// Package web serves the status, settings and log APIs and streams the
// engine's output feeds to browsers over websockets.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"meshar/internal/buildinfo"
)

// IMUController exposes calibration actions for the motion hardware.
type IMUController interface {
	ZeroDrift(ctx context.Context) error
}

// Routes are the optional pieces Handler mounts. Nil fields are skipped.
type Routes struct {
	Status   *Status
	Settings SettingsStore
	Logs     *LogBuffer
	Streams  *Streams
	IMU      IMUController
	// ScenarioDir is listed by /api/scenarios.
	ScenarioDir string
}

type aboutResponse struct {
	Service string `json:"service"`
	NowUTC  string `json:"now_utc"`
	buildinfo.Info
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func Handler(rt Routes) http.Handler {
	mux := http.NewServeMux()
	status := rt.Status
	if status == nil {
		status = NewStatus()
	}
	scenarioDir := rt.ScenarioDir
	if scenarioDir == "" {
		scenarioDir = "configs/scenarios"
	}

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, status.Snapshot(time.Now().UTC()))
	})

	mux.HandleFunc("/api/imu/zero-drift", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if rt.IMU == nil {
			http.Error(w, "imu unavailable", http.StatusNotFound)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		if err := rt.IMU.ZeroDrift(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{\"ok\":true}\n"))
	})

	// Returns paths like "./configs/scenarios/ridge.yaml" for --scenario.
	mux.HandleFunc("/api/scenarios", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		resp := struct {
			Paths []string `json:"paths"`
		}{Paths: listScenarios(scenarioDir)}
		writeJSON(w, resp)
	})

	mux.Handle("/api/settings", rt.Settings.Handler())
	if rt.Logs != nil {
		mux.Handle("/api/logs", rt.Logs.Handler())
	}
	mux.HandleFunc("/api/about", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, aboutResponse{Service: "meshar", NowUTC: time.Now().UTC().Format(time.RFC3339Nano), Info: buildinfo.Read()})
	})
	if rt.Streams != nil {
		mux.Handle("/ws/", rt.Streams)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Path != "/" && (path.Dir(r.URL.Path) == "/api" || strings.HasPrefix(r.URL.Path, "/ws")) {
			http.NotFound(w, r)
			return
		}
		snap := status.Snapshot(time.Now().UTC())
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>meshar</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>meshar</h1><p>mode=%s tracked=%d uptime=%ds</p>", html.EscapeString(snap.Mode), snap.Tracked, snap.UptimeSec)
		_, _ = fmt.Fprintf(w, "<ul><li><a href=\"/api/status\">/api/status</a></li><li><a href=\"/api/settings\">/api/settings</a></li><li><a href=\"/api/logs?format=text\">/api/logs</a></li></ul>")
		_, _ = fmt.Fprintf(w, "<p>Streams: ")
		for _, name := range StreamNames {
			_, _ = fmt.Fprintf(w, "<code>/ws/%s</code> ", name)
		}
		_, _ = fmt.Fprintf(w, "</p></body></html>")
	})

	return mux
}

func listScenarios(dir string) []string {
	entries, err := os.ReadDir(filepath.FromSlash(dir))
	if err != nil {
		return []string{}
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		lower := strings.ToLower(e.Name())
		if !(strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")) {
			continue
		}
		p := path.Join(filepath.ToSlash(dir), e.Name())
		if !filepath.IsAbs(dir) {
			p = "./" + p
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
