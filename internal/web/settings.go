package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"meshar/internal/config"
	"meshar/internal/engine"
)

// SettingsPayloadIn is the strict POST schema. Every key is required; there
// are no partial updates.
type SettingsPayloadIn struct {
	MaxDistanceM   *float64 `json:"max_distance_m"`
	HFOVDeg        *float64 `json:"hfov_deg"`
	VFOVDeg        *float64 `json:"vfov_deg"`
	ClusterRadiusM *float64 `json:"cluster_radius_m"`
	Prediction     *bool    `json:"prediction"`
	Tracking       *bool    `json:"tracking"`
}

var settingsPostKeys = []string{
	"max_distance_m",
	"hfov_deg",
	"vfov_deg",
	"cluster_radius_m",
	"prediction",
	"tracking",
}

func decodeSettingsPayloadInStrict(body []byte) (SettingsPayloadIn, error) {
	dec := json.NewDecoder(bytes.NewReader(body))

	// First pass walks the tokens to catch unknown, duplicate, null and
	// missing keys, which encoding/json would otherwise accept.
	allowed := make(map[string]struct{}, len(settingsPostKeys))
	for _, k := range settingsPostKeys {
		allowed[k] = struct{}{}
	}
	seen := make(map[string]struct{}, len(settingsPostKeys))

	tok, err := dec.Token()
	if err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return SettingsPayloadIn{}, errors.New("invalid json: expected object")
	}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
		}
		key, ok := kt.(string)
		if !ok {
			return SettingsPayloadIn{}, errors.New("invalid json: expected string key")
		}
		if _, ok := allowed[key]; !ok {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: unknown key %q", key)
		}
		if _, dup := seen[key]; dup {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: duplicate key %q", key)
		}
		seen[key] = struct{}{}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
		}
		if strings.TrimSpace(string(raw)) == "null" {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: %q cannot be null", key)
		}
	}
	end, err := dec.Token()
	if err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	if delim, ok := end.(json.Delim); !ok || delim != '}' {
		return SettingsPayloadIn{}, errors.New("invalid json: expected end of object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return SettingsPayloadIn{}, errors.New("invalid json: trailing data")
	}
	for _, k := range settingsPostKeys {
		if _, ok := seen[k]; !ok {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: missing required key %q", k)
		}
	}

	var out SettingsPayloadIn
	dec2 := json.NewDecoder(bytes.NewReader(body))
	dec2.DisallowUnknownFields()
	if err := dec2.Decode(&out); err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	return out, nil
}

func (p SettingsPayloadIn) settings() engine.Settings {
	return engine.Settings{
		MaxDistanceM:   *p.MaxDistanceM,
		HFOVDeg:        *p.HFOVDeg,
		VFOVDeg:        *p.VFOVDeg,
		ClusterRadiusM: *p.ClusterRadiusM,
		Prediction:     *p.Prediction,
		Tracking:       *p.Tracking,
	}
}

// SettingsFromConfig is the runtime settings a config file starts with.
func SettingsFromConfig(cfg config.Config) engine.Settings {
	e := cfg.Engine
	s := engine.Settings{
		MaxDistanceM:   engine.DefaultMaxDistanceM,
		HFOVDeg:        e.HFOVOverrideDeg,
		VFOVDeg:        e.VFOVOverrideDeg,
		ClusterRadiusM: e.ClusterRadiusM,
		Prediction:     true,
		Tracking:       true,
	}
	if e.MaxDistanceM != nil {
		s.MaxDistanceM = *e.MaxDistanceM
	}
	if e.Prediction != nil {
		s.Prediction = *e.Prediction
	}
	if e.Tracking != nil {
		s.Tracking = *e.Tracking
	}
	return s
}

func applySettingsToConfig(cfg *config.Config, s engine.Settings) {
	e := &cfg.Engine
	maxDistance := s.MaxDistanceM
	e.MaxDistanceM = &maxDistance
	e.HFOVOverrideDeg = s.HFOVDeg
	e.VFOVOverrideDeg = s.VFOVDeg
	e.ClusterRadiusM = s.ClusterRadiusM
	prediction, tracking := s.Prediction, s.Tracking
	e.Prediction = &prediction
	e.Tracking = &tracking
}

// SettingsEngine applies runtime settings.
type SettingsEngine interface {
	Settings() engine.Settings
	SetSettings(s engine.Settings) error
}

type SettingsStore struct {
	// ConfigPath, when set, is where accepted settings are persisted.
	ConfigPath string
	Engine     SettingsEngine
}

func (s SettingsStore) persist(v engine.Settings) error {
	cfg, err := config.Load(s.ConfigPath)
	if err != nil {
		return err
	}
	applySettingsToConfig(&cfg, v)
	return config.Save(s.ConfigPath, cfg)
}

func writeSettings(w http.ResponseWriter, v engine.Settings) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func (s SettingsStore) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		if s.Engine == nil {
			http.Error(w, "settings not available", http.StatusNotImplemented)
			return
		}

		switch r.Method {
		case http.MethodGet:
			writeSettings(w, s.Engine.Settings())
			return

		case http.MethodPost:
			if ct := strings.TrimSpace(r.Header.Get("Content-Type")); ct != "application/json" {
				http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, fmt.Sprintf("read failed: %v", err), http.StatusBadRequest)
				return
			}
			p, err := decodeSettingsPayloadInStrict(body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			next := p.settings()
			if err := next.Validate(); err != nil {
				http.Error(w, fmt.Sprintf("invalid settings: %v", err), http.StatusBadRequest)
				return
			}

			old := s.Engine.Settings()
			if err := s.Engine.SetSettings(next); err != nil {
				http.Error(w, fmt.Sprintf("apply failed: %v", err), http.StatusBadRequest)
				return
			}
			if strings.TrimSpace(s.ConfigPath) != "" {
				if err := s.persist(next); err != nil {
					// Keep the runtime consistent with disk.
					_ = s.Engine.SetSettings(old)
					http.Error(w, fmt.Sprintf("save failed: %v", err), http.StatusInternalServerError)
					return
				}
			}
			writeSettings(w, next)
			return

		default:
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
	})

	return mux
}
