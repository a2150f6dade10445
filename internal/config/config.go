// Package config loads pod configuration the way §6.5 requires:
// environment variables are authoritative, with defaults filled in for
// anything unset. An optional YAML file provides a third layer between the
// defaults and the environment (ops convenience for knobs that rarely
// change), mirroring the
// user-config / project-config / merged precedence shape common to the
// rest of this codebase's tooling, just with env replacing "project" as
// the highest-priority layer.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	goyaml "gopkg.in/yaml.v3"
)

// Config holds every knob named in §6.5, after defaults + file + env have
// been merged. Hot is the subset that MAY be changed by a live file reload
// without restarting the pod (§2 AMBIENT); the rest is fixed at startup.
type Config struct {
	PodID              string
	ListenAddr         string
	EdgeTokenSecret    string
	StreamURL          string
	OpStoreURL         string
	MaxRoomsPerPod     int
	MaxSessionsPerRoom int

	Hot
}

// Hot is the safe-to-hot-reload subset of Config.
type Hot struct {
	IdleRoomGrace      time.Duration
	PresenceTTL        time.Duration
	EgressBytes        int
	EgressFrames       int
	SlowClientTimeout  time.Duration
	DrainTimeout       time.Duration
	StreamMaxEntries   int
	StreamMaxAgeSecond time.Duration
}

func defaults() *koanf.Koanf {
	k := koanf.New(".")
	defs := map[string]any{
		"pod_id":                 "",
		"listen_addr":            ":8080",
		"edge_token_secret":      "",
		"stream_url":             "",
		"op_store_url":           "",
		"idle_room_grace_s":      60,
		"presence_ttl_s":         120,
		"egress_bytes":           64 * 1024,
		"egress_frames":          256,
		"slow_client_timeout_ms": 1000,
		"drain_timeout_s":        10,
		"stream_max_entries":     1000,
		"stream_max_age_s":       60,
		"max_rooms_per_pod":      0,
		"max_sessions_per_room":  0,
	}
	for key, v := range defs {
		_ = k.Set(key, v)
	}
	return k
}

// Load builds a Config from defaults, an optional YAML file at filePath
// (ignored if filePath is empty or the file does not exist), and the
// process environment — in that increasing order of precedence.
func Load(filePath string) (*Config, error) {
	k := defaults()

	if filePath != "" {
		if _, err := os.Stat(filePath); err == nil {
			if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", filePath, err)
			}
		}
	}

	// No delimiter: the keys in envKeys are flat ("presence_ttl_s") and must
	// not be split on "_" into nested paths. An empty value counts as unset.
	if err := k.Load(env.ProviderWithValue("", "", func(s string, v string) (string, any) {
		key := envKey(s)
		if key == "" || v == "" {
			return "", nil
		}
		return key, v
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	return fromKoanf(k)
}

// envKeys maps the §6.5 environment variable names to the koanf dotted
// keys used internally. Anything not in this table is ignored — the pod
// does not slurp the whole environment.
var envKeys = map[string]string{
	"POD_ID":                 "pod_id",
	"LISTEN_ADDR":            "listen_addr",
	"EDGE_TOKEN_SECRET":      "edge_token_secret",
	"STREAM_URL":             "stream_url",
	"OP_STORE_URL":           "op_store_url",
	"IDLE_ROOM_GRACE_S":      "idle_room_grace_s",
	"PRESENCE_TTL_S":         "presence_ttl_s",
	"EGRESS_BYTES":           "egress_bytes",
	"EGRESS_FRAMES":          "egress_frames",
	"SLOW_CLIENT_TIMEOUT_MS": "slow_client_timeout_ms",
	"DRAIN_TIMEOUT_S":        "drain_timeout_s",
	"STREAM_MAX_ENTRIES":     "stream_max_entries",
	"STREAM_MAX_AGE_S":       "stream_max_age_s",
	"MAX_ROOMS_PER_POD":      "max_rooms_per_pod",
	"MAX_SESSIONS_PER_ROOM":  "max_sessions_per_room",
}

func envKey(envVar string) string {
	return envKeys[envVar]
}

func fromKoanf(k *koanf.Koanf) (*Config, error) {
	cfg := &Config{
		PodID:              k.String("pod_id"),
		ListenAddr:         k.String("listen_addr"),
		EdgeTokenSecret:    k.String("edge_token_secret"),
		StreamURL:          k.String("stream_url"),
		OpStoreURL:         k.String("op_store_url"),
		MaxRoomsPerPod:     k.Int("max_rooms_per_pod"),
		MaxSessionsPerRoom: k.Int("max_sessions_per_room"),
		Hot: Hot{
			IdleRoomGrace:      time.Duration(k.Int("idle_room_grace_s")) * time.Second,
			PresenceTTL:        time.Duration(k.Int("presence_ttl_s")) * time.Second,
			EgressBytes:        k.Int("egress_bytes"),
			EgressFrames:       k.Int("egress_frames"),
			SlowClientTimeout:  time.Duration(k.Int("slow_client_timeout_ms")) * time.Millisecond,
			DrainTimeout:       time.Duration(k.Int("drain_timeout_s")) * time.Second,
			StreamMaxEntries:   k.Int("stream_max_entries"),
			StreamMaxAgeSecond: time.Duration(k.Int("stream_max_age_s")) * time.Second,
		},
	}
	if cfg.PodID == "" {
		return nil, fmt.Errorf("POD_ID is required")
	}
	return cfg, nil
}

// YAML renders the loaded config for operator inspection (e.g. `pod config
// print`). The EdgeTokenSecret field is never serialized.
func (c *Config) YAML() (string, error) {
	redacted := *c
	redacted.EdgeTokenSecret = ""
	data, err := goyaml.Marshal(redacted)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(data), nil
}

// ParseIntEnv is a small helper for validating a single numeric
// environment override outside the koanf pipeline.
func ParseIntEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}
