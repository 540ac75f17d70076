package main

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"edge-tunnel/tunnel"
)

const configFile = "edge_tunnel.json"

type TunnelConfig struct {
	RelayHost           string `json:"relay_host"`
	RelayPort           int    `json:"relay_port"`
	RelayPath           string `json:"relay_path"`
	Secure              *bool  `json:"secure,omitempty"`
	ReconnectIntervalMs int    `json:"reconnect_interval_ms"`
	PingIntervalMs      int    `json:"ping_interval_ms"`
	PongWaitMs          int    `json:"pong_wait_ms"`
	WriteTimeoutMs      int    `json:"write_timeout_ms"`

	StoreDir     string `json:"store_dir"`
	FallbackAddr string `json:"fallback_addr"`
	SPAFallback  *bool  `json:"spa_fallback,omitempty"`

	DeviceID    string `json:"device_id"`
	TokenTTLSec int    `json:"token_ttl_s"`

	// only from TUNNEL_TOKEN_SECRET
	TokenSecret string `json:"-"`
}

func boolPtr(b bool) *bool { return &b }

// defaultConfig returns sane defaults when edge_tunnel.json
// is missing or invalid.
func defaultConfig() *TunnelConfig {
	return &TunnelConfig{
		RelayHost:           "relay.example.com",
		RelayPort:           443,
		RelayPath:           "/tunnel",
		Secure:              boolPtr(true),
		ReconnectIntervalMs: 5000,
		PingIntervalMs:      15000,
		PongWaitMs:          45000,
		WriteTimeoutMs:      10000,
		StoreDir:            "data",
		FallbackAddr:        ":8080",
		SPAFallback:         boolPtr(true),
		TokenTTLSec:         3600,
	}
}

func (c *TunnelConfig) Endpoint() tunnel.Endpoint {
	return tunnel.Endpoint{
		Host:   c.RelayHost,
		Port:   c.RelayPort,
		Path:   c.RelayPath,
		Secure: c.Secure == nil || *c.Secure,
	}
}

func (c *TunnelConfig) SessionConfig() tunnel.SessionConfig {
	cfg := tunnel.DefaultSessionConfig()
	cfg.ReconnectInterval = time.Duration(c.ReconnectIntervalMs) * time.Millisecond
	cfg.PingInterval = time.Duration(c.PingIntervalMs) * time.Millisecond
	cfg.PongWait = time.Duration(c.PongWaitMs) * time.Millisecond
	cfg.WriteTimeout = time.Duration(c.WriteTimeoutMs) * time.Millisecond
	return cfg
}

// StorePath resolves store_dir against the project root.
func (c *TunnelConfig) StorePath(projectRoot string) string {
	if filepath.IsAbs(c.StoreDir) {
		return c.StoreDir
	}
	return filepath.Join(projectRoot, c.StoreDir)
}

// loadConfig tries to read edge_tunnel.json from projectRoot;
// falls back to defaults on any error. Env overrides are applied last.
func loadConfig(projectRoot string) *TunnelConfig {
	cfg := readConfig(projectRoot)

	if addr := os.Getenv("TUNNEL_FALLBACK_ADDR"); addr != "" {
		cfg.FallbackAddr = addr
	}
	cfg.TokenSecret = os.Getenv("TUNNEL_TOKEN_SECRET")

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.New().String()
		log.Printf("[config] device_id missing, generated %s for this run", cfg.DeviceID)
	}
	return cfg
}

func readConfig(projectRoot string) *TunnelConfig {
	cfgPath := filepath.Join(projectRoot, configFile)

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		log.Printf("[config] no %s found at %s, using defaults: %v", configFile, cfgPath, err)
		return defaultConfig()
	}

	var cfg TunnelConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		log.Printf("[config] invalid %s (%s), using defaults: %v", configFile, cfgPath, err)
		return defaultConfig()
	}

	def := defaultConfig()

	//
	// -------------------------
	// Relay endpoint
	// -------------------------
	//

	if cfg.RelayHost == "" {
		log.Printf("[config] relay_host is empty, falling back to %s", def.RelayHost)
		cfg.RelayHost = def.RelayHost
	}

	if cfg.RelayPort <= 0 || cfg.RelayPort > 65535 {
		log.Printf("[config] relay_port=%d is invalid, falling back to %d", cfg.RelayPort, def.RelayPort)
		cfg.RelayPort = def.RelayPort
	}

	if cfg.RelayPath == "" {
		cfg.RelayPath = def.RelayPath
	} else if !strings.HasPrefix(cfg.RelayPath, "/") {
		log.Printf("[config] relay_path=%q does not start with '/', fixing", cfg.RelayPath)
		cfg.RelayPath = "/" + cfg.RelayPath
	}

	if cfg.Secure == nil {
		cfg.Secure = def.Secure
	} else if !*cfg.Secure {
		log.Printf("[config] secure=false, the tunnel will run over plain ws://")
	}

	//
	// -------------------------
	// Timing
	// -------------------------
	//

	if cfg.ReconnectIntervalMs <= 0 {
		log.Printf("[config] reconnect_interval_ms=%d is invalid, falling back to %dms", cfg.ReconnectIntervalMs, def.ReconnectIntervalMs)
		cfg.ReconnectIntervalMs = def.ReconnectIntervalMs
	}

	if cfg.PingIntervalMs <= 0 {
		log.Printf("[config] ping_interval_ms=%d is invalid, falling back to %dms", cfg.PingIntervalMs, def.PingIntervalMs)
		cfg.PingIntervalMs = def.PingIntervalMs
	}

	if cfg.PongWaitMs <= cfg.PingIntervalMs {
		fixed := def.PongWaitMs
		if fixed <= cfg.PingIntervalMs {
			fixed = cfg.PingIntervalMs * 3
		}
		log.Printf("[config] pong_wait_ms=%d must exceed ping_interval_ms=%d, falling back to %dms", cfg.PongWaitMs, cfg.PingIntervalMs, fixed)
		cfg.PongWaitMs = fixed
	}

	if cfg.WriteTimeoutMs <= 0 {
		log.Printf("[config] write_timeout_ms=%d is invalid, falling back to %dms", cfg.WriteTimeoutMs, def.WriteTimeoutMs)
		cfg.WriteTimeoutMs = def.WriteTimeoutMs
	}

	//
	// -------------------------
	// Store / fallback server
	// -------------------------
	//

	if cfg.StoreDir == "" {
		log.Printf("[config] store_dir is empty, using %q", def.StoreDir)
		cfg.StoreDir = def.StoreDir
	}

	if cfg.FallbackAddr == "" {
		cfg.FallbackAddr = def.FallbackAddr
	}

	if cfg.SPAFallback == nil {
		cfg.SPAFallback = def.SPAFallback
	}

	if cfg.TokenTTLSec <= 0 {
		cfg.TokenTTLSec = def.TokenTTLSec
	}

	return &cfg
}

//
// -------------------------------------------------------------
// PROJECT ROOT DISCOVERY (dir containing go.mod)
// -------------------------------------------------------------
//

func getProjectRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}

	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return wd
		}
		dir = parent
	}
}
