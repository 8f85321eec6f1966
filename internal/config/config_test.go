package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BridgePort != 9777 {
		t.Fatalf("BridgePort = %d; want 9777", cfg.BridgePort)
	}
	if cfg.BindAddr != "127.0.0.1:8190" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if len(cfg.BindFallbackAddrs) != 2 {
		t.Fatalf("BindFallbackAddrs = %v", cfg.BindFallbackAddrs)
	}
	if cfg.ExecTimeoutMS != 5000 {
		t.Fatalf("ExecTimeoutMS = %d", cfg.ExecTimeoutMS)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HOSTBRIDGE_PORT", "9001")
	t.Setenv("CONTROLLER_LOG_LEVEL", "DEBUG")
	t.Setenv("CONTROLLER_EXEC_TIMEOUT_MS", "250")
	t.Setenv("CONTROLLER_BIND_FALLBACKS", " 127.0.0.1:9100 ,, 127.0.0.1:9101 ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BridgePort != 9001 {
		t.Fatalf("BridgePort = %d; want 9001", cfg.BridgePort)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q; want lowered", cfg.LogLevel)
	}
	// Sub-second timeouts are clamped.
	if cfg.ExecTimeoutMS != 1000 {
		t.Fatalf("ExecTimeoutMS = %d; want clamped to 1000", cfg.ExecTimeoutMS)
	}
	if len(cfg.BindFallbackAddrs) != 2 || cfg.BindFallbackAddrs[0] != "127.0.0.1:9100" {
		t.Fatalf("BindFallbackAddrs = %v", cfg.BindFallbackAddrs)
	}
}

func TestBridgeURL(t *testing.T) {
	cfg := &Config{BridgeAddress: "127.0.0.1", BridgePort: 9777}
	if got, want := cfg.BridgeURL(), "ws://127.0.0.1:9777/bridge"; got != want {
		t.Fatalf("BridgeURL() = %q; want %q", got, want)
	}
}
