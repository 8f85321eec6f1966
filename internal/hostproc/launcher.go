// Package hostproc launches and supervises the document-host process with
// the bridge extension loaded.
package hostproc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"
)

// Config holds host launch configuration.
type Config struct {
	// BridgeAddress/BridgePort is where the extension's WebSocket bridge
	// dials back to the controller.
	BridgeAddress string
	BridgePort    int
	StartURL      string
	ProfileDir    string
	// ExtensionDir is the unpacked bridge extension loaded into the host.
	ExtensionDir string
	WindowSize   string
}

// Launcher manages the lifecycle of a document-host process.
type Launcher struct {
	cfg     Config
	cmd     *exec.Cmd
	running bool
}

// NewLauncher creates a launcher with the given config.
func NewLauncher(cfg Config) *Launcher {
	if cfg.WindowSize == "" {
		cfg.WindowSize = "1920,1080"
	}
	return &Launcher{cfg: cfg}
}

// detectHost finds an available host binary.
func detectHost() (string, error) {
	candidates := []string{"chromium-browser", "chromium", "google-chrome"}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		macPath := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(macPath); err == nil {
			return macPath, nil
		}
	}
	return "", fmt.Errorf("no supported host found (tried chromium-browser, chromium, google-chrome)")
}

// Launch starts the host process with the bridge extension loaded.
func (l *Launcher) Launch(ctx context.Context) error {
	hostPath, err := detectHost()
	if err != nil {
		return err
	}
	slog.Info("detected host", "path", hostPath)

	if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	if l.cfg.ExtensionDir != "" {
		if _, err := os.Stat(l.cfg.ExtensionDir); err != nil {
			return fmt.Errorf("bridge extension dir: %w", err)
		}
	}

	args := []string{
		fmt.Sprintf("--user-data-dir=%s", l.cfg.ProfileDir),
		"--no-first-run",
		"--disable-dev-shm-usage",
		"--disable-breakpad",
		"--disable-crash-reporter",
		fmt.Sprintf("--window-size=%s", l.cfg.WindowSize),
	}
	if l.cfg.ExtensionDir != "" {
		args = append(args, fmt.Sprintf("--load-extension=%s", l.cfg.ExtensionDir))
	}
	args = append(args, l.cfg.StartURL)

	l.cmd = exec.Command(hostPath, args...)
	l.cmd.Stdout = os.Stdout
	l.cmd.Stderr = os.Stderr

	if err := l.cmd.Start(); err != nil {
		return fmt.Errorf("start host: %w", err)
	}
	l.running = true
	slog.Info("host process started", "pid", l.cmd.Process.Pid)

	if err := l.waitForBridge(ctx); err != nil {
		l.Stop()
		return fmt.Errorf("waiting for bridge: %w", err)
	}
	slog.Info("bridge endpoint ready",
		"address", l.cfg.BridgeAddress, "port", l.cfg.BridgePort)

	return nil
}

// waitForBridge probes the bridge endpoint until it accepts connections.
func (l *Launcher) waitForBridge(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", l.cfg.BridgeAddress, l.cfg.BridgePort)
	deadline := time.After(15 * time.Second)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("bridge did not become ready within 15s at %s", addr)
		case <-ticker.C:
			conn, err := net.DialTimeout("tcp", addr, time.Second)
			if err != nil {
				continue
			}
			conn.Close()
			return nil
		}
	}
}

// Running reports whether this launcher spawned a host process.
func (l *Launcher) Running() bool {
	return l.running
}

// Stop terminates the host process with SIGTERM, falling back to SIGKILL.
func (l *Launcher) Stop() {
	if l.cmd == nil || l.cmd.Process == nil {
		return
	}
	slog.Info("stopping host", "pid", l.cmd.Process.Pid)
	_ = l.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = l.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("host stopped gracefully")
	case <-time.After(5 * time.Second):
		slog.Warn("host did not exit, sending SIGKILL")
		_ = l.cmd.Process.Kill()
		<-done
	}
	l.running = false
}
