package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cast"

	"firestige.xyz/ntpctl/internal/command"
)

// SpawnOptions describe a background daemon launch.
type SpawnOptions struct {
	Executable string // defaults to the running binary
	ConfigPath string
	SocketPath string
	PIDFile    string
	LogPath    string // stdout and stderr of the child; discarded when empty
	Wait       time.Duration
}

// Spawn starts "ntpctl daemon" in a new session and waits until its control
// socket answers. It does nothing when a daemon already answers on the socket.
func Spawn(ctx context.Context, opts SpawnOptions) (int, error) {
	if opts.SocketPath == "" {
		return 0, fmt.Errorf("socket path is required")
	}
	if Alive(ctx, opts.SocketPath) {
		return 0, nil
	}
	exe := opts.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return 0, fmt.Errorf("failed to locate executable: %w", err)
		}
	}

	args := []string{"daemon", "--socket", opts.SocketPath}
	if opts.ConfigPath != "" {
		args = append(args, "--config", opts.ConfigPath)
	}
	if opts.PIDFile != "" {
		args = append(args, "--pid-file", opts.PIDFile)
	}
	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if opts.LogPath != "" {
		logFile, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return 0, fmt.Errorf("failed to open daemon log: %w", err)
		}
		defer logFile.Close()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	go cmd.Wait()

	wait := opts.Wait
	if wait <= 0 {
		wait = 3 * time.Second
	}
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if Alive(ctx, opts.SocketPath) {
			return pid, nil
		}
		select {
		case <-ctx.Done():
			return pid, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return pid, fmt.Errorf("daemon started (pid %d) but control socket not ready", pid)
}

// Alive reports whether a daemon answers on the control socket.
func Alive(ctx context.Context, socketPath string) bool {
	if _, err := os.Stat(socketPath); err != nil {
		return false
	}
	return command.NewUDSClient(socketPath, time.Second).Ping(ctx) == nil
}

// ReadPIDFile returns the process ID recorded in path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := cast.ToIntE(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s", path)
	}
	return pid, nil
}

// StopByPIDFile sends SIGTERM to the process named in the PID file and waits
// for it to exit.
func StopByPIDFile(pidFile string, wait time.Duration) error {
	pid, err := ReadPIDFile(pidFile)
	if err != nil {
		return fmt.Errorf("daemon not running: %w", err)
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		// signal 0 probes for existence
		if err := process.Signal(syscall.Signal(0)); err != nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("daemon (pid %d) did not exit within %s", pid, wait)
}
