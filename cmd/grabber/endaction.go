package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"

	"github.com/aluiziolira/go-batch-grabber/config"
)

// runEndAction performs the post-batch action. Powering off needs an
// explicit opt-in; without it the request is only logged.
func runEndAction(action config.EndAction, cfg *config.Config, allowShutdown bool) error {
	switch action {
	case config.EndActionNone, config.EndActionClose, "":
		return nil
	case config.EndActionPlaySound:
		fmt.Fprint(os.Stdout, "\a")
		return nil
	case config.EndActionOpenFolder:
		return exec.Command(openCommand(), cfg.PrimaryRoot).Start()
	case config.EndActionShutdown:
		if !allowShutdown {
			slog.Warn("shutdown requested by end action; rerun with -allow-shutdown to power off")
			return nil
		}
		name, args := shutdownCommand()
		return exec.Command(name, args...).Run()
	default:
		return fmt.Errorf("unknown end action %q", action)
	}
}

func openCommand() string {
	switch runtime.GOOS {
	case "darwin":
		return "open"
	case "windows":
		return "explorer"
	default:
		return "xdg-open"
	}
}

func shutdownCommand() (string, []string) {
	if runtime.GOOS == "windows" {
		return "shutdown", []string{"/s", "/t", "0"}
	}
	return "shutdown", []string{"-h", "now"}
}
