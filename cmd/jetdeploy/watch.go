package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/fentz26/jetdeploy/internal/tui"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [session-id]",
	Short: "Open the interactive dashboard for a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

var watchNoStart bool

func init() {
	watchCmd.Flags().BoolVar(&watchNoStart, "no-start", false, "Do not start a background daemon when none is reachable")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if !isDaemonRunning() {
		if watchNoStart {
			return fmt.Errorf("daemon not reachable at %s", apiAddr)
		}
		fmt.Println("jetdeploy daemon not running. Starting background service...")
		if err := startDaemon(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	app := tui.New(apiAddr, args[0])
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func isDaemonRunning() bool {
	health, err := CheckHealth()
	return err == nil && health.OK
}

func startDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	daemonArgs := []string{"daemon"}
	if configPath != "" {
		daemonArgs = append(daemonArgs, "--config", configPath)
	}
	cmd := exec.Command(exe, daemonArgs...)
	// Detach process so it survives TUI exit
	configureDaemonProc(cmd)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}

	fmt.Print("   Waiting for daemon...")
	for i := 0; i < 20; i++ {
		if isDaemonRunning() {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("daemon started but API not reachable at %s", apiAddr)
}
