package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/grokify/apibuddy/pkg/adminserver"
)

func newDaemonCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Query or control a running apibuddy process",
		Long: `Talk to a running "apibuddy serve" process over its admin
Unix socket: check its status, or ask it to stop.`,
	}
	cmd.PersistentFlags().StringVar(&socketPath, "socket", adminserver.DefaultSocketPath, "Admin control socket path")

	cmd.AddCommand(
		newDaemonStatusCmd(&socketPath),
		newDaemonStopCmd(&socketPath),
	)

	return cmd
}

func newDaemonStatusCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether apibuddy is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			running, pid, err := adminserver.IsRunning("")
			if err != nil {
				return err
			}
			if !running {
				fmt.Println("apibuddy is not running")
				return nil
			}

			client := adminserver.NewClient(*socketPath)
			status, err := client.Status()
			if err != nil {
				fmt.Printf("apibuddy process %d found, but admin socket is unreachable: %v\n", pid, err)
				return nil
			}

			fmt.Printf("apibuddy is running (pid %d, uptime %s, version %s)\n", status.PID, status.Uptime, status.Version)
			return nil
		},
	}
}

func newDaemonStopCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask a running apibuddy process to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := adminserver.NewClient(*socketPath)
			if err := client.Stop(); err != nil {
				return fmt.Errorf("stop: %w", err)
			}
			fmt.Println("stop requested")
			return nil
		},
	}
}
