package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch <network-id>",
	Short: "Watch a network's sub-tasks in a live terminal view",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		interval := time.Duration(a.cfg.Watch.RefreshSec) * time.Second
		if interval <= 0 {
			interval = 2 * time.Second
		}
		return tui.Run(a.service, args[0], interval)
	},
}
