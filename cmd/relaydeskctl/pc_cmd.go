package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rjsadow/relaydesk/internal/reliability"
)

var pcCmd = &cobra.Command{
	Use:   "pc",
	Short: "Inspect marketplace PCs",
}

var pcShowCmd = &cobra.Command{
	Use:   "show <pcId>",
	Short: "Show a PC with its queue depth, current session, and host badge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		ctx := context.Background()
		pc, err := database.GetPC(ctx, nil, args[0])
		if err != nil {
			return err
		}
		if pc == nil {
			return fmt.Errorf("pc not found: %s", args[0])
		}

		queueCount, err := database.CountWaiting(ctx, nil, pc.ID)
		if err != nil {
			return err
		}
		session, err := database.GetNonTerminalSessionForPC(ctx, nil, pc.ID)
		if err != nil {
			return err
		}

		badge := reliability.BadgeNovo
		score := 0
		if host, err := database.GetHostProfile(ctx, nil, pc.HostID); err == nil && host != nil {
			badge = reliability.DeriveBadge(host.SessionsTotal, host.SessionsCompleted)
			score = host.ReliabilityScore
		}

		out := map[string]any{
			"pc":               pc,
			"queueCount":       queueCount,
			"currentSession":   session,
			"reliabilityBadge": badge,
			"reliabilityScore": score,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	pcCmd.AddCommand(pcShowCmd)
}
