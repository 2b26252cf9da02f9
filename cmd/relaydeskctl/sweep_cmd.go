package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rjsadow/relaydesk/internal/config"
	"github.com/rjsadow/relaydesk/internal/db"
	"github.com/rjsadow/relaydesk/internal/heartbeat"
	"github.com/rjsadow/relaydesk/internal/queue"
	"github.com/rjsadow/relaydesk/internal/sessions"
)

// sweepCmd runs one iteration of a background sweep by hand, for
// incident response when the server's own tickers are suspect.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one background sweep by hand",
}

// sweepDeps is the slice of the server's dependency graph the sweeps
// need: the database, the session service with its queue callback
// wired, and the loaded configuration.
type sweepDeps struct {
	db       *db.DB
	cfg      *config.Config
	sessions *sessions.Service
	queue    *queue.Manager
}

func buildSweepDeps() (*sweepDeps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	database, err := openDB()
	if err != nil {
		return nil, err
	}
	svc := sessions.New(database, cfg)
	mgr := queue.New(database, svc, cfg)
	return &sweepDeps{db: database, cfg: cfg, sessions: svc, queue: mgr}, nil
}

func (d *sweepDeps) close() { d.db.Close() }

var sweepSessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "End all ACTIVE sessions whose purchased time has run out",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := buildSweepDeps()
		if err != nil {
			return err
		}
		defer deps.close()

		n, err := deps.sessions.ExpireSessions(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("expired=%d\n", n)
		return nil
	},
}

var sweepPromotionsCmd = &cobra.Command{
	Use:   "promotions",
	Short: "Reclaim promoted queue slots whose user never showed up",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := buildSweepDeps()
		if err != nil {
			return err
		}
		defer deps.close()

		n, err := deps.queue.ExpirePromotedSlots(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("reclaimed=%d\n", n)
		return nil
	},
}

var sweepHeartbeatsCmd = &cobra.Command{
	Use:   "heartbeats",
	Short: "Mark hosts with stale heartbeats offline and end their sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := buildSweepDeps()
		if err != nil {
			return err
		}
		defer deps.close()

		mon := heartbeat.New(deps.db, deps.sessions, deps.cfg)
		n, err := mon.HandleHostTimeouts(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("downed=%d\n", n)
		return nil
	},
}

func init() {
	sweepCmd.AddCommand(sweepSessionsCmd, sweepPromotionsCmd, sweepHeartbeatsCmd)
}
