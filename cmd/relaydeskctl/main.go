// Command relaydeskctl runs ad-hoc operator actions (wallet credits,
// manual sweeps, PC inspection) directly against the same database the
// coordination core serves from.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rjsadow/relaydesk/internal/config"
	"github.com/rjsadow/relaydesk/internal/db"
)

var rootCmd = &cobra.Command{
	Use:          "relaydeskctl",
	Short:        "Operator CLI for the relaydesk coordination core",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("db", config.DefaultDB, "Database DSN (env: RELAYDESK_DB)")
	rootCmd.PersistentFlags().String("db-type", config.DefaultDBType, "Database type: sqlite or postgres (env: RELAYDESK_DB_TYPE)")
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("db_type", rootCmd.PersistentFlags().Lookup("db-type"))
	_ = viper.BindEnv("db", "RELAYDESK_DB")
	_ = viper.BindEnv("db_type", "RELAYDESK_DB_TYPE")

	rootCmd.AddCommand(walletCmd, pcCmd, sweepCmd)
}

// openDB connects to the database the flags/env point at, applying any
// pending migrations first, exactly as the server does on boot.
func openDB() (*db.DB, error) {
	return db.OpenDB(viper.GetString("db_type"), viper.GetString("db"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
