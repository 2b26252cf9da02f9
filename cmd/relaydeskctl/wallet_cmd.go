package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Inspect and adjust user wallets",
}

var walletShowCmd = &cobra.Command{
	Use:   "show <userId>",
	Short: "Show a user's wallet balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		wallet, err := database.EnsureWallet(context.Background(), nil, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("user=%s balance=%.2f\n", wallet.UserID, wallet.Balance)
		return nil
	},
}

var walletCreditCmd = &cobra.Command{
	Use:   "credit <userId> <amount>",
	Short: "Credit a user's wallet",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseFloat(args[1], 64)
		if err != nil || amount <= 0 {
			return fmt.Errorf("invalid amount %q: must be a positive number", args[1])
		}

		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		ctx := context.Background()
		if err := database.CreditWallet(ctx, nil, args[0], amount); err != nil {
			return err
		}
		_ = database.LogAudit(ctx, nil, "relaydeskctl", "wallet.credit",
			fmt.Sprintf("user=%s amount=%.2f", args[0], amount))

		wallet, err := database.EnsureWallet(ctx, nil, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("user=%s balance=%.2f\n", wallet.UserID, wallet.Balance)
		return nil
	},
}

func init() {
	walletCmd.AddCommand(walletShowCmd, walletCreditCmd)
}
