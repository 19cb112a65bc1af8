package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/database"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/export"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/ledger"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <wallet>...",
		Short: "Print the local clock state of wallets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wallets := make([]ledger.WalletAddress, 0, len(args))
			for _, arg := range args {
				wallet, err := ledger.NewWalletAddress(arg)
				if err != nil {
					return err
				}
				wallets = append(wallets, wallet)
			}

			db, err := database.OpenSQLite(viper.GetString("database.path"), nil)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			ledgerService, err := ledger.NewService(ledger.ServiceConfig{Database: db, IDProvider: ledger.NewUUIDProvider()})
			if err != nil {
				return err
			}
			exporter, err := export.New(export.Config{Ledger: ledgerService, MaxClockRange: viper.GetInt64("export.max_clock_range")})
			if err != nil {
				return err
			}
			result, err := exporter.Export(cmd.Context(), wallets, 0)
			if err != nil {
				return err
			}

			tb := table.NewWriter()
			tb.SetOutputMirror(os.Stdout)
			tb.AppendHeader(table.Row{"Wallet", "User", "Clock", "Block", "Window", "Records", "Files", "Tracks", "Profiles", "Contiguous"})
			for _, wallet := range wallets {
				user, ok := result.Find(wallet)
				if !ok {
					tb.AppendRow(table.Row{wallet, "-", "-", "-", "-", "-", "-", "-", "-", "-"})
					continue
				}
				contiguous := "yes"
				if err := ledgerService.VerifyContiguity(cmd.Context(), wallet); err != nil {
					if !errors.Is(err, ledger.ErrClockGap) {
						return err
					}
					contiguous = "no"
				}
				tb.AppendRow(table.Row{
					wallet,
					user.CNodeUserID,
					user.ClockInfo.LocalClockMax,
					user.LatestBlockNumber,
					fmt.Sprintf("%d..%d", user.ClockInfo.RequestedClockRangeMin, user.ClockInfo.RequestedClockRangeMax),
					len(user.ClockRecords),
					len(user.Files),
					len(user.Tracks),
					len(user.AudiusUsers),
					contiguous,
				})
			}
			tb.Render()
			return nil
		},
	}
}
