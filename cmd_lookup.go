package main

import (
	"fmt"
	"strings"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	lookupCmd := &cobra.Command{
		Use:   "lookup <nickname-or-address>",
		Short: "Look up a DNA nickname or wallet address on the DNA proxy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _ := loadService(nil)
			defer svc.Close()

			res, err := svc.Proxy().Lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResult(res, func() {
				if !res.Found {
					fmt.Printf("%s: not registered\n", args[0])
					return
				}
				fmt.Printf("%s: registered\n", args[0])
				if res.Wallet != "" {
					fmt.Printf("  wallet: %s\n", res.Wallet)
				}
				if len(res.Names) > 0 {
					fmt.Printf("  names:  %s\n", strings.Join(res.Names, ", "))
				}
			})
		},
	}
	rootCmd.AddCommand(lookupCmd)

	attendeesCmd := &cobra.Command{
		Use:   "attendees",
		Short: "List confirmed party reservations",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _ := loadService(nil)
			defer svc.Close()

			attendees, err := svc.Proxy().GetAttendees(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(attendees, func() {
				fmt.Printf("%d attendee(s)\n", len(attendees))
				for _, a := range attendees {
					fmt.Printf("  %-36s %s %s\n", a.Nickname, a.Date, a.TxHash)
				}
			})
		},
	}
	rootCmd.AddCommand(attendeesCmd)

	walletsCmd := &cobra.Command{
		Use:   "wallets",
		Short: "List the active dashboard wallets and their balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _ := loadService(nil)
			defer svc.Close()

			if err := svc.Connect(cmd.Context()); err != nil {
				return err
			}
			wallets, err := svc.Dashboard().GetWallets(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(wallets, func() {
				for _, w := range wallets {
					fmt.Println(w.Name)
					data, err := svc.Dashboard().GetDataWallet(cmd.Context(), w.Name)
					if err != nil {
						fmt.Printf("  error: %v\n", err)
						continue
					}
					for _, n := range data.Networks {
						fmt.Printf("  %s %s\n", n.Network, n.Address)
						for _, t := range n.Tokens {
							fmt.Printf("    %-8s %s\n", t.TokenName, humanize.Commaf(t.Balance))
						}
					}
				}
			})
		},
	}
	rootCmd.AddCommand(walletsCmd)
}
