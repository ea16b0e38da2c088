package main

import (
	"fmt"
	"strings"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cpunk-club/cpunk-verifier/pkg/cellframe"
	"github.com/cpunk-club/cpunk-verifier/pkg/config"
	"github.com/cpunk-club/cpunk-verifier/pkg/models"
	"github.com/cpunk-club/cpunk-verifier/pkg/verifier"
)

func init() {
	var network, schedule string
	verifyCmd := &cobra.Command{
		Use:   "verify <tx-hash>",
		Short: "Poll the DNA proxy until a transaction is verified or the schedule runs out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _ := loadService(nil)
			defer svc.Close()

			txHash, err := cellframe.ValidateTxHash(args[0])
			if err != nil {
				return err
			}
			req := models.VerificationRequest{TransactionID: txHash, Network: network}
			if schedule != "" {
				if req.Schedule, err = config.ParseSchedule(schedule); err != nil {
					return err
				}
			}

			text := flagOutput != "json"
			session, err := svc.Verifier().Start(cmd.Context(), req, verifier.Callbacks{
				OnStart: func(txID string) {
					if text {
						fmt.Printf("Verifying %s\n", txID)
					}
				},
				OnAttempt: func(attempt, maxAttempts int) {
					if text {
						fmt.Printf("  check %d/%d\n", attempt, maxAttempts)
					}
				},
			})
			if err != nil {
				return err
			}

			state, _ := session.Wait(cmd.Context())
			if state == verifier.StateRunning {
				// Interrupted before the session finished
				session.Cancel()
				<-session.Done()
			}

			info := session.Info()
			if err := printResult(info, func() { printSession(info) }); err != nil {
				return err
			}
			return session.Err()
		},
	}
	verifyCmd.Flags().StringVar(&network, "network", "", "Cellframe network, empty for the default")
	verifyCmd.Flags().StringVar(&schedule, "schedule", "", "Waits between checks, e.g. \"15,45,60\"")
	rootCmd.AddCommand(verifyCmd)

	var retestNetwork string

	retestCmd := &cobra.Command{
		Use:   "retest <tx-hash>",
		Short: "Run a single verification check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _ := loadService(nil)
			defer svc.Close()

			verified, err := svc.Flows().Retest(cmd.Context(), args[0], retestNetwork)
			if err != nil {
				return err
			}
			return printResult(map[string]interface{}{"transaction_id": args[0], "verified": verified}, func() {
				if verified {
					fmt.Printf("%s verified\n", args[0])
				} else {
					fmt.Printf("%s not verified yet\n", args[0])
				}
			})
		},
	}
	retestCmd.Flags().StringVar(&retestNetwork, "network", "", "Cellframe network, empty for the default")
	rootCmd.AddCommand(retestCmd)
}

func printSession(info verifier.SessionInfo) {
	fmt.Printf("Transaction: %s\n", info.TransactionID)
	fmt.Printf("State:       %s\n", info.State)
	fmt.Printf("Started:     %s\n", humanize.Time(info.StartedAt))
	fmt.Printf("Checks:      %d/%d\n", len(info.Attempts), info.MaxAttempts)
	for _, a := range info.Attempts {
		line := fmt.Sprintf("  #%d at +%s: %s", a.Index, a.ElapsedDelay, a.OutcomeName)
		if a.Error != "" {
			line += " (" + a.Error + ")"
		}
		fmt.Println(line)
	}
	if info.Error != "" {
		fmt.Printf("Error:       %s\n", strings.TrimSpace(info.Error))
	}
}
