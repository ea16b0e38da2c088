package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cpunk-club/cpunk-verifier/pkg/flows"
	"github.com/cpunk-club/cpunk-verifier/pkg/service"
)

func init() {
	var regWallet, regNickname string
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Pay for a DNA nickname and register it once the payment is verified",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlow(cmd.Context(), func(ctx context.Context, svc *service.Service) (*flows.Run, error) {
				return svc.Flows().Register(ctx, flows.RegistrationRequest{WalletName: regWallet, Nickname: regNickname})
			})
		},
	}
	registerCmd.Flags().StringVar(&regWallet, "wallet", "", "Dashboard wallet paying for the nickname")
	registerCmd.Flags().StringVar(&regNickname, "nickname", "", "DNA nickname to register")
	_ = registerCmd.MarkFlagRequired("wallet")
	_ = registerCmd.MarkFlagRequired("nickname")
	rootCmd.AddCommand(registerCmd)

	var delWallet, delNetwork string
	var delAmount float64
	delegateCmd := &cobra.Command{
		Use:   "delegate",
		Short: "Create a staking order and record the delegation once it is verified",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlow(cmd.Context(), func(ctx context.Context, svc *service.Service) (*flows.Run, error) {
				return svc.Flows().Delegate(ctx, flows.DelegationRequest{WalletName: delWallet, Network: delNetwork, Amount: delAmount})
			})
		},
	}
	delegateCmd.Flags().StringVar(&delWallet, "wallet", "", "Dashboard wallet holding the delegation tokens")
	delegateCmd.Flags().StringVar(&delNetwork, "network", "", "Cellframe network, empty for the default")
	delegateCmd.Flags().Float64Var(&delAmount, "amount", 0, "Amount of delegation tokens to stake")
	_ = delegateCmd.MarkFlagRequired("wallet")
	_ = delegateCmd.MarkFlagRequired("amount")
	rootCmd.AddCommand(delegateCmd)

	var resWallet, resDNA string
	reserveCmd := &cobra.Command{
		Use:   "reserve",
		Short: "Pay the party reservation fee and record the reservation once it is verified",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlow(cmd.Context(), func(ctx context.Context, svc *service.Service) (*flows.Run, error) {
				return svc.Flows().Reserve(ctx, flows.ReservationRequest{WalletName: resWallet, DNA: resDNA})
			})
		},
	}
	reserveCmd.Flags().StringVar(&resWallet, "wallet", "", "Dashboard wallet paying the reservation")
	reserveCmd.Flags().StringVar(&resDNA, "dna", "", "DNA nickname owned by the wallet")
	_ = reserveCmd.MarkFlagRequired("wallet")
	_ = reserveCmd.MarkFlagRequired("dna")
	rootCmd.AddCommand(reserveCmd)

	priceCmd := &cobra.Command{
		Use:   "price <nickname>",
		Short: "Show the price and availability of a DNA nickname",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _ := loadService(nil)
			defer svc.Close()

			quote, err := svc.Flows().QuoteNickname(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResult(quote, func() {
				status := "available"
				switch {
				case quote.AlreadyOwned:
					status = "already registered to a wallet, registration confirms ownership"
				case !quote.Available:
					status = "taken"
				}
				fmt.Printf("%s: %d CPUNK, %s\n", quote.Nickname, quote.Price, status)
			})
		},
	}
	rootCmd.AddCommand(priceCmd)
}

// runFlow opens a dashboard session, submits the payment and waits for the
// verification and the follow-up write
func runFlow(ctx context.Context, submit func(ctx context.Context, svc *service.Service) (*flows.Run, error)) error {
	var observer flows.Observer
	if flagOutput != "json" {
		observer = printUpdate
	}
	svc, _ := loadService(observer)
	defer svc.Close()

	if err := svc.Connect(ctx); err != nil {
		return err
	}

	run, err := submit(ctx, svc)
	if err != nil {
		return err
	}

	res, err := run.Wait(ctx)
	if perr := printResult(flowResult(res), func() {}); perr != nil {
		return perr
	}
	return err
}

type flowOutput struct {
	Flow              string `json:"flow"`
	Key               string `json:"key"`
	TxHash            string `json:"tx_hash"`
	OrderHash         string `json:"order_hash,omitempty"`
	Verified          bool   `json:"verified"`
	Attempts          int    `json:"attempts"`
	AlreadyRegistered bool   `json:"already_registered,omitempty"`
	Error             string `json:"error,omitempty"`
}

func flowResult(res flows.Result) flowOutput {
	out := flowOutput{
		Flow:              res.Flow,
		Key:               res.Key,
		TxHash:            res.Tx.TxHash,
		OrderHash:         res.Tx.OrderHash,
		Verified:          res.Verified,
		Attempts:          res.Attempts,
		AlreadyRegistered: res.AlreadyRegistered,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

func printUpdate(u flows.Update) {
	switch u.Stage {
	case flows.StageSubmitted:
		fmt.Printf("[%s] payment submitted: %s\n", u.Flow, u.Tx.TxHash)
	case flows.StageAttempt:
		fmt.Printf("[%s] verification check %d/%d\n", u.Flow, u.Attempt, u.MaxAttempts)
	case flows.StageVerified:
		fmt.Printf("[%s] payment verified on check %d\n", u.Flow, u.Attempt)
	case flows.StageCompleted:
		fmt.Printf("[%s] %s completed\n", u.Flow, u.Key)
	case flows.StageFailed:
		fmt.Printf("[%s] %s failed: %v\n", u.Flow, u.Key, u.Err)
	}
}
