package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"escrowdesk/internal/escrow"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Show the connected identity, network and balance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := session.Coordinator.Session(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), info)
		}
		printSession(cmd.OutOrStdout(), info)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List agreements you are party to and those awaiting your approval",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := session.Coordinator
		err := c.RefreshLists(cmd.Context())
		if err != nil && !errors.Is(err, escrow.ErrWrongNetwork) {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), listing{
				Mine:         c.Mine(),
				ToApprove:    c.ToApprove(),
				WrongNetwork: c.WrongNetwork(),
			})
		}
		if c.WrongNetwork() {
			return fmt.Errorf("%w: session is on chain %d", escrow.ErrWrongNetwork, session.Session.NetworkID)
		}
		printAgreements(cmd.OutOrStdout(), "Your escrows", c.Mine())
		printAgreements(cmd.OutOrStdout(), "Escrows to approve", c.ToApprove())
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Fund a new escrow agreement",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		arbiter, _ := cmd.Flags().GetString("arbiter")
		beneficiary, _ := cmd.Flags().GetString("beneficiary")
		amount, _ := cmd.Flags().GetString("amount")

		res := session.Coordinator.CreateAgreement(cmd.Context(), escrow.CreateRequest{
			Arbiter:     arbiter,
			Beneficiary: beneficiary,
			Amount:      amount,
		})
		return report(cmd, []escrow.Result{res})
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <id>...",
	Short: "Approve one or more escrows as their arbiter",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		results := session.Coordinator.ApproveBatch(cmd.Context(), args)
		return report(cmd, results)
	},
}

func init() {
	createCmd.Flags().String("arbiter", "", "arbiter address (required)")
	createCmd.Flags().String("beneficiary", "", "beneficiary address (required)")
	createCmd.Flags().String("amount", "", "amount in ether, e.g. 1.5 (required)")
	_ = createCmd.MarkFlagRequired("arbiter")
	_ = createCmd.MarkFlagRequired("beneficiary")
	_ = createCmd.MarkFlagRequired("amount")
}

var errSomeFailed = errors.New("one or more actions failed")

// report prints results and fails the command when any result failed.
func report(cmd *cobra.Command, results []escrow.Result) error {
	if jsonOutput {
		if err := printJSON(cmd.OutOrStdout(), results); err != nil {
			return err
		}
	} else {
		for _, res := range results {
			printResult(cmd.OutOrStdout(), res)
		}
	}
	for _, res := range results {
		if !res.OK {
			return errSomeFailed
		}
	}
	return nil
}
