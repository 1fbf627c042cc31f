package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"escrowdesk/internal/escrow"
	"escrowdesk/internal/model"
)

type listing struct {
	Mine         []model.Agreement `json:"mine"`
	ToApprove    []model.Agreement `json:"toApprove"`
	WrongNetwork bool              `json:"wrongNetwork"`
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSession(w io.Writer, info escrow.SessionInfo) {
	fmt.Fprintf(w, "Identity: %s\n", info.Identity)
	fmt.Fprintf(w, "Network:  %d", info.NetworkID)
	if !info.CorrectNetwork {
		fmt.Fprintf(w, " (wrong network, switch to %d)", info.RequiredNetwork)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Balance:  %s ETH\n", info.Balance)
}

func printAgreements(w io.Writer, title string, agreements []model.Agreement) {
	fmt.Fprintf(w, "%s (%d)\n", title, len(agreements))
	if len(agreements) == 0 {
		fmt.Fprintln(w, "  none")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tDEPOSITOR\tARBITER\tBENEFICIARY\tAMOUNT\tAPPROVED")
	for _, a := range agreements {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%t\n",
			a.ID, a.Depositor.Hex(), a.Arbiter.Hex(), a.Beneficiary.Hex(), a.Amount, a.Approved)
	}
	_ = tw.Flush()
}

func printResult(w io.Writer, res escrow.Result) {
	if res.OK {
		fmt.Fprintf(w, "%s", res.Message)
		if res.AgreementID != "" {
			fmt.Fprintf(w, " (escrow %s)", res.AgreementID)
		}
		if res.TxHash != "" {
			fmt.Fprintf(w, " tx %s", res.TxHash)
		}
		fmt.Fprintln(w)
	} else {
		fmt.Fprintf(w, "%s [%s]", res.Message, res.Reason)
		if res.Detail != "" {
			fmt.Fprintf(w, ": %s", res.Detail)
		}
		fmt.Fprintln(w)
	}
	if res.ListsStale {
		fmt.Fprintln(w, "warning: lists could not be refreshed and may be out of date")
	}
}
