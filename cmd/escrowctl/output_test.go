package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	"escrowdesk/internal/escrow"
	"escrowdesk/internal/model"
)

func TestPrintAgreements(t *testing.T) {
	var buf bytes.Buffer
	printAgreements(&buf, "Your escrows", []model.Agreement{{
		ID:          "0",
		Depositor:   common.HexToAddress("0xd1"),
		Arbiter:     common.HexToAddress("0xa1"),
		Beneficiary: common.HexToAddress("0xb1"),
		Amount:      "1.5",
	}})
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "Your escrows (1)\n"))
	assert.Contains(t, out, "1.5")
	assert.Contains(t, out, "false")

	buf.Reset()
	printAgreements(&buf, "Escrows to approve", nil)
	assert.Equal(t, "Escrows to approve (0)\n  none\n", buf.String())
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, escrow.Result{OK: true, Message: "Contract approved", AgreementID: "3"})
	assert.Equal(t, "Contract approved (escrow 3)\n", buf.String())

	buf.Reset()
	printResult(&buf, escrow.Result{
		Reason:     escrow.ReasonNotArbiter,
		Message:    "Only the arbiter can approve it",
		ListsStale: true,
	})
	assert.Contains(t, buf.String(), "Only the arbiter can approve it [not_arbiter]")
	assert.Contains(t, buf.String(), "warning: lists could not be refreshed")
}

func TestPrintSessionWrongNetwork(t *testing.T) {
	var buf bytes.Buffer
	printSession(&buf, escrow.SessionInfo{Identity: "0xd1", NetworkID: 1, RequiredNetwork: 5, Balance: "2.0"})
	assert.Contains(t, buf.String(), "wrong network, switch to 5")
	assert.Contains(t, buf.String(), "Balance:  2.0 ETH")
}
