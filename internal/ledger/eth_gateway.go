package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"escrowdesk/internal/contracts"
	"escrowdesk/internal/model"
	"escrowdesk/internal/units"
)

// chainClient is the part of *ethclient.Client the gateway uses.
type chainClient interface {
	bind.ContractBackend
	receiptReader
	chainIDReader
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// EthGateway talks to a deployed EscrowList contract over JSON-RPC.
type EthGateway struct {
	client   chainClient
	contract *bind.BoundContract
	abi      abi.ABI
	address  common.Address
	cfg      EthGatewayConfig
	log      *slog.Logger
}

type EthGatewayConfig struct {
	RPCURL          string
	ContractAddress string
	// ConfirmTimeout bounds Confirm. config.Load rejects a non-positive value.
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	// CallTimeout bounds each read-only RPC attempt.
	CallTimeout time.Duration
	Retry       RetryPolicy
	Logger      *slog.Logger
}

// escrowRow mirrors the EscrowList.Escrow tuple.
type escrowRow struct {
	Id          *big.Int
	Arbiter     common.Address
	Beneficiary common.Address
	Depositor   common.Address
	Amount      *big.Int
	Approved    bool
}

func DialEthGateway(ctx context.Context, cfg EthGatewayConfig) (*EthGateway, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("escrow list address is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	g, err := newEthGateway(cli, cfg)
	if err != nil {
		cli.Close()
		return nil, err
	}
	return g, nil
}

func newEthGateway(cli chainClient, cfg EthGatewayConfig) (*EthGateway, error) {
	parsedABI, err := abi.JSON(strings.NewReader(contracts.EscrowListABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	address := common.HexToAddress(cfg.ContractAddress)
	return &EthGateway{
		client:   cli,
		contract: bind.NewBoundContract(address, parsedABI, cli, cli, cli),
		abi:      parsedABI,
		address:  address,
		cfg:      cfg,
		log:      logger.With("component", "ledger", "contract", address.Hex()),
	}, nil
}

func (g *EthGateway) Close() {
	g.client.Close()
}

func (g *EthGateway) Ping(ctx context.Context) error {
	if g.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := g.client.BlockNumber(ctx)
	return err
}

// KeySessions returns a provider that signs with key on this gateway's chain.
func (g *EthGateway) KeySessions(key *ecdsa.PrivateKey) *KeySessionProvider {
	return &KeySessionProvider{chain: g.client, key: key}
}

func (g *EthGateway) SubmitCreate(ctx context.Context, s *Session, arbiter, beneficiary common.Address, amount *big.Int) (SubmissionHandle, error) {
	const op = contracts.MethodNewEscrow
	opts, err := s.transactOpts(ctx)
	if err != nil {
		return SubmissionHandle{}, &SubmissionError{Op: op, Err: err}
	}
	if amount == nil || amount.Sign() <= 0 {
		return SubmissionHandle{}, &RejectedError{Op: op, Reason: "value must be positive"}
	}
	opts.Value = new(big.Int).Set(amount)

	tx, err := g.contract.Transact(opts, op, arbiter, beneficiary)
	if err != nil {
		return SubmissionHandle{}, classifySubmitError(op, err)
	}
	g.log.Debug("transaction sent", "method", op, "tx", tx.Hash().Hex(), "from", s.Identity.Hex())
	return SubmissionHandle{Kind: model.ActionCreate, TxHash: tx.Hash().Hex()}, nil
}

func (g *EthGateway) SubmitApprove(ctx context.Context, s *Session, agreementID string) (SubmissionHandle, error) {
	const op = contracts.MethodApproveEscrow
	opts, err := s.transactOpts(ctx)
	if err != nil {
		return SubmissionHandle{}, &SubmissionError{Op: op, Err: err}
	}
	id, ok := new(big.Int).SetString(strings.TrimSpace(agreementID), 10)
	if !ok || id.Sign() < 0 {
		return SubmissionHandle{}, &RejectedError{Op: op, Reason: fmt.Sprintf("malformed escrow id %q", agreementID)}
	}

	tx, err := g.contract.Transact(opts, op, id)
	if err != nil {
		return SubmissionHandle{}, classifySubmitError(op, err)
	}
	g.log.Debug("transaction sent", "method", op, "tx", tx.Hash().Hex(), "escrow", id.String())
	return SubmissionHandle{Kind: model.ActionApprove, TxHash: tx.Hash().Hex(), AgreementID: id.String()}, nil
}

func (g *EthGateway) Confirm(ctx context.Context, h SubmissionHandle) (Confirmed, error) {
	hash := common.HexToHash(h.TxHash)
	receipt, err := waitForReceipt(ctx, g.client, hash, g.cfg.PollInterval, g.cfg.ConfirmTimeout)
	if err != nil {
		return Confirmed{}, &ConfirmationError{TxHash: h.TxHash, Reason: err.Error(), Err: err}
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := g.replayRevert(ctx, hash, receipt.BlockNumber)
		if strings.Contains(reason, ArbiterOnlyReason) {
			return Confirmed{}, newAuthorizationError(string(h.Kind), ArbiterOnlyReason, nil)
		}
		return Confirmed{}, &ConfirmationError{TxHash: h.TxHash, Reason: "reverted: " + reason}
	}

	return Confirmed{
		TxHash:      h.TxHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		AgreementID: h.AgreementID,
	}, nil
}

// replayRevert re-executes a reverted transaction at its block to recover
// the revert reason. It returns a generic reason when replay is impossible.
func (g *EthGateway) replayRevert(ctx context.Context, hash common.Hash, block *big.Int) string {
	const unknown = "transaction reverted"
	tx, _, err := g.client.TransactionByHash(ctx, hash)
	if err != nil {
		return unknown
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return unknown
	}
	_, err = g.client.CallContract(ctx, ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}, block)
	if err == nil {
		return unknown
	}
	return revertReason(err.Error())
}

func (g *EthGateway) QueryMine(ctx context.Context, s *Session) ([]model.Agreement, error) {
	return g.queryList(ctx, s, contracts.MethodGetListEscrows)
}

func (g *EthGateway) QueryToApprove(ctx context.Context, s *Session) ([]model.Agreement, error) {
	return g.queryList(ctx, s, contracts.MethodGetListEscrowsToApprove)
}

// queryList calls a list method with From set to the session identity, since
// the contract scopes both lists by msg.sender.
func (g *EthGateway) queryList(ctx context.Context, s *Session, method string) ([]model.Agreement, error) {
	rows, err := retryRead(ctx, g.cfg.Retry, func(ctx context.Context) ([]escrowRow, error) {
		ctx, cancel := g.callContext(ctx)
		defer cancel()

		var out []interface{}
		if err := g.contract.Call(&bind.CallOpts{Context: ctx, From: s.Identity}, &out, method); err != nil {
			return nil, err
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("%s: empty result", method)
		}
		return *abi.ConvertType(out[0], new([]escrowRow)).(*[]escrowRow), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	agreements := make([]model.Agreement, 0, len(rows))
	for _, row := range rows {
		agreements = append(agreements, row.toAgreement())
	}
	return agreements, nil
}

func (g *EthGateway) Balance(ctx context.Context, who common.Address) (*big.Int, error) {
	return retryRead(ctx, g.cfg.Retry, func(ctx context.Context) (*big.Int, error) {
		ctx, cancel := g.callContext(ctx)
		defer cancel()
		return g.client.BalanceAt(ctx, who, nil)
	})
}

func (g *EthGateway) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.cfg.CallTimeout)
}

func (r escrowRow) toAgreement() model.Agreement {
	id := "0"
	if r.Id != nil {
		id = r.Id.String()
	}
	return model.Agreement{
		ID:          id,
		Depositor:   r.Depositor,
		Arbiter:     r.Arbiter,
		Beneficiary: r.Beneficiary,
		Amount:      units.FormatEther(r.Amount),
		Approved:    r.Approved,
	}
}

// ParsePrivateKey accepts a hex key with or without the 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}
