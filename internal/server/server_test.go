package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowdesk/internal/config"
	"escrowdesk/internal/escrow"
	"escrowdesk/internal/events"
	"escrowdesk/internal/hmacauth"
	"escrowdesk/internal/idempotency"
	"escrowdesk/internal/ledger"
	"escrowdesk/internal/model"
)

const (
	chainID    = 31337
	testSecret = "shell-secret"
)

var (
	depositor   = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	arbiter     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	beneficiary = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

type harness struct {
	srv     *Server
	handler http.Handler
	signer  *hmacauth.Verifier
}

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		Service: config.ServiceConfig{
			HMACSecret:        testSecret,
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
		},
	}
}

func newHarness(t *testing.T, sim *ledger.Simulator, who common.Address, sessionChain int64) *harness {
	t.Helper()
	sess := ledger.NewSession(who, sessionChain, nil)
	if sessionChain == chainID {
		sess = sim.Session(who)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord, err := escrow.NewCoordinator(sim, sess, escrow.Options{RequiredNetwork: chainID, Logger: logger})
	require.NoError(t, err)

	srv := NewServer(testConfig(), Deps{
		Coordinator: coord,
		Store:       idempotency.NewMemoryStore(),
		Ledger:      sim,
		Logger:      logger,
	})
	return &harness{
		srv:     srv,
		handler: srv.Handler(),
		signer:  &hmacauth.Verifier{Secret: testSecret, MaxSkew: time.Minute},
	}
}

func (h *harness) do(t *testing.T, method, path string, body any, key string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	if method == http.MethodPost && path != "/api/v1/escrows/refresh" {
		h.signer.SignRequest(req, payload)
	}
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) escrow.Result {
	t.Helper()
	var res escrow.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func createBody() escrow.CreateRequest {
	return escrow.CreateRequest{
		Arbiter:     arbiter.Hex(),
		Beneficiary: beneficiary.Hex(),
		Amount:      "1.5",
	}
}

func TestCreateIdempotency(t *testing.T) {
	sim := ledger.NewSimulator(chainID)
	h := newHarness(t, sim, depositor, chainID)

	rec := h.do(t, http.MethodPost, "/api/v1/escrows", createBody(), "key-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeResult(t, rec)
	assert.True(t, res.OK)
	assert.Equal(t, "Contract created", res.Message)
	first := rec.Body.Bytes()

	replay := h.do(t, http.MethodPost, "/api/v1/escrows", createBody(), "key-1")
	assert.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, "true", replay.Header().Get("Idempotent-Replay"))
	assert.True(t, bytes.Equal(first, replay.Body.Bytes()))

	lists := h.do(t, http.MethodGet, "/api/v1/escrows", nil, "")
	var body listsResponse
	require.NoError(t, json.Unmarshal(lists.Body.Bytes(), &body))
	assert.Len(t, body.Mine, 1, "replay must not create a second agreement")
	assert.Equal(t, "1.5", body.Mine[0].Amount)
}

func TestCreateKeyReusedWithDifferentBody(t *testing.T) {
	h := newHarness(t, ledger.NewSimulator(chainID), depositor, chainID)

	rec := h.do(t, http.MethodPost, "/api/v1/escrows", createBody(), "key-1")
	require.Equal(t, http.StatusCreated, rec.Code)

	other := createBody()
	other.Amount = "2"
	rec = h.do(t, http.MethodPost, "/api/v1/escrows", other, "key-1")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCreateRequiresKeyAndSignature(t *testing.T) {
	h := newHarness(t, ledger.NewSimulator(chainID), depositor, chainID)

	rec := h.do(t, http.MethodPost, "/api/v1/escrows", createBody(), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	payload, _ := json.Marshal(createBody())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/escrows", bytes.NewReader(payload))
	req.Header.Set(idempotencyHeader, "key-2")
	unsigned := httptest.NewRecorder()
	h.handler.ServeHTTP(unsigned, req)
	assert.Equal(t, http.StatusUnauthorized, unsigned.Code)
}

func TestCreateValidationIsNotSubmitted(t *testing.T) {
	h := newHarness(t, ledger.NewSimulator(chainID), depositor, chainID)

	bad := createBody()
	bad.Amount = "abc"
	rec := h.do(t, http.MethodPost, "/api/v1/escrows", bad, "key-v")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	res := decodeResult(t, rec)
	assert.Equal(t, escrow.ReasonValidation, res.Reason)
	assert.Empty(t, h.srv.coord.Pending())
}

func TestApproveFlow(t *testing.T) {
	sim := ledger.NewSimulator(chainID)
	dep := newHarness(t, sim, depositor, chainID)
	arb := newHarness(t, sim, arbiter, chainID)
	ben := newHarness(t, sim, beneficiary, chainID)

	rec := dep.do(t, http.MethodPost, "/api/v1/escrows", createBody(), "create-1")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ben.do(t, http.MethodPost, "/api/v1/escrows/0/approve", nil, "ben-1")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	res := decodeResult(t, rec)
	assert.Equal(t, "Only the arbiter can approve it", res.Message)
	assert.Equal(t, escrow.ReasonNotArbiter, res.Reason)

	refresh := arb.do(t, http.MethodPost, "/api/v1/escrows/refresh", nil, "")
	require.Equal(t, http.StatusOK, refresh.Code)
	var before listsResponse
	require.NoError(t, json.Unmarshal(refresh.Body.Bytes(), &before))
	require.Len(t, before.ToApprove, 1)

	rec = arb.do(t, http.MethodPost, "/api/v1/escrows/0/approve", nil, "arb-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res = decodeResult(t, rec)
	assert.True(t, res.OK)
	assert.Equal(t, "Contract approved", res.Message)

	var after listsResponse
	require.NoError(t, json.Unmarshal(arb.do(t, http.MethodGet, "/api/v1/escrows", nil, "").Body.Bytes(), &after))
	assert.Empty(t, after.ToApprove)

	ag, ok := sim.Agreement("0")
	require.True(t, ok)
	assert.True(t, ag.Approved)
}

func TestApproveBatchReportsPartialFailure(t *testing.T) {
	sim := ledger.NewSimulator(chainID)
	dep := newHarness(t, sim, depositor, chainID)
	arb := newHarness(t, sim, arbiter, chainID)

	require.Equal(t, http.StatusCreated, dep.do(t, http.MethodPost, "/api/v1/escrows", createBody(), "c-1").Code)

	rec := arb.do(t, http.MethodPost, "/api/v1/approvals", approvalsRequest{IDs: []string{"0", "42"}}, "batch-1")
	assert.Equal(t, http.StatusMultiStatus, rec.Code)
	var body approvalsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Results, 2)
	assert.True(t, body.Results[0].OK)
	assert.False(t, body.Results[1].OK)

	rec = arb.do(t, http.MethodPost, "/api/v1/approvals", approvalsRequest{}, "batch-2")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWrongNetwork(t *testing.T) {
	sim := ledger.NewSimulator(chainID)
	h := newHarness(t, sim, depositor, 1)

	rec := h.do(t, http.MethodPost, "/api/v1/escrows/refresh", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	var lists listsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lists))
	assert.True(t, lists.WrongNetwork)
	assert.Empty(t, lists.Mine)
	assert.Empty(t, lists.ToApprove)

	rec = h.do(t, http.MethodPost, "/api/v1/escrows", createBody(), "wn-1")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, escrow.ReasonWrongNetwork, decodeResult(t, rec).Reason)

	rec = h.do(t, http.MethodGet, "/api/v1/session", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info escrow.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.False(t, info.CorrectNetwork)
	assert.Equal(t, "1000.0", info.Balance)
}

func TestActionsListAndAcknowledge(t *testing.T) {
	h := newHarness(t, ledger.NewSimulator(chainID), depositor, chainID)
	res := decodeResult(t, h.do(t, http.MethodPost, "/api/v1/escrows", createBody(), "k"))
	require.NotEmpty(t, res.ActionID)

	rec := h.do(t, http.MethodGet, "/api/v1/actions", nil, "")
	var list struct {
		Actions []model.PendingAction `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Actions, 1)
	assert.Equal(t, model.StatusConfirmed, list.Actions[0].Status)

	rec = h.do(t, http.MethodGet, "/api/v1/actions/"+res.ActionID, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/v1/actions/"+res.ActionID, nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/v1/actions/"+res.ActionID, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmissionFailureIsNotRecorded(t *testing.T) {
	sim := ledger.NewSimulator(chainID)
	h := newHarness(t, sim, depositor, chainID)
	sim.DropNext()

	rec := h.do(t, http.MethodPost, "/api/v1/escrows", createBody(), "drop-1")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, escrow.ReasonConfirmation, decodeResult(t, rec).Reason)

	rec = h.do(t, http.MethodPost, "/api/v1/escrows", createBody(), "drop-1")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Header().Get("Idempotent-Replay"))
}

type failingPing struct{}

func (failingPing) Ping(context.Context) error { return errors.New("nats down") }

func TestHealth(t *testing.T) {
	h := newHarness(t, ledger.NewSimulator(chainID), depositor, chainID)
	rec := h.do(t, http.MethodGet, "/api/v1/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	h.srv.eventsHealthFn = failingPing{}.Ping
	rec = h.do(t, http.MethodGet, "/api/v1/health", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "nats down")
}

// unreachableBus publishes into a recorder but reports its connection as lost.
type unreachableBus struct {
	*events.Recorder
}

func (unreachableBus) Ping(context.Context) error { return errors.New("nats down") }

func TestHealthPingsEventPublisher(t *testing.T) {
	sim := ledger.NewSimulator(chainID)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord, err := escrow.NewCoordinator(sim, sim.Session(depositor), escrow.Options{RequiredNetwork: chainID, Logger: logger})
	require.NoError(t, err)

	build := func(pub events.Publisher) *httptest.ResponseRecorder {
		srv := NewServer(testConfig(), Deps{
			Coordinator: coord,
			Store:       idempotency.NewMemoryStore(),
			Ledger:      sim,
			Events:      pub,
			Logger:      logger,
		})
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
		return rec
	}

	rec := build(&events.Recorder{})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = build(unreachableBus{Recorder: &events.Recorder{}})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "nats down")
}

func TestMetricsExposeActionCounters(t *testing.T) {
	h := newHarness(t, ledger.NewSimulator(chainID), depositor, chainID)
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/api/v1/escrows", createBody(), "m-1").Code)

	rec := h.do(t, http.MethodGet, "/api/v1/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `escrowdesk_actions_total{kind="create",result="ok"} 1`), body)
	assert.Contains(t, body, "escrowdesk_pending_actions 0")
}

func TestStatusFor(t *testing.T) {
	cases := map[escrow.Reason]int{
		escrow.ReasonValidation:   http.StatusBadRequest,
		escrow.ReasonWrongNetwork: http.StatusConflict,
		escrow.ReasonBusy:         http.StatusConflict,
		escrow.ReasonNotArbiter:   http.StatusForbidden,
		escrow.ReasonRejected:     http.StatusUnprocessableEntity,
		escrow.ReasonSubmission:   http.StatusBadGateway,
		escrow.ReasonConfirmation: http.StatusBadGateway,
	}
	for reason, want := range cases {
		assert.Equal(t, want, statusFor(escrow.Result{Reason: reason}, http.StatusOK), reason)
	}
	assert.Equal(t, http.StatusCreated, statusFor(escrow.Result{OK: true}, http.StatusCreated))
}
