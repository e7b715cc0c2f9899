package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/R3E-Network/contract_gateway/internal/app/observer"
	"github.com/R3E-Network/contract_gateway/internal/app/storage"
	"github.com/R3E-Network/contract_gateway/internal/app/storage/memory"
	"github.com/R3E-Network/contract_gateway/internal/engine/events"
	"github.com/R3E-Network/contract_gateway/pkg/logger"
	"github.com/R3E-Network/contract_gateway/platform/contracts/gateway"
	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
	"github.com/R3E-Network/contract_gateway/platform/runtime"
	"github.com/gorilla/websocket"
)

const gatewayID types.AccountID = "gateway.near"

type testNode struct {
	ledger *runtime.Ledger
	store  *memory.Store
	feed   *events.RingBuffer
	h      http.Handler
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	l := runtime.NewLedger(runtime.Config{State: store, Accounts: store, Logger: logger.NewDiscard()})

	balance := types.Pow10(27)
	for _, id := range []types.AccountID{gatewayID, "pub.maintenance.near", "alice.near", "bob.near"} {
		if err := l.CreateAccount(ctx, id, balance); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	policy := gateway.Config{MaintenanceNamespace: "maintenance.near", TrustedNamespace: "trusted.near", Logger: logger.NewDiscard()}
	if err := l.Deploy(ctx, gatewayID, "gateway", gateway.New(policy)); err != nil {
		t.Fatalf("deploy gateway: %v", err)
	}

	feed := events.NewRingBuffer(100)
	observer.New(store, feed, logger.NewDiscard(), observer.Config{}).Attach(l)

	return &testNode{
		ledger: l,
		store:  store,
		feed:   feed,
		h: NewHandler(Options{
			Ledger:  l,
			Gateway: gatewayID,
			Events:  store,
			Feed:    feed,
			Logger:  logger.NewDiscard(),
		}),
	}
}

func (n *testNode) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	n.h.ServeHTTP(rec, req)
	return rec
}

func (n *testNode) submit(t *testing.T, tx TransactionRequest) TransactionResponse {
	t.Helper()
	rec := n.do(t, http.MethodPost, "/transactions", tx)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /transactions = %d: %s", rec.Code, rec.Body.String())
	}
	var resp TransactionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode transaction response: %v", err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	n := newTestNode(t)
	rec := n.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"gateway":"gateway.near"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestRegistryLifecycle(t *testing.T) {
	n := newTestNode(t)

	rec := n.do(t, http.MethodGet, "/contracts/pub.maintenance.near/price", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("price before publish: expected 404, got %d", rec.Code)
	}

	resp := n.submit(t, TransactionRequest{
		SignerID: "pub.maintenance.near",
		Method:   gateway.MethodUpdateStoredContract,
		Input:    gateway.Code{1, 2, 3},
	})
	if resp.Error != "" {
		t.Fatalf("publish failed: %s", resp.Error)
	}

	rec = n.do(t, http.MethodGet, "/contracts", nil)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `["pub.maintenance.near"]` {
		t.Fatalf("GET /contracts = %d %s", rec.Code, rec.Body.String())
	}

	rec = n.do(t, http.MethodGet, "/contracts/pub.maintenance.near/code", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET code = %d", rec.Code)
	}
	var code gateway.Code
	if err := json.Unmarshal(rec.Body.Bytes(), &code); err != nil {
		t.Fatalf("decode code: %v", err)
	}
	if len(code) != 3 {
		t.Fatalf("code len = %d, want 3", len(code))
	}

	rec = n.do(t, http.MethodGet, "/contracts/pub.maintenance.near/price", nil)
	var price PriceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &price); err != nil {
		t.Fatalf("decode price: %v", err)
	}
	if price.Price.String() != "90030000000000000000000" || price.PriceNear != "0.09003" {
		t.Fatalf("price = %+v", price)
	}
}

func TestTransactionFailureIsReported(t *testing.T) {
	n := newTestNode(t)
	resp := n.submit(t, TransactionRequest{SignerID: "alice.near", Method: gateway.MethodClean})
	if resp.Error == "" || !strings.Contains(resp.Error, "only the contract owner can clean the contract") {
		t.Fatalf("expected owner error, got %q", resp.Error)
	}
	if resp.Outcome == nil || resp.Result.Status != runtime.StatusFailure {
		t.Fatalf("expected failure outcome, got %+v", resp.Outcome)
	}
}

func TestTransactionValidation(t *testing.T) {
	n := newTestNode(t)

	rec := n.do(t, http.MethodPost, "/transactions", map[string]string{"method": "clean"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing signer: expected 400, got %d", rec.Code)
	}

	rec = n.do(t, http.MethodPost, "/transactions", map[string]string{"signer_id": "ghost.near", "method": "clean"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown signer: expected 404, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = n.do(t, http.MethodPost, "/transactions", map[string]interface{}{"signer_id": "alice.near", "method": "clean", "bogus": 1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: expected 400, got %d", rec.Code)
	}
}

func TestContractAccountsCannotSign(t *testing.T) {
	n := newTestNode(t)
	n.submit(t, TransactionRequest{
		SignerID: "pub.maintenance.near",
		Method:   gateway.MethodUpdateStoredContract,
		Input:    gateway.Code{1, 2, 3},
	})
	aliceBefore := n.ledger.Balance("alice.near")
	gatewayBefore := n.ledger.Balance(gatewayID)

	forged, _ := json.Marshal(gateway.TransferCallbackArgs{
		Request: types.PaymentMetadata{
			ID:                "forged",
			Amount:            types.Pow10(26),
			ReceiverAccountID: "bob.near",
		},
		PredecessorAccountID: "alice.near",
	})
	rec := n.do(t, http.MethodPost, "/transactions", TransactionRequest{
		SignerID: gatewayID,
		Method:   gateway.MethodOnTransferForRequest,
		Args:     forged,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("callback signed as gateway: expected 403, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = n.do(t, http.MethodPost, "/transactions", TransactionRequest{SignerID: gatewayID, Method: gateway.MethodClean})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("clean signed as gateway: expected 403, got %d: %s", rec.Code, rec.Body.String())
	}

	if got := n.ledger.Balance("alice.near"); got.Cmp(aliceBefore) != 0 {
		t.Fatalf("alice balance moved: %s -> %s", aliceBefore, got)
	}
	if got := n.ledger.Balance(gatewayID); got.Cmp(gatewayBefore) != 0 {
		t.Fatalf("gateway balance moved: %s -> %s", gatewayBefore, got)
	}
	rec = n.do(t, http.MethodGet, "/contracts/pub.maintenance.near/code", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("registry was cleared: %d", rec.Code)
	}
}

func TestPaymentEventsAreListed(t *testing.T) {
	n := newTestNode(t)

	args, _ := json.Marshal(gateway.TransferFundsArgs{Request: types.PaymentMetadata{
		ID:                "req-1",
		Amount:            types.NewU128(500),
		ReceiverAccountID: "bob.near",
	}})
	resp := n.submit(t, TransactionRequest{
		SignerID: "alice.near",
		Method:   gateway.MethodTransferFunds,
		Args:     args,
		Deposit:  types.NewU128(500),
	})
	if resp.Error != "" {
		t.Fatalf("transfer failed: %s", resp.Error)
	}

	rec := n.do(t, http.MethodGet, "/events?request_id=req-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /events = %d", rec.Code)
	}
	var recs []storage.EventRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(recs) != 1 || recs[0].Event != string(gateway.EventTransferSucceeded) {
		t.Fatalf("events = %+v", recs)
	}

	rec = n.do(t, http.MethodGet, "/events?limit=zero", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: expected 400, got %d", rec.Code)
	}
}

func TestAccount(t *testing.T) {
	n := newTestNode(t)

	rec := n.do(t, http.MethodGet, "/accounts/alice.near", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET account = %d", rec.Code)
	}
	var acct AccountResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &acct); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	if acct.BalanceNear != "1000" || acct.CodeSize != 0 {
		t.Fatalf("account = %+v", acct)
	}

	if rec := n.do(t, http.MethodGet, "/accounts/ghost.near", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing account: expected 404, got %d", rec.Code)
	}
	if rec := n.do(t, http.MethodGet, "/accounts/NOPE", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid account: expected 400, got %d", rec.Code)
	}
}

func TestView(t *testing.T) {
	n := newTestNode(t)
	rec := n.do(t, http.MethodPost, "/views", ViewRequest{Method: gateway.MethodGetContracts})
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("POST /views = %d %s", rec.Code, rec.Body.String())
	}

	rec = n.do(t, http.MethodPost, "/views", ViewRequest{Method: gateway.MethodClean})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("state-changing view: expected 400, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	n := newTestNode(t)
	n.do(t, http.MethodGet, "/health", nil)
	rec := n.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "contract_gateway_http_requests_total") {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	n := newTestNode(t)
	server := httptest.NewServer(n.h)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/events/ws?request_id=req-ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription is registered after the upgrade, so keep publishing
	// until the client sees an event.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				for _, id := range []string{"other", "req-ws"} {
					n.feed.Log(events.Event{Kind: gateway.EventTransferFailed, Data: gateway.PaymentRequestLog{
						ID:                id,
						SenderAccountID:   "alice.near",
						ReceiverAccountID: "bob.near",
					}})
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.RequestID() != "req-ws" || got.Kind != gateway.EventTransferFailed {
		t.Fatalf("unexpected event %+v", got)
	}
}
