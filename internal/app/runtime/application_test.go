package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/R3E-Network/contract_gateway/internal/app/storage/memory"
	"github.com/R3E-Network/contract_gateway/internal/config"
	"github.com/R3E-Network/contract_gateway/internal/httputil"
	"github.com/R3E-Network/contract_gateway/pkg/logger"
	"github.com/R3E-Network/contract_gateway/platform/contracts/gateway"
	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Genesis = []config.GenesisAccount{
		{AccountID: "alice.testnet", Balance: "5000000000000000000000000"},
	}
	cfg.Tokens = []config.TokenConfig{
		{AccountID: "usdc.testnet", Owner: "gateway.testnet", TotalSupply: "1000000", Balance: "1000000000000000000000000"},
	}
	cfg.Server.RateLimit = 0
	return cfg
}

func TestNewWiresGenesis(t *testing.T) {
	app, err := New(context.Background(), testConfig(), logger.NewDiscard())
	if err != nil {
		t.Fatalf("new application: %v", err)
	}

	acct, ok := app.Ledger().Account("gateway.testnet")
	if !ok || acct.ContractName != gatewayContractName {
		t.Fatalf("gateway account = %+v, %v", acct, ok)
	}
	if got := app.Ledger().Balance("alice.testnet").String(); got != "5000000000000000000000000" {
		t.Fatalf("alice balance = %s", got)
	}
	token, ok := app.Ledger().Account("usdc.testnet")
	if !ok || token.ContractName != tokenContractName {
		t.Fatalf("token account = %+v, %v", token, ok)
	}

	raw, err := app.Ledger().View(context.Background(), "usdc.testnet", "ft_balance_of", map[string]string{"account_id": "gateway.testnet"})
	if err != nil {
		t.Fatalf("ft_balance_of: %v", err)
	}
	if strings.TrimSpace(string(raw)) != `"1000000"` {
		t.Fatalf("owner token balance = %s", raw)
	}

	if app.Gateway().Config().TrustedNamespace != "dev3_contracts.testnet" {
		t.Fatalf("unexpected policy %+v", app.Gateway().Config())
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cfg := testConfig()

	first, err := build(ctx, cfg, logger.NewDiscard(), store)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	out, err := first.Ledger().Call(ctx, "alice.testnet", "gateway.testnet", gateway.MethodTransferFunds,
		gateway.TransferFundsArgs{Request: types.PaymentMetadata{ID: "r1", Amount: types.Pow10(24), ReceiverAccountID: "usdc.testnet"}},
		types.Pow10(24))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if !out.Succeeded() {
		t.Fatalf("transfer failed: %v", out.Err())
	}

	second, err := build(ctx, cfg, logger.NewDiscard(), store)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if got := second.Ledger().Balance("alice.testnet").String(); got != "4000000000000000000000000" {
		t.Fatalf("restored alice balance = %s", got)
	}
	if _, ok := second.Ledger().Account("gateway.testnet"); !ok {
		t.Fatal("gateway missing after restore")
	}
	raw, err := second.Ledger().View(ctx, "gateway.testnet", gateway.MethodGetContracts, nil)
	if err != nil || strings.TrimSpace(string(raw)) != "[]" {
		t.Fatalf("gateway not rebound: %s %v", raw, err)
	}
}

func TestHandlerRequiresAPIKeyForWrites(t *testing.T) {
	cfg := testConfig()
	cfg.Server.APIKey = "secret"
	app, err := New(context.Background(), cfg, logger.NewDiscard())
	if err != nil {
		t.Fatalf("new application: %v", err)
	}

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
	if rec.Header().Get("X-Trace-ID") == "" {
		t.Fatal("expected trace id header")
	}

	body := `{"method":"get_contracts"}`
	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/views", strings.NewReader(body)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("view without key = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/views", strings.NewReader(body))
	req.Header.Set(httputil.APIKeyHeader, "secret")
	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("view with key = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	_, _, err := OpenStore(context.Background(), config.StorageConfig{Driver: "sqlite"}, logger.NewDiscard())
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestGatewayPolicy(t *testing.T) {
	policy, err := gatewayPolicy(config.Default().Gateway, logger.NewDiscard())
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if policy.DeployOverhead.String() != "90000000000000000000000" {
		t.Fatalf("overhead = %s", policy.DeployOverhead)
	}

	bad := config.Default().Gateway
	bad.DeployOverhead = "lots"
	if _, err := gatewayPolicy(bad, logger.NewDiscard()); err == nil {
		t.Fatal("expected error for malformed amount")
	}
}
