// Package httpapi exposes the sandbox ledger and the gateway over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/R3E-Network/contract_gateway/internal/app/metrics"
	"github.com/R3E-Network/contract_gateway/internal/app/storage"
	"github.com/R3E-Network/contract_gateway/internal/engine/events"
	"github.com/R3E-Network/contract_gateway/internal/httputil"
	"github.com/R3E-Network/contract_gateway/pkg/logger"
	"github.com/R3E-Network/contract_gateway/platform/contracts/gateway"
	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
	"github.com/R3E-Network/contract_gateway/platform/runtime"
	"github.com/gorilla/mux"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// Options wires the handler to the running node.
type Options struct {
	Ledger  *runtime.Ledger
	Gateway types.AccountID
	Events  storage.EventStore
	Feed    events.Feed
	Logger  *logger.Logger
	// Middleware wraps every route except /metrics.
	Middleware []mux.MiddlewareFunc
}

type handler struct {
	ledger  *runtime.Ledger
	gateway types.AccountID
	events  storage.EventStore
	feed    events.Feed
	log     *logger.Logger
}

// NewHandler returns a router exposing the sandbox API.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logger.NewDefault("httpapi")
	}
	if opts.Feed == nil {
		opts.Feed = events.NoOpFeed{}
	}
	h := &handler{
		ledger:  opts.Ledger,
		gateway: opts.Gateway,
		events:  opts.Events,
		feed:    opts.Feed,
		log:     opts.Logger,
	}

	router := mux.NewRouter()
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/").Subrouter()
	api.Use(metrics.InstrumentHandler)
	for _, mw := range opts.Middleware {
		api.Use(mw)
	}
	api.HandleFunc("/health", h.health).Methods(http.MethodGet)
	api.HandleFunc("/contracts", h.listContracts).Methods(http.MethodGet)
	api.HandleFunc("/contracts/{id}/code", h.contractCode).Methods(http.MethodGet)
	api.HandleFunc("/contracts/{id}/price", h.contractPrice).Methods(http.MethodGet)
	api.HandleFunc("/transactions", h.submitTransaction).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/views", h.view).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/accounts/{id}", h.account).Methods(http.MethodGet)
	api.HandleFunc("/events", h.listEvents).Methods(http.MethodGet)
	api.HandleFunc("/events/ws", h.streamEvents).Methods(http.MethodGet)
	return router
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"gateway": h.gateway,
		"pending": h.ledger.Pending(),
	})
}

// =============================================================================
// Registry views
// =============================================================================

func (h *handler) listContracts(w http.ResponseWriter, r *http.Request) {
	raw, err := h.ledger.View(r.Context(), h.gateway, gateway.MethodGetContracts, nil)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeRaw(w, raw)
}

func (h *handler) contractCode(w http.ResponseWriter, r *http.Request) {
	publisher, ok := accountVar(w, r)
	if !ok {
		return
	}
	raw, err := h.ledger.View(r.Context(), h.gateway, gateway.MethodGetContractCode, map[string]types.AccountID{"contract_id": publisher})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	if isNull(raw) {
		httputil.NotFound(w, "no code stored for "+string(publisher))
		return
	}
	writeRaw(w, raw)
}

// PriceResponse is the body of GET /contracts/{id}/price.
type PriceResponse struct {
	ContractID types.AccountID `json:"contract_id"`
	Price      types.U128      `json:"price"`
	PriceNear  string          `json:"price_near"`
}

func (h *handler) contractPrice(w http.ResponseWriter, r *http.Request) {
	publisher, ok := accountVar(w, r)
	if !ok {
		return
	}
	raw, err := h.ledger.View(r.Context(), h.gateway, gateway.MethodGetContractDeploymentCost, map[string]types.AccountID{"contract_id": publisher})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	var price *types.U128
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &price); err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
	}
	if price == nil {
		httputil.NotFound(w, "no code stored for "+string(publisher))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, PriceResponse{ContractID: publisher, Price: *price, PriceNear: price.Near()})
}

// =============================================================================
// Transactions
// =============================================================================

// TransactionRequest is a single function call submitted through the API.
type TransactionRequest struct {
	SignerID   types.AccountID `json:"signer_id"`
	ReceiverID types.AccountID `json:"receiver_id,omitempty"`
	Method     string          `json:"method"`
	Args       json.RawMessage `json:"args,omitempty"`
	// Input replaces Args with raw bytes, e.g. code for update_stored_contract.
	Input   gateway.Code `json:"input,omitempty"`
	Deposit types.U128   `json:"deposit"`
}

// TransactionResponse reports the final outcome of a transaction.
type TransactionResponse struct {
	*runtime.Outcome
	Error string `json:"error,omitempty"`
}

func (h *handler) submitTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	var req TransactionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.SignerID == "" || req.Method == "" {
		httputil.BadRequest(w, "signer_id and method are required")
		return
	}
	if req.ReceiverID == "" {
		req.ReceiverID = h.gateway
	}
	// Nothing here proves key ownership, so contract accounts cannot sign.
	if acct, ok := h.ledger.Account(req.SignerID); ok && acct.ContractName != "" {
		h.log.WithField("signer", req.SignerID).WithField("method", req.Method).Warn("rejected transaction signed as a contract account")
		httputil.Forbidden(w, "account "+string(req.SignerID)+" runs a contract and cannot sign API transactions")
		return
	}

	var args interface{}
	switch {
	case len(req.Input) > 0:
		args = []byte(req.Input)
	case len(req.Args) > 0 && !isNull(req.Args):
		args = req.Args
	}

	out, err := h.ledger.Call(r.Context(), req.SignerID, req.ReceiverID, req.Method, args, req.Deposit)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	resp := TransactionResponse{Outcome: out}
	if failure := out.Err(); failure != nil {
		resp.Error = failure.Error()
	}
	h.log.WithFields(map[string]interface{}{
		"tx_id":    out.TxID,
		"signer":   req.SignerID,
		"receiver": req.ReceiverID,
		"method":   req.Method,
		"status":   out.Result.Status,
	}).Info("transaction executed")
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// ViewRequest is a read-only call.
type ViewRequest struct {
	ReceiverID types.AccountID `json:"receiver_id,omitempty"`
	Method     string          `json:"method"`
	Args       json.RawMessage `json:"args,omitempty"`
}

func (h *handler) view(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	var req ViewRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Method == "" {
		httputil.BadRequest(w, "method is required")
		return
	}
	if req.ReceiverID == "" {
		req.ReceiverID = h.gateway
	}
	var args interface{}
	if len(req.Args) > 0 && !isNull(req.Args) {
		args = req.Args
	}
	raw, err := h.ledger.View(r.Context(), req.ReceiverID, req.Method, args)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeRaw(w, raw)
}

// =============================================================================
// Accounts and events
// =============================================================================

// AccountResponse is the public view of a ledger account.
type AccountResponse struct {
	AccountID   types.AccountID   `json:"account_id"`
	Balance     types.U128        `json:"balance"`
	BalanceNear string            `json:"balance_near"`
	CodeHash    string            `json:"code_hash"`
	CodeSize    int               `json:"code_size"`
	AccessKeys  []types.PublicKey `json:"access_keys"`
	Contract    string            `json:"contract,omitempty"`
}

func (h *handler) account(w http.ResponseWriter, r *http.Request) {
	id, ok := accountVar(w, r)
	if !ok {
		return
	}
	acct, found := h.ledger.Account(id)
	if !found {
		httputil.NotFound(w, "account "+string(id)+" does not exist")
		return
	}
	keys := acct.AccessKeys
	if keys == nil {
		keys = []types.PublicKey{}
	}
	httputil.WriteJSON(w, http.StatusOK, AccountResponse{
		AccountID:   acct.ID,
		Balance:     acct.Balance,
		BalanceNear: acct.Balance.Near(),
		CodeHash:    acct.CodeHash(),
		CodeSize:    len(acct.Code),
		AccessKeys:  keys,
		Contract:    acct.ContractName,
	})
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		if n > maxEventLimit {
			n = maxEventLimit
		}
		limit = n
	}

	recs, err := h.events.ListEvents(r.Context(), r.URL.Query().Get("request_id"), limit)
	if err != nil {
		h.log.WithError(err).Error("list events")
		httputil.InternalError(w, "list events failed")
		return
	}
	if recs == nil {
		recs = []storage.EventRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, recs)
}

// =============================================================================
// Helpers
// =============================================================================

func accountVar(w http.ResponseWriter, r *http.Request) (types.AccountID, bool) {
	id, err := types.ParseAccountID(mux.Vars(r)["id"])
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return "", false
	}
	return id, true
}

func (h *handler) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runtime.ErrAccountNotFound), errors.Is(err, runtime.ErrNoContract):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, runtime.ErrInsufficientBalance),
		errors.Is(err, runtime.ErrMethodNotFound),
		errors.Is(err, runtime.ErrViewStateChange),
		errors.Is(err, runtime.ErrMissingArgs),
		errors.Is(err, types.ErrInvalidAccountID):
		httputil.BadRequest(w, err.Error())
	default:
		var execErr *runtime.ExecutionError
		if errors.As(err, &execErr) {
			httputil.BadRequest(w, err.Error())
			return
		}
		h.log.WithError(err).Error("ledger request failed")
		httputil.InternalError(w, err.Error())
	}
}

func writeRaw(w http.ResponseWriter, raw json.RawMessage) {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
