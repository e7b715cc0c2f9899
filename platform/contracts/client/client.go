// Package client provides Go bindings for a running contract gateway node.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/R3E-Network/contract_gateway/internal/app/httpapi"
	"github.com/R3E-Network/contract_gateway/internal/app/storage"
	"github.com/R3E-Network/contract_gateway/internal/httputil"
	"github.com/R3E-Network/contract_gateway/platform/contracts/gateway"
	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
)

// ErrNotFound is returned when the node has no such account, code or price.
var ErrNotFound = errors.New("not found")

// =============================================================================
// Client Configuration
// =============================================================================

// Config holds client configuration.
type Config struct {
	// BaseURL is the node API root, e.g. http://localhost:8080.
	BaseURL string `json:"base_url"`
	// APIKey is sent on mutating requests when the node requires one.
	APIKey string `json:"api_key"`
	// Gateway is the gateway account; empty uses the node default.
	Gateway types.AccountID `json:"gateway"`
	// Timeout for each HTTP request.
	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"max_retries"`
	HTTPClient *http.Client  `json:"-"`
}

// =============================================================================
// Client
// =============================================================================

// Client talks to the node HTTP API.
type Client struct {
	http    *httputil.ServiceClient
	gateway types.AccountID
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &Client{
		http: httputil.NewServiceClient(httputil.ServiceClientConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
			HTTPClient: cfg.HTTPClient,
		}),
		gateway: cfg.Gateway,
	}, nil
}

// BaseURL returns the node API root.
func (c *Client) BaseURL() string { return c.http.BaseURL() }

func (c *Client) get(ctx context.Context, path string, target interface{}) error {
	resp, err := c.http.Get(ctx, path)
	if err != nil {
		return err
	}
	return translate(httputil.DecodeResponse(resp, target))
}

func (c *Client) post(ctx context.Context, path string, body, target interface{}) error {
	resp, err := c.http.Post(ctx, path, body)
	if err != nil {
		return err
	}
	return translate(httputil.DecodeResponse(resp, target))
}

func translate(err error) error {
	var status *httputil.StatusError
	if errors.As(err, &status) && status.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, status.Message)
	}
	return err
}

// Health returns the node status.
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.get(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// Registry
// =============================================================================

// Contracts lists the publishers with stored code.
func (c *Client) Contracts(ctx context.Context) ([]types.AccountID, error) {
	var out []types.AccountID
	if err := c.get(ctx, "/contracts", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Code returns the code stored by publisher.
func (c *Client) Code(ctx context.Context, publisher types.AccountID) ([]byte, error) {
	var out gateway.Code
	if err := c.get(ctx, "/contracts/"+url.PathEscape(string(publisher))+"/code", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Price returns the advertised deployment price of publisher's code.
func (c *Client) Price(ctx context.Context, publisher types.AccountID) (*httpapi.PriceResponse, error) {
	var out httpapi.PriceResponse
	if err := c.get(ctx, "/contracts/"+url.PathEscape(string(publisher))+"/price", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Account returns the ledger view of id.
func (c *Client) Account(ctx context.Context, id types.AccountID) (*httpapi.AccountResponse, error) {
	var out httpapi.AccountResponse
	if err := c.get(ctx, "/accounts/"+url.PathEscape(string(id)), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// Transactions
// =============================================================================

// Submit executes a transaction and waits for its final outcome. A failed
// transaction is not an error; inspect Error on the response.
func (c *Client) Submit(ctx context.Context, req httpapi.TransactionRequest) (*httpapi.TransactionResponse, error) {
	if req.ReceiverID == "" {
		req.ReceiverID = c.gateway
	}
	var out httpapi.TransactionResponse
	if err := c.post(ctx, "/transactions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Call submits method on the gateway with JSON-encoded args.
func (c *Client) Call(ctx context.Context, signer types.AccountID, method string, args interface{}, deposit types.U128) (*httpapi.TransactionResponse, error) {
	raw, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, httpapi.TransactionRequest{
		SignerID:   signer,
		ReceiverID: c.gateway,
		Method:     method,
		Args:       raw,
		Deposit:    deposit,
	})
}

// TransferFunds pays request through the gateway. Native payments attach the
// request amount.
func (c *Client) TransferFunds(ctx context.Context, signer types.AccountID, request types.PaymentMetadata) (*httpapi.TransactionResponse, error) {
	var deposit types.U128
	if request.IsNative() {
		deposit = request.Amount
	}
	return c.Call(ctx, signer, gateway.MethodTransferFunds, gateway.TransferFundsArgs{Request: request}, deposit)
}

// CreateAndDeploy deploys publisher's code to name.<gateway>.
func (c *Client) CreateAndDeploy(ctx context.Context, signer types.AccountID, args gateway.CreateAndDeployArgs, deposit types.U128) (*httpapi.TransactionResponse, error) {
	return c.Call(ctx, signer, gateway.MethodCreateAndDeploy, args, deposit)
}

// View runs a read-only method and decodes its result into target.
func (c *Client) View(ctx context.Context, receiver types.AccountID, method string, args, target interface{}) error {
	raw, err := encodeArgs(args)
	if err != nil {
		return err
	}
	if receiver == "" {
		receiver = c.gateway
	}
	return c.post(ctx, "/views", httpapi.ViewRequest{ReceiverID: receiver, Method: method, Args: raw}, target)
}

// =============================================================================
// Events
// =============================================================================

// Events lists stored gateway events, optionally for one request.
func (c *Client) Events(ctx context.Context, requestID string, limit int) ([]storage.EventRecord, error) {
	q := url.Values{}
	if requestID != "" {
		q.Set("request_id", requestID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []storage.EventRecord
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeArgs(args interface{}) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	return raw, nil
}
