package tron

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"trondeal/crypto"
)

// ErrBroadcastFailed marks a transaction the node refused or failed to
// accept. The payout pipeline treats it as an abort signal.
var ErrBroadcastFailed = errors.New("tron: broadcast failed")

const (
	readTimeout      = 5 * time.Second
	broadcastTimeout = 30 * time.Second

	// defaultFeeLimit caps energy spend for TRC20 calls, in sun.
	defaultFeeLimit = int64(50_000_000)
)

// ClientConfig configures the full-node HTTP client.
type ClientConfig struct {
	BaseURL      string
	APIKey       string
	USDTContract crypto.Address
	// RatePerSecond throttles outbound calls below the provider's
	// request quota. Zero disables throttling.
	RatePerSecond float64
}

// Client wraps the TRON full-node HTTP API. A single instance is shared by
// the monitors and the payout pipeline; every call runs through the circuit
// breaker and the rate limiter.
type Client struct {
	baseURL      string
	apiKey       string
	usdtContract crypto.Address
	http         *http.Client
	breaker      *Breaker
	limiter      *rate.Limiter
}

func NewClient(cfg ClientConfig, breaker *Breaker) *Client {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		usdtContract: cfg.USDTContract,
		http:         &http.Client{Timeout: broadcastTimeout},
		breaker:      breaker,
		limiter:      limiter,
	}
}

// USDTContract returns the configured TRC20 contract address.
func (c *Client) USDTContract() crypto.Address { return c.usdtContract }

// Breaker exposes the guarding breaker for status reporting.
func (c *Client) Breaker() *Breaker { return c.breaker }

// AccountInfo is the subset of /wallet/getaccount the core needs.
type AccountInfo struct {
	// Exists is false for addresses that have never been activated
	// on-chain; such accounts cannot hold TRC20 balances yet.
	Exists     bool
	BalanceSun *big.Int
}

// Account fetches TRX balance and activation state for an address.
func (c *Client) Account(ctx context.Context, addr crypto.Address) (*AccountInfo, error) {
	payload := map[string]interface{}{"address": addr.Hex()}
	var raw struct {
		Address string `json:"address"`
		Balance int64  `json:"balance"`
	}
	if err := c.post(ctx, "/wallet/getaccount", payload, &raw, readTimeout); err != nil {
		return nil, err
	}
	info := &AccountInfo{Exists: raw.Address != "", BalanceSun: big.NewInt(raw.Balance)}
	return info, nil
}

// USDTBalance reads the TRC20 balance of an address via a constant
// balanceOf call.
func (c *Client) USDTBalance(ctx context.Context, addr crypto.Address) (*big.Int, error) {
	param := encodeAddressParameter(addr)
	payload := map[string]interface{}{
		"owner_address":     addr.Hex(),
		"contract_address":  c.usdtContract.Hex(),
		"function_selector": "balanceOf(address)",
		"parameter":         param,
	}
	var raw struct {
		ConstantResult []string `json:"constant_result"`
		Result         struct {
			Result  bool   `json:"result"`
			Message string `json:"message"`
		} `json:"result"`
	}
	if err := c.post(ctx, "/wallet/triggerconstantcontract", payload, &raw, readTimeout); err != nil {
		return nil, err
	}
	if len(raw.ConstantResult) == 0 {
		return nil, fmt.Errorf("tron: balanceOf returned no result: %s", raw.Result.Message)
	}
	value, ok := new(big.Int).SetString(raw.ConstantResult[0], 16)
	if !ok {
		return nil, fmt.Errorf("tron: malformed balanceOf result %q", raw.ConstantResult[0])
	}
	return value, nil
}

// TRC20Transfer is one token movement from the provider's indexed history.
type TRC20Transfer struct {
	TxID           string
	TokenContract  string
	From           string
	To             string
	Amount         *big.Int
	BlockTimestamp int64
}

// InboundUSDTTransfers lists recent TRC20 transfers into the address,
// newest first, filtered to the configured USDT contract.
func (c *Client) InboundUSDTTransfers(ctx context.Context, addr crypto.Address, limit int) ([]TRC20Transfer, error) {
	if limit <= 0 {
		limit = 20
	}
	path := fmt.Sprintf("/v1/accounts/%s/transactions/trc20?only_to=true&limit=%d&contract_address=%s",
		addr.String(), limit, c.usdtContract.String())
	var raw struct {
		Data []struct {
			TransactionID string `json:"transaction_id"`
			TokenInfo     struct {
				Address string `json:"address"`
			} `json:"token_info"`
			From           string `json:"from"`
			To             string `json:"to"`
			Value          string `json:"value"`
			BlockTimestamp int64  `json:"block_timestamp"`
		} `json:"data"`
	}
	if err := c.get(ctx, path, &raw, readTimeout); err != nil {
		return nil, err
	}
	transfers := make([]TRC20Transfer, 0, len(raw.Data))
	for _, entry := range raw.Data {
		amount, ok := new(big.Int).SetString(entry.Value, 10)
		if !ok {
			continue
		}
		transfers = append(transfers, TRC20Transfer{
			TxID:           entry.TransactionID,
			TokenContract:  entry.TokenInfo.Address,
			From:           entry.From,
			To:             entry.To,
			Amount:         amount,
			BlockTimestamp: entry.BlockTimestamp,
		})
	}
	return transfers, nil
}

// BuildTRXTransfer constructs an unsigned TRX transfer.
func (c *Client) BuildTRXTransfer(ctx context.Context, from, to crypto.Address, amountSun *big.Int) (*Transaction, error) {
	if amountSun == nil || amountSun.Sign() <= 0 {
		return nil, fmt.Errorf("tron: transfer amount must be positive")
	}
	payload := map[string]interface{}{
		"owner_address": from.Hex(),
		"to_address":    to.Hex(),
		"amount":        amountSun.Int64(),
	}
	var tx Transaction
	if err := c.post(ctx, "/wallet/createtransaction", payload, &tx, readTimeout); err != nil {
		return nil, err
	}
	if tx.TxID == "" {
		return nil, fmt.Errorf("tron: createtransaction returned no txID")
	}
	return &tx, nil
}

// BuildUSDTTransfer constructs an unsigned TRC20 transfer(to, amount) call
// owned by the supplied address (the multisig account for payouts).
func (c *Client) BuildUSDTTransfer(ctx context.Context, owner, to crypto.Address, amount *big.Int) (*Transaction, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("tron: transfer amount must be positive")
	}
	payload := map[string]interface{}{
		"owner_address":     owner.Hex(),
		"contract_address":  c.usdtContract.Hex(),
		"function_selector": "transfer(address,uint256)",
		"parameter":         encodeTransferParameter(to, amount),
		"fee_limit":         defaultFeeLimit,
		"call_value":        0,
	}
	var raw struct {
		Transaction *Transaction `json:"transaction"`
		Result      struct {
			Result  bool   `json:"result"`
			Message string `json:"message"`
		} `json:"result"`
	}
	if err := c.post(ctx, "/wallet/triggersmartcontract", payload, &raw, readTimeout); err != nil {
		return nil, err
	}
	if raw.Transaction == nil || raw.Transaction.TxID == "" {
		return nil, fmt.Errorf("tron: triggersmartcontract rejected: %s", decodeNodeMessage(raw.Result.Message))
	}
	return raw.Transaction, nil
}

// TxInfo is the confirmation receipt for a broadcast transaction.
type TxInfo struct {
	ID          string `json:"id"`
	Fee         int64  `json:"fee"`
	BlockNumber int64  `json:"blockNumber"`
	Result      string `json:"result"`
}

// Confirmed reports whether the transaction landed without a failure code.
func (i *TxInfo) Confirmed() bool {
	return i != nil && i.ID != "" && i.Result != "FAILED"
}

// TransactionInfo fetches the receipt for a transaction id; a nil info with
// no error means the transaction is not yet indexed.
func (c *Client) TransactionInfo(ctx context.Context, txID string) (*TxInfo, error) {
	payload := map[string]interface{}{"value": txID}
	var info TxInfo
	if err := c.post(ctx, "/wallet/gettransactioninfobyid", payload, &info, readTimeout); err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, nil
	}
	return &info, nil
}

// Broadcast submits a signed transaction and returns its id.
func (c *Client) Broadcast(ctx context.Context, tx *Transaction) (string, error) {
	if tx == nil || len(tx.Signature) == 0 {
		return "", fmt.Errorf("%w: transaction is unsigned", ErrBroadcastFailed)
	}
	var raw struct {
		Result  bool   `json:"result"`
		TxID    string `json:"txid"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := c.post(ctx, "/wallet/broadcasttransaction", tx, &raw, broadcastTimeout); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	if !raw.Result {
		return "", fmt.Errorf("%w: %s %s", ErrBroadcastFailed, raw.Code, decodeNodeMessage(raw.Message))
	}
	if raw.TxID != "" {
		return raw.TxID, nil
	}
	return tx.TxID, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}, timeout time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, body, out, timeout)
}

func (c *Client) get(ctx context.Context, path string, out interface{}, timeout time.Duration) error {
	return c.do(ctx, http.MethodGet, path, nil, out, timeout)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}, timeout time.Duration) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("TRON-PRO-API-KEY", c.apiKey)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("tron: %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return fmt.Errorf("tron: %s %s: status=%d body=%s", method, path, resp.StatusCode, string(data))
		}
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

// decodeNodeMessage renders the hex-encoded error strings some node
// endpoints return.
func decodeNodeMessage(msg string) string {
	if decoded, err := hex.DecodeString(msg); err == nil && len(decoded) > 0 {
		return string(decoded)
	}
	return msg
}
