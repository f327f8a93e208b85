package energy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"trondeal/crypto"
)

// ErrRentalUnavailable covers provider outages and declined orders. The
// payout pipeline falls back to direct TRX funding when it sees this.
var ErrRentalUnavailable = errors.New("energy: rental unavailable")

const (
	// DefaultEnergyAmount covers one TRC20 transfer against a cold
	// recipient plus headroom for the commission leg.
	DefaultEnergyAmount = 131_000

	orderTimeout = 15 * time.Second
)

// Provider places short-term energy delegations for an address.
type Provider interface {
	// Rent delegates energy to the target and returns the order cost in
	// sun.
	Rent(ctx context.Context, target crypto.Address, amount int64) (*big.Int, error)
}

// ClientConfig points at the rental provider's order endpoint.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	// Duration is the delegation period requested, in hours.
	Duration int
}

// Client is an HTTP energy rental client. Order placement is a single POST;
// the provider delegates asynchronously within its SLA, which is why the
// pipeline still waits before broadcasting.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Duration <= 0 {
		cfg.Duration = 1
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: orderTimeout}}
}

func (c *Client) Rent(ctx context.Context, target crypto.Address, amount int64) (*big.Int, error) {
	if amount <= 0 {
		amount = DefaultEnergyAmount
	}
	payload, err := json.Marshal(map[string]interface{}{
		"receive_address": target.String(),
		"energy_amount":   amount,
		"period_hours":    c.cfg.Duration,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/order", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRentalUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status=%d body=%s", ErrRentalUnavailable, resp.StatusCode, string(data))
	}
	var result struct {
		Success bool   `json:"success"`
		CostSun int64  `json:"cost_sun"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrRentalUnavailable, err)
	}
	if !result.Success {
		return nil, fmt.Errorf("%w: %s", ErrRentalUnavailable, result.Message)
	}
	return big.NewInt(result.CostSun), nil
}

// Disabled is the provider used when no rental service is configured; every
// order reports unavailable so the pipeline takes the TRX fallback path.
type Disabled struct{}

func (Disabled) Rent(context.Context, crypto.Address, int64) (*big.Int, error) {
	return nil, ErrRentalUnavailable
}
