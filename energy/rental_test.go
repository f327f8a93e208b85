package energy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"trondeal/crypto"
)

func testTarget(t *testing.T) crypto.Address {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key.Address()
}

func TestRentPlacesOrder(t *testing.T) {
	target := testTarget(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/order", r.URL.Path)
		require.Equal(t, "Bearer rental-key", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, target.String(), body["receive_address"])
		require.EqualValues(t, DefaultEnergyAmount, body["energy_amount"])
		require.EqualValues(t, 2, body["period_hours"])

		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "cost_sun": 8_000_000})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "rental-key", Duration: 2})
	cost, err := c.Rent(context.Background(), target, 0)
	require.NoError(t, err)
	require.Equal(t, int64(8_000_000), cost.Int64())
}

func TestRentDeclinedOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "message": "sold out"})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := c.Rent(context.Background(), testTarget(t), 65_000)
	require.ErrorIs(t, err, ErrRentalUnavailable)
	require.Contains(t, err.Error(), "sold out")
}

func TestRentProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := c.Rent(context.Background(), testTarget(t), 65_000)
	require.ErrorIs(t, err, ErrRentalUnavailable)
}

func TestDisabledAlwaysUnavailable(t *testing.T) {
	_, err := Disabled{}.Rent(context.Background(), testTarget(t), 65_000)
	require.ErrorIs(t, err, ErrRentalUnavailable)
}
