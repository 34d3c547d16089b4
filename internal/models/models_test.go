package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "555181", NormalizeCode("555181"))
	assert.Equal(t, "555181", NormalizeCode(" 555-181 "))
	assert.Equal(t, "12", NormalizeCode("a1b2"))
	assert.Equal(t, "", NormalizeCode("abc"))
}

func TestAuthResponse_BearerToken(t *testing.T) {
	var resp AuthResponse
	require.NoError(t, json.Unmarshal([]byte(`{"token":"abc123"}`), &resp))
	assert.Equal(t, "abc123", resp.BearerToken())

	resp = AuthResponse{}
	require.NoError(t, json.Unmarshal([]byte(`{"access_token":"xyz"}`), &resp))
	assert.Equal(t, "xyz", resp.BearerToken())

	assert.Empty(t, AuthResponse{Token: "  "}.BearerToken())
}

func TestOrder_DecodesServerShape(t *testing.T) {
	var orders []Order
	body := `[{"id":"1","user_id":"7","item":"Nasi Goreng","price":25000,"status":"pending"}]`
	require.NoError(t, json.Unmarshal([]byte(body), &orders))
	require.Len(t, orders, 1)
	assert.Equal(t, Order{ID: "1", Item: "Nasi Goreng", Price: 25000, Status: OrderStatusPending}, orders[0])
	assert.True(t, orders[0].IsPending())
}

func TestFormatRupiah(t *testing.T) {
	assert.Equal(t, "Rp 25.000", FormatRupiah(25000))
	assert.Equal(t, "Rp 5.000", FormatRupiah(5000))
	assert.Equal(t, "Rp 0", FormatRupiah(0))
	assert.Equal(t, "Rp 1.250.000", FormatRupiah(1250000))
	assert.Equal(t, "Rp 999", FormatRupiah(999))
}

func TestLookupMenu(t *testing.T) {
	item, ok := LookupMenu("nasi goreng")
	require.True(t, ok)
	assert.Equal(t, int64(25000), item.Price)

	_, ok = LookupMenu("Rendang")
	assert.False(t, ok)
}
