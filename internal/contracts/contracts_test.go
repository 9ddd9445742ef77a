package contracts

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopology_OneQueuePerKey(t *testing.T) {
	seen := map[string]bool{}
	for _, b := range Topology() {
		assert.False(t, seen[b.Queue], "duplicate queue %s", b.Queue)
		seen[b.Queue] = true
		assert.Equal(t, b.RoutingKey+".queue", b.Queue)
	}
	assert.Len(t, seen, 6)
}

func TestPaymentRequest_WireShape(t *testing.T) {
	body, err := json.Marshal(PaymentRequest{
		OrderID:     "1",
		FromAccount: "A1",
		ToAccount:   "STORE-001",
		Amount:      decimal.RequireFromString("40.00"),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"orderId":"1","fromAccount":"A1","toAccount":"STORE-001","amount":"40"}`, string(body))

	var back PaymentRequest
	require.NoError(t, json.Unmarshal([]byte(`{"orderId":"1","fromAccount":"A1","toAccount":"S","amount":40.5}`), &back))
	assert.True(t, back.Amount.Equal(decimal.RequireFromString("40.5")))
}

func TestPaymentResponse_IsRefund(t *testing.T) {
	assert.False(t, PaymentResponse{}.IsRefund())
	assert.False(t, PaymentResponse{Kind: KindPayment}.IsRefund())
	assert.True(t, PaymentResponse{Kind: KindRefund}.IsRefund())
}
