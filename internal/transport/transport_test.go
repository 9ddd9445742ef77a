package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermanent(t *testing.T) {
	base := errors.New("bad payload")
	err := Permanent(base)

	assert.True(t, IsPermanent(err))
	assert.True(t, IsPermanent(errors.Join(errors.New("outer"), err)))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.NoError(t, Permanent(nil))
}

func TestMessageDecode_BadBodyIsPermanent(t *testing.T) {
	msg := Message{ID: "m1", RoutingKey: "payment.request", Body: []byte("{not json")}
	var v struct{ OrderID int64 }

	err := msg.Decode(&v)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestEncode_StampsAttributes(t *testing.T) {
	body, attrs, err := Encode("delivery.status", map[string]string{"status": "received"})
	require.NoError(t, err)

	assert.JSONEq(t, `{"status":"received"}`, string(body))
	assert.Equal(t, "delivery.status", attrs[AttrRoutingKey])
	assert.Equal(t, SchemaVersion, attrs[AttrSchemaVersion])
}

func TestSafely_RecoversPanic(t *testing.T) {
	err := Safely(context.Background(), func(context.Context, Message) error {
		panic("boom")
	}, Message{ID: "m1"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.False(t, IsPermanent(err))
}
