package export

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/signalbus/internal/dispatch"
	"github.com/sureshkrishnan-v/signalbus/internal/signal"
)

func TestEncodeDecode(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_123).UTC()
	sig, err := signal.New("order.created", "/shop", map[string]any{"amount": 42.0},
		signal.WithCorrelationID("c-1"), signal.WithTime(at))
	require.NoError(t, err)
	stamped := sig.WithLogID(signal.NewID())

	data, err := Encode(stamped)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, sig.ID, got.ID)
	assert.Equal(t, "order.created", got.Type)
	assert.Equal(t, "/shop", got.Source)
	assert.Equal(t, "c-1", got.CorrelationID)
	assert.True(t, at.Equal(got.Time))
	assert.Equal(t, map[string]any{"amount": 42.0}, got.Data)
	assert.Empty(t, got.LogID)
}

func TestDecode_Rejects(t *testing.T) {
	_, err := Decode([]byte("{"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"type":"a..b","src":"x"}`))
	assert.ErrorIs(t, err, signal.ErrInvalidSignal)
}

func TestDecode_AssignsMissingID(t *testing.T) {
	got, err := Decode([]byte(`{"type":"ping","src":"remote"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.Nil(t, got.Data)
}

func TestNATS_PublishBeforeStart(t *testing.T) {
	var _ dispatch.Publisher = (*NATS)(nil)
	var _ Exporter = (*NATS)(nil)

	e := NewNATS(DefaultNATSConfig(), zap.NewNop())
	sig, err := signal.New("a", "/test", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, e.Publish(context.Background(), "signalbus.out", sig), ErrNotConnected)
	assert.ErrorIs(t, e.Healthy(context.Background()), ErrNotConnected)
	assert.NoError(t, e.Stop(context.Background()))
}
