package fanout

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lego4005/nfl-predictor-api-sub017/internal/update"
)

func mustUpdate(t *testing.T, kind update.Kind, subject string, ts time.Time) update.Update {
	t.Helper()
	u, err := update.New(kind, subject, json.RawMessage(`{}`), update.PriorityMedium, []string{"game"}, ts)
	require.NoError(t, err)
	return u
}

func TestConnection_DispatchByKind(t *testing.T) {
	conn := NewConnection(16)
	conn.SetState(StateOpen)

	var scores, odds []update.Update
	conn.On(update.KindScore, func(u update.Update) { scores = append(scores, u) })
	conn.On(update.KindOdds, func(u update.Update) { odds = append(odds, u) })

	require.NoError(t, conn.Receive(mustUpdate(t, update.KindScore, "401", time.Now())))
	require.NoError(t, conn.Receive(mustUpdate(t, update.KindOdds, "401", time.Now())))
	require.NoError(t, conn.Receive(mustUpdate(t, update.KindPrediction, "401", time.Now())))

	assert.Len(t, scores, 1)
	assert.Len(t, odds, 1)
}

func TestConnection_BuffersWhileNotOpen(t *testing.T) {
	conn := NewConnection(16)

	var got []update.Update
	conn.On(update.KindScore, func(u update.Update) { got = append(got, u) })

	base := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, conn.Receive(mustUpdate(t, update.KindScore, fmt.Sprintf("subject-%d", i), base.Add(time.Duration(i)*time.Second))))
	}

	assert.Empty(t, got, "nothing dispatched before the connection opens")
	assert.Equal(t, 3, conn.PendingLen())

	conn.SetState(StateOpen)

	require.Len(t, got, 3)
	assert.Equal(t, "subject-0", got[0].SubjectID, "replay preserves enqueue order")
	assert.Equal(t, "subject-2", got[2].SubjectID)
	assert.Equal(t, 0, conn.PendingLen(), "buffer cleared after replay")
}

func TestConnection_OverflowDropsOldest(t *testing.T) {
	conn := NewConnection(3)

	var got []update.Update
	conn.On(update.KindScore, func(u update.Update) { got = append(got, u) })

	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, conn.Receive(mustUpdate(t, update.KindScore, fmt.Sprintf("subject-%d", i), base.Add(time.Duration(i)*time.Second))))
	}

	assert.Equal(t, 3, conn.PendingLen())
	assert.Equal(t, uint64(2), conn.DroppedOldest())

	conn.SetState(StateOpen)

	require.Len(t, got, 3)
	assert.Equal(t, "subject-2", got[0].SubjectID, "oldest entries evicted first")
	assert.Equal(t, "subject-4", got[2].SubjectID)
}

func TestConnection_HandlerPanicIsIsolated(t *testing.T) {
	conn := NewConnection(16)
	conn.SetState(StateOpen)

	var delivered int
	conn.On(update.KindScore, func(update.Update) { panic("handler exploded") })
	conn.On(update.KindScore, func(update.Update) { delivered++ })

	err := conn.Receive(mustUpdate(t, update.KindScore, "401", time.Now()))

	require.Error(t, err)
	var deliveryErr *DeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	assert.Equal(t, 1, deliveryErr.Failed)
	assert.Equal(t, 1, delivered, "second handler still ran")
}

func TestConnection_OnAll(t *testing.T) {
	conn := NewConnection(16)
	conn.SetState(StateOpen)

	var got []update.Kind
	conn.OnAll(func(u update.Update) { got = append(got, u.Kind) })

	for _, kind := range update.Kinds() {
		u, err := update.New(kind, "401", nil, update.PriorityLow, nil, time.Now())
		require.NoError(t, err)
		require.NoError(t, conn.Receive(u))
	}

	assert.Equal(t, update.Kinds(), got)
}

func TestConnection_StateTransitions(t *testing.T) {
	conn := NewConnection(16)
	assert.Equal(t, StateConnecting, conn.State())

	conn.SetState(StateOpen)
	assert.Equal(t, StateOpen, conn.State())

	conn.SetState(StateClosing)
	conn.SetState(StateClosed)
	assert.Equal(t, StateClosed, conn.State())

	require.NoError(t, conn.Receive(mustUpdate(t, update.KindScore, "401", time.Now())))
	assert.Equal(t, 1, conn.PendingLen(), "closed connections buffer instead of dispatching")
}
