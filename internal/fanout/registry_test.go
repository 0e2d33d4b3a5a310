package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_SubscribeIsIdempotent(t *testing.T) {
	r := newRegistry()
	conn := NewConnection(16)

	r.subscribe(conn, "game:401")
	r.subscribe(conn, "game:401")

	assert.Len(t, r.resolve("game:401"), 1)
	assert.Equal(t, 1, r.channelCount())
	assert.Equal(t, []string{"game:401"}, conn.Subscriptions())
}

func TestRegistry_LazyCreationAndGC(t *testing.T) {
	r := newRegistry()
	conn := NewConnection(16)

	assert.Nil(t, r.resolve("odds:401"), "channel does not exist before first subscription")

	r.subscribe(conn, "odds:401")
	assert.Equal(t, 1, r.channelCount())

	r.unsubscribe(conn, "odds:401")
	assert.Equal(t, 0, r.channelCount(), "empty channel is garbage-collected")
	assert.Nil(t, r.resolve("odds:401"))
	assert.Empty(t, conn.Subscriptions())
}

func TestRegistry_UnsubscribeUnknownChannel(t *testing.T) {
	r := newRegistry()
	conn := NewConnection(16)

	r.unsubscribe(conn, "game:999")
	assert.Equal(t, 0, r.channelCount())
}

func TestRegistry_DropRemovesFromAllChannels(t *testing.T) {
	r := newRegistry()
	leaving := NewConnection(16)
	staying := NewConnection(16)

	r.subscribe(leaving, "game:401")
	r.subscribe(leaving, "odds:401")
	r.subscribe(staying, "game:401")

	r.drop(leaving)

	assert.Len(t, r.resolve("game:401"), 1, "other subscribers keep the channel alive")
	assert.Nil(t, r.resolve("odds:401"), "sole-subscriber channel collected")
	assert.Empty(t, leaving.Subscriptions())
	assert.Equal(t, []string{"game:401"}, staying.Subscriptions())
}
