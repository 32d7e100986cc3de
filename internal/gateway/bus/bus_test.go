package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/glyphoxa/internal/gateway/proto"
)

func TestBroadcast_IsolatesByConnectionAndThread(t *testing.T) {
	b := New(nil)

	qa := b.Subscribe("A", "Ta", 10)
	qb := b.Subscribe("B", "Tb", 10)

	delivered := b.Broadcast(proto.Frame{Kind: proto.KindVoiceResponse, ThreadID: "Ta", ID: "m1"})
	assert.Equal(t, 1, delivered)

	select {
	case f := <-qa:
		assert.Equal(t, "m1", f.ID)
	default:
		t.Fatal("expected frame delivered to A")
	}

	select {
	case <-qb:
		t.Fatal("B must not receive a frame addressed to another thread")
	default:
	}
}

func TestBroadcast_IgnoresNonVoiceKinds(t *testing.T) {
	b := New(nil)
	b.Subscribe("A", "", 10)

	delivered := b.Broadcast(proto.Frame{Kind: proto.KindChatToken, ID: "m1"})
	assert.Equal(t, 0, delivered)
}

func TestBroadcast_FullQueueDropsOnlyThatSubscriber(t *testing.T) {
	b := New(nil)
	qa := b.Subscribe("A", "", 1)
	qb := b.Subscribe("B", "", 10)

	// Fill A's queue.
	b.Broadcast(proto.Frame{Kind: proto.KindUserTranscription, ID: "first"})
	// A is now full; B still has room.
	delivered := b.Broadcast(proto.Frame{Kind: proto.KindUserTranscription, ID: "second"})
	assert.Equal(t, 1, delivered)

	_, dropped, ok := b.Stats("A")
	require.True(t, ok)
	assert.Equal(t, int64(1), dropped, "second broadcast should have dropped for A only")

	_, droppedB, ok := b.Stats("B")
	require.True(t, ok)
	assert.Zero(t, droppedB)

	// Drain A once so it can take the third broadcast again.
	<-qa
	_ = qb

	delivered = b.Broadcast(proto.Frame{Kind: proto.KindUserTranscription, ID: "third"})
	assert.GreaterOrEqual(t, delivered, 1)
}

func TestUnsubscribe_DrainsQueue(t *testing.T) {
	b := New(nil)
	b.Subscribe("A", "", 10)
	b.Broadcast(proto.Frame{Kind: proto.KindUserTranscription, ID: "m1"})

	b.Unsubscribe("A")
	assert.Equal(t, 0, b.Len())
}

func TestUpdateThreadID(t *testing.T) {
	b := New(nil)
	q := b.Subscribe("A", "T1", 10)
	ok := b.UpdateThreadID("A", "T2")
	require.True(t, ok)

	delivered := b.Broadcast(proto.Frame{Kind: proto.KindVoiceResponse, ThreadID: "T2", ID: "m1"})
	assert.Equal(t, 1, delivered)
	<-q
}
