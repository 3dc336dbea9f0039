package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "channel closed")
		return m
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	return Message{}
}

func TestBroker_PublishFansOut(t *testing.T) {
	b := NewBroker()
	s1 := b.Subscribe(BattleTopic("b1"), 4)
	s2 := b.Subscribe(BattleTopic("b1"), 4)
	other := b.Subscribe(BattleTopic("b2"), 4)
	defer other.Close()

	n := b.Publish(BattleTopic("b1"), Message{Type: "snapshot", Version: 3})
	require.Equal(t, 2, n)

	m := recv(t, s1.C)
	require.Equal(t, "battle:b1", m.Topic)
	require.Equal(t, uint64(3), m.Version)
	recv(t, s2.C)

	select {
	case <-other.C:
		t.Fatal("message leaked to another topic")
	default:
	}
}

func TestBroker_SlowSubscriberDropped(t *testing.T) {
	b := NewBroker()
	slow := b.Subscribe("t", 1)
	fast := b.Subscribe("t", 8)

	b.Publish("t", Message{Type: "a"})
	b.Publish("t", Message{Type: "b"})

	require.Equal(t, 1, b.Count("t"))

	_, ok := <-slow.C
	require.True(t, ok)
	_, ok = <-slow.C
	require.False(t, ok)

	require.Equal(t, "a", recv(t, fast.C).Type)
	require.Equal(t, "b", recv(t, fast.C).Type)

	slow.Close()
}

func TestBroker_CloseIsIdempotent(t *testing.T) {
	b := NewBroker()
	s := b.Subscribe(UserTopic("u1"), 0)
	s.Close()
	s.Close()
	require.Equal(t, 0, b.Count(UserTopic("u1")))

	_, ok := <-s.C
	require.False(t, ok)
}

func TestBroker_CloseTopic(t *testing.T) {
	b := NewBroker()
	s := b.Subscribe("t", 1)
	b.CloseTopic("t")
	_, ok := <-s.C
	require.False(t, ok)
	s.Close()
}
