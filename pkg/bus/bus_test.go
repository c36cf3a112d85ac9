package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardroom/pkg/proto"
)

// zeroDelays removes all priority delays so delivery tests run instantly.
type zeroDelays struct{}

func (zeroDelays) GetInt(_, _ string, _ int) int { return 0 }

// fixedDelays overrides delays per priority key, in milliseconds.
type fixedDelays map[string]int

func (f fixedDelays) GetInt(_, key string, def int) int {
	if ms, ok := f[key]; ok {
		return ms
	}
	return def
}

func newTestMessage(msgType proto.MsgType, to string, priority proto.Priority) *proto.Message {
	msg := proto.NewMessage(msgType, "test-sender", to)
	msg.Priority = priority
	return msg
}

func recvTimeout(t *testing.T, sub *Subscription, timeout time.Duration) *proto.Message {
	t.Helper()
	select {
	case msg := <-sub.C():
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := New(zeroDelays{})
	defer b.Close()

	sub, err := b.Subscribe(proto.ChannelBroadcast)
	require.NoError(t, err)

	msg := newTestMessage(proto.MsgTypeBroadcast, proto.RecipientAll, proto.PriorityCritical)
	msg.SetPayload(proto.KeyContent, "hello")
	require.NoError(t, b.Publish(proto.ChannelBroadcast, msg))

	got := recvTimeout(t, sub, time.Second)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "hello", got.PayloadString(proto.KeyContent))
}

func TestSubscriberReceivesClone(t *testing.T) {
	b := New(zeroDelays{})
	defer b.Close()

	sub1, err := b.Subscribe(proto.ChannelBroadcast)
	require.NoError(t, err)
	sub2, err := b.Subscribe(proto.ChannelBroadcast)
	require.NoError(t, err)

	msg := newTestMessage(proto.MsgTypeBroadcast, proto.RecipientAll, proto.PriorityCritical)
	require.NoError(t, b.Publish(proto.ChannelBroadcast, msg))

	got1 := recvTimeout(t, sub1, time.Second)
	got2 := recvTimeout(t, sub2, time.Second)

	// One subscriber's payload mutation stays local.
	got1.SetPayload("mutated", "yes")
	_, ok := got2.GetPayload("mutated")
	assert.False(t, ok)
}

func TestPatternSubscription(t *testing.T) {
	b := New(zeroDelays{})
	defer b.Close()

	sub, err := b.Subscribe("channel:agent:*")
	require.NoError(t, err)

	msg := newTestMessage(proto.MsgTypeDirect, "cto", proto.PriorityCritical)
	require.NoError(t, b.Publish(proto.AgentChannel("cto"), msg))

	got := recvTimeout(t, sub, time.Second)
	assert.Equal(t, msg.ID, got.ID)

	// Non-matching channel is not delivered.
	other := newTestMessage(proto.MsgTypeBroadcast, proto.RecipientAll, proto.PriorityCritical)
	require.NoError(t, b.Publish(proto.ChannelBroadcast, other))
	select {
	case unexpected := <-sub.C():
		t.Fatalf("unexpected delivery: %s", unexpected.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishMessageFanOut(t *testing.T) {
	b := New(zeroDelays{})
	defer b.Close()

	subs := make(map[proto.AgentType]*Subscription)
	for _, at := range proto.AllAgentTypes() {
		sub, err := b.Subscribe(proto.AgentChannel(string(at)))
		require.NoError(t, err)
		subs[at] = sub
	}

	msg := newTestMessage(proto.MsgTypeAlert, proto.RecipientHead, proto.PriorityCritical)
	require.NoError(t, b.PublishMessage(msg))

	for _, at := range proto.HeadAgents() {
		got := recvTimeout(t, subs[at], time.Second)
		assert.Equal(t, msg.ID, got.ID)
	}
	// C-level inboxes stay empty for a head-group message.
	select {
	case unexpected := <-subs[proto.AgentCTO].C():
		t.Fatalf("unexpected delivery to cto: %s", unexpected.ID)
	case <-time.After(100 * time.Millisecond):
	}

	clevel := newTestMessage(proto.MsgTypeBroadcast, proto.RecipientCLevel, proto.PriorityCritical)
	require.NoError(t, b.PublishMessage(clevel))
	for _, at := range []proto.AgentType{proto.AgentCMO, proto.AgentCTO, proto.AgentCFO, proto.AgentCOO, proto.AgentCCO} {
		got := recvTimeout(t, subs[at], time.Second)
		assert.Equal(t, clevel.ID, got.ID)
	}
}

func TestFIFOOrderingUnderLoad(t *testing.T) {
	b := New(zeroDelays{})
	defer b.Close()

	sub, err := b.Subscribe(proto.AgentChannel("ceo"))
	require.NoError(t, err)

	const total = 1000
	received := make(chan int, total)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case msg := <-sub.C():
				seq, _ := msg.GetPayload("seq")
				received <- seq.(int)
			case <-time.After(500 * time.Millisecond):
				return
			}
		}
	}()

	for i := 0; i < total; i++ {
		msg := newTestMessage(proto.MsgTypeDirect, "ceo", proto.PriorityCritical)
		msg.SetPayload("seq", i)
		require.NoError(t, b.Publish(proto.AgentChannel("ceo"), msg))
	}

	<-done
	close(received)

	// Delivery is at-most-once: a slow subscriber may lose messages, but the
	// sequence it sees is strictly increasing.
	last := -1
	count := 0
	for seq := range received {
		require.Greater(t, seq, last, "message delivered out of order")
		last = seq
		count++
	}
	assert.Greater(t, count, 0)
}

func TestPriorityDelay(t *testing.T) {
	b := New(fixedDelays{"delay_normal": 150, "delay_critical": 0})
	defer b.Close()

	sub, err := b.Subscribe(proto.AgentChannel("cfo"))
	require.NoError(t, err)

	normal := newTestMessage(proto.MsgTypeDirect, "cfo", proto.PriorityNormal)
	start := time.Now()
	require.NoError(t, b.Publish(proto.AgentChannel("cfo"), normal))

	// Not visible before the delay elapses.
	select {
	case <-sub.C():
		t.Fatal("normal message visible before its delay")
	case <-time.After(100 * time.Millisecond):
	}

	got := recvTimeout(t, sub, time.Second)
	assert.Equal(t, normal.ID, got.ID)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestChannelOrderHoldsAcrossPriorities(t *testing.T) {
	b := New(fixedDelays{"delay_normal": 100, "delay_critical": 0})
	defer b.Close()

	sub, err := b.Subscribe(proto.AgentChannel("coo"))
	require.NoError(t, err)

	normal := newTestMessage(proto.MsgTypeDirect, "coo", proto.PriorityNormal)
	require.NoError(t, b.Publish(proto.AgentChannel("coo"), normal))

	// A critical message published later on the same channel does not
	// overtake the pending normal one.
	critical := newTestMessage(proto.MsgTypeAlert, "coo", proto.PriorityCritical)
	require.NoError(t, b.Publish(proto.AgentChannel("coo"), critical))

	first := recvTimeout(t, sub, time.Second)
	second := recvTimeout(t, sub, time.Second)
	assert.Equal(t, normal.ID, first.ID)
	assert.Equal(t, critical.ID, second.ID)
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := New(zeroDelays{})
	b.Close()

	msg := newTestMessage(proto.MsgTypeDirect, "ceo", proto.PriorityCritical)
	assert.ErrorIs(t, b.Publish(proto.AgentChannel("ceo"), msg), ErrClosed)

	_, err := b.Subscribe(proto.ChannelBroadcast)
	assert.ErrorIs(t, err, ErrClosed)

	// Double close is a no-op.
	b.Close()
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New(zeroDelays{})
	defer b.Close()

	sub, err := b.Subscribe(proto.ChannelStatusFeed)
	require.NoError(t, err)
	sub.Cancel()

	_, open := <-sub.C()
	assert.False(t, open)

	// Publishing after cancel does not panic and goes nowhere.
	msg := newTestMessage(proto.MsgTypeStatusResponse, "ceo", proto.PriorityCritical)
	require.NoError(t, b.Publish(proto.ChannelStatusFeed, msg))
	time.Sleep(50 * time.Millisecond)
}

func TestInvalidMessageRejected(t *testing.T) {
	b := New(zeroDelays{})
	defer b.Close()

	msg := &proto.Message{Type: proto.MsgTypeDirect}
	err := b.Publish(proto.ChannelBroadcast, msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid message")

	err = b.Publish("", newTestMessage(proto.MsgTypeDirect, "ceo", proto.PriorityCritical))
	require.Error(t, err)
}

func TestQueueFullDropsNewest(t *testing.T) {
	b := New(fixedDelays{"delay_critical": 200})
	defer b.Close()

	// Fill the channel queue past capacity while the worker is blocked on
	// the first message's delay.
	var fullErr error
	for i := 0; i < channelQueueSize+10; i++ {
		msg := newTestMessage(proto.MsgTypeDirect, "cco", proto.PriorityCritical)
		if err := b.Publish(proto.AgentChannel("cco"), msg); err != nil {
			fullErr = err
			break
		}
	}
	require.Error(t, fullErr)
	assert.Contains(t, fullErr.Error(), "queue is full")
}
