// Package bus provides the in-process publish/subscribe fabric connecting
// agents, the decision engine, and dashboard observers. Delivery is
// at-most-once with an outbound queue per subscriber; messages from one
// publisher to one channel arrive in publish order.
package bus

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"boardroom/pkg/logx"
	"boardroom/pkg/proto"
)

// ErrClosed is returned by operations on a stopped bus.
var ErrClosed = errors.New("bus is closed")

const (
	// subscriberQueueSize bounds each subscriber's outbound queue. A slow
	// subscriber drops messages rather than stalling publishers.
	subscriberQueueSize = 256

	// channelQueueSize bounds the per-channel pending queue that holds
	// messages waiting out their priority delay.
	channelQueueSize = 1024
)

// DelaySettings supplies runtime-tunable values; the persistence settings
// cache satisfies it.
type DelaySettings interface {
	GetInt(category, key string, def int) int
}

// defaultDelays holds the per-priority publish delay in milliseconds,
// overridable at runtime via queue.delay_<priority>.
var defaultDelays = map[proto.Priority]int{
	proto.PriorityCritical:    0,
	proto.PriorityUrgent:      5_000,
	proto.PriorityHigh:        30_000,
	proto.PriorityNormal:      120_000,
	proto.PriorityLow:         300_000,
	proto.PriorityOperational: 600_000,
}

// Subscription is a cancellable message stream.
type Subscription struct {
	id      string
	pattern string
	out     chan *proto.Message
	bus     *Bus

	mu     sync.Mutex
	closed bool
}

// C returns the subscription's receive channel. It is closed on Cancel or
// bus shutdown.
func (s *Subscription) C() <-chan *proto.Message {
	return s.out
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.out)
	s.mu.Unlock()
	s.bus.removeSubscription(s.id)
}

// send delivers one message without blocking. Returns false when the queue
// is full.
func (s *Subscription) send(msg *proto.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}

type queuedMsg struct {
	channel string
	msg     *proto.Message
	readyAt time.Time
}

type channelWorker struct {
	queue chan queuedMsg
}

// Bus is the in-process pub/sub hub. One delivery goroutine per active
// channel preserves FIFO order while honoring per-priority delays.
type Bus struct {
	settings DelaySettings
	logger   *logx.Logger

	mu       sync.RWMutex
	subs     map[string]*Subscription
	channels map[string]*channelWorker
	closed   bool

	shutdown chan struct{}
	wg       sync.WaitGroup

	dropped int64 // messages lost to full subscriber queues
}

// New creates a bus. settings may be nil to always use default delays.
func New(settings DelaySettings) *Bus {
	return &Bus{
		settings: settings,
		logger:   logx.NewLogger("bus"),
		subs:     make(map[string]*Subscription),
		channels: make(map[string]*channelWorker),
		shutdown: make(chan struct{}),
	}
}

// Publish enqueues a message on a channel. It never blocks on subscribers;
// the message becomes visible after its priority delay elapses.
func (b *Bus) Publish(channel string, msg *proto.Message) error {
	if channel == "" {
		return fmt.Errorf("channel is required")
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	delay := b.delayFor(msg.Priority)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	worker, ok := b.channels[channel]
	if !ok {
		worker = &channelWorker{queue: make(chan queuedMsg, channelQueueSize)}
		b.channels[channel] = worker
		b.wg.Add(1)
		go b.runChannel(worker)
	}
	b.mu.Unlock()

	qm := queuedMsg{channel: channel, msg: msg, readyAt: time.Now().Add(delay)}
	select {
	case worker.queue <- qm:
		return nil
	default:
		b.logger.Warn("channel %s queue full, dropping %s message %s", channel, msg.Type, msg.ID)
		return fmt.Errorf("channel %s queue is full", channel)
	}
}

// PublishMessage routes a message by its To field: a broadcast group fans
// out to each member's channel, anything else goes to that agent's channel.
func (b *Bus) PublishMessage(msg *proto.Message) error {
	switch msg.To {
	case proto.RecipientAll:
		return b.Publish(proto.ChannelBroadcast, msg)
	case proto.RecipientHead:
		for _, at := range proto.HeadAgents() {
			if err := b.Publish(proto.AgentChannel(string(at)), msg); err != nil {
				return err
			}
		}
		return nil
	case proto.RecipientCLevel:
		for _, at := range proto.AllAgentTypes() {
			if !at.IsCLevel() {
				continue
			}
			if err := b.Publish(proto.AgentChannel(string(at)), msg); err != nil {
				return err
			}
		}
		return nil
	default:
		return b.Publish(proto.AgentChannel(msg.To), msg)
	}
}

// Subscribe registers a channel or pattern subscription. A trailing '*'
// matches any suffix, e.g. "channel:agent:*".
func (b *Bus) Subscribe(pattern string) (*Subscription, error) {
	if pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &Subscription{
		id:      uuid.New().String(),
		pattern: pattern,
		out:     make(chan *proto.Message, subscriberQueueSize),
		bus:     b,
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// Close stops delivery and closes all subscriber channels. Pending delayed
// messages are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	close(b.shutdown)
	b.wg.Wait()

	for _, s := range subs {
		s.Cancel()
	}
	b.logger.Info("Bus closed (%d messages dropped over lifetime)", b.droppedCount())
}

func (b *Bus) removeSubscription(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// runChannel drains one channel's queue in FIFO order, holding each message
// until its delay elapses. A later message never overtakes an earlier one on
// the same channel.
func (b *Bus) runChannel(w *channelWorker) {
	defer b.wg.Done()
	for {
		select {
		case <-b.shutdown:
			return
		case qm := <-w.queue:
			if wait := time.Until(qm.readyAt); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-b.shutdown:
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			b.deliver(qm.channel, qm.msg)
		}
	}
}

func (b *Bus) deliver(channel string, msg *proto.Message) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if matchPattern(sub.pattern, channel) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if !sub.send(msg.Clone()) {
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
			b.logger.Warn("subscriber %s queue full on %s, dropping message %s",
				sub.pattern, channel, msg.ID)
		}
	}
}

func (b *Bus) delayFor(p proto.Priority) time.Duration {
	def := defaultDelays[p]
	ms := def
	if b.settings != nil {
		ms = b.settings.GetInt("queue", "delay_"+string(p), def)
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

func (b *Bus) droppedCount() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

func matchPattern(pattern, channel string) bool {
	if pattern == channel {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(channel, strings.TrimSuffix(pattern, "*"))
	}
	return false
}
