package executor

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each log subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// closedTopicTTL is how long a closed topic answers late subscribers with a
// closed channel before it is forgotten.
const closedTopicTTL = time.Minute

// Line is one output line of a work item. Seq matches the persisted
// sequence number so a reader can splice history and live lines.
type Line struct {
	Seq  int    `json:"seq"`
	Text string `json:"line"`
}

// LogBroker fans out live work item output to subscribers. It is safe for
// concurrent use.
//
// Closed topics stay behind as markers for a while so that subscribing just
// after an item finished yields a closed channel instead of blocking forever.
type LogBroker struct {
	mu        sync.Mutex
	topics    map[string]*logTopic
	closedTTL time.Duration
}

type logTopic struct {
	subs   map[int]chan Line
	nextID int
	closed bool
}

// NewLogBroker creates an empty broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{topics: make(map[string]*logTopic), closedTTL: closedTopicTTL}
}

func (b *LogBroker) topic(itemID string) *logTopic {
	t, ok := b.topics[itemID]
	if !ok {
		t = &logTopic{subs: make(map[int]chan Line)}
		b.topics[itemID] = t
	}
	return t
}

// Subscribe returns a channel receiving the item's lines from now on, and
// an unsubscribe func. The channel is closed when the item finishes.
func (b *LogBroker) Subscribe(itemID string) (<-chan Line, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(itemID)
	ch := make(chan Line, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
	}
}

// Publish sends a line to every subscriber of the item, dropping it for
// subscribers whose buffers are full.
func (b *LogBroker) Publish(itemID string, line Line) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[itemID]
	if !ok || t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Close ends the item's stream: subscriber channels are closed and later
// subscriptions get a closed channel.
func (b *LogBroker) Close(itemID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(itemID)
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}

	time.AfterFunc(b.closedTTL, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.topics[itemID] == t {
			delete(b.topics, itemID)
		}
	})
}

// Subscribers returns the number of live subscriptions for the item.
func (b *LogBroker) Subscribers(itemID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[itemID]; ok {
		return len(t.subs)
	}
	return 0
}
