package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBrokerForgetsClosedTopics(t *testing.T) {
	b := NewLogBroker()
	b.closedTTL = 10 * time.Millisecond

	_, unsub := b.Subscribe("w1")
	defer unsub()
	b.Close("w1")
	b.Close("w1")

	ch, _ := b.Subscribe("w1")
	_, ok := <-ch
	assert.False(t, ok, "late subscriber should get a closed channel")

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.topics) == 0
	}, time.Second, 5*time.Millisecond)
}
