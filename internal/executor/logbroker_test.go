package executor_test

import (
	"testing"

	"github.com/seantiz/anvil/internal/executor"
)

func publishAll(b *executor.LogBroker, id string, texts ...string) {
	for i, text := range texts {
		b.Publish(id, executor.Line{Seq: i, Text: text})
	}
}

func TestLogBrokerSingleSubscriber(t *testing.T) {
	b := executor.NewLogBroker()
	ch, unsub := b.Subscribe("w1")
	defer unsub()

	lines := []string{"line 1", "line 2", "line 3"}
	publishAll(b, "w1", lines...)
	b.Close("w1")

	var got []executor.Line
	for l := range ch {
		got = append(got, l)
	}
	if len(got) != len(lines) {
		t.Fatalf("got %d lines, want %d", len(got), len(lines))
	}
	for i, l := range got {
		if l.Text != lines[i] || l.Seq != i {
			t.Errorf("line[%d] = %+v, want seq %d %q", i, l, i, lines[i])
		}
	}
}

func TestLogBrokerMultipleSubscribers(t *testing.T) {
	b := executor.NewLogBroker()
	ch1, unsub1 := b.Subscribe("w1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("w1")
	defer unsub2()

	if n := b.Subscribers("w1"); n != 2 {
		t.Fatalf("Subscribers = %d, want 2", n)
	}

	publishAll(b, "w1", "hello")
	b.Close("w1")

	for i, ch := range []<-chan executor.Line{ch1, ch2} {
		l, ok := <-ch
		if !ok || l.Text != "hello" {
			t.Errorf("subscriber %d got %+v (open=%v), want hello", i, l, ok)
		}
	}
}

func TestLogBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := executor.NewLogBroker()
	b.Close("w1")

	ch, unsub := b.Subscribe("w1")
	defer unsub()
	if _, ok := <-ch; ok {
		t.Error("expected closed channel for finished item")
	}
}

func TestLogBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := executor.NewLogBroker()
	ch, unsub := b.Subscribe("w1")
	unsub()

	publishAll(b, "w1", "after")
	if _, ok := <-ch; ok {
		t.Error("unsubscribed channel should be closed and empty")
	}
	if n := b.Subscribers("w1"); n != 0 {
		t.Errorf("Subscribers = %d, want 0", n)
	}

	// Closing afterwards must not double-close.
	b.Close("w1")
	unsub()
}

func TestLogBrokerPublishToUnknownItemIsNoop(t *testing.T) {
	b := executor.NewLogBroker()
	publishAll(b, "nobody", "x")
	if n := b.Subscribers("nobody"); n != 0 {
		t.Errorf("Subscribers = %d, want 0", n)
	}
}

func TestLogBrokerSlowSubscriberDropsLines(t *testing.T) {
	b := executor.NewLogBroker()
	ch, unsub := b.Subscribe("w1")
	defer unsub()

	for i := range 100 {
		b.Publish("w1", executor.Line{Seq: i, Text: "x"})
	}
	b.Close("w1")

	n := 0
	for range ch {
		n++
	}
	if n != 64 {
		t.Errorf("received %d lines, want the 64 that fit the buffer", n)
	}
}
