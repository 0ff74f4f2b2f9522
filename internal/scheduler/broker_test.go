package scheduler_test

import (
	"testing"
	"time"

	"github.com/seantiz/crucible/internal/scheduler"
)

func TestBrokerDeliversToSubscribers(t *testing.T) {
	b := scheduler.NewOutputBroker()

	ch, unsub := b.Subscribe("run-1")
	defer unsub()

	b.Publish("run-1", "hello")
	select {
	case line := <-ch:
		if line != "hello" {
			t.Errorf("line = %q, want %q", line, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("line not delivered")
	}
}

func TestBrokerIsolatesRuns(t *testing.T) {
	b := scheduler.NewOutputBroker()

	ch, unsub := b.Subscribe("run-1")
	defer unsub()

	b.Publish("run-2", "other")
	select {
	case line := <-ch:
		t.Errorf("received %q published to a different run", line)
	default:
	}
}

func TestBrokerCloseEndsStreams(t *testing.T) {
	b := scheduler.NewOutputBroker()

	ch, unsub := b.Subscribe("run-1")
	defer unsub()

	b.Close("run-1")
	if _, ok := <-ch; ok {
		t.Error("channel still open after Close")
	}
}

func TestBrokerLateSubscribeAfterClose(t *testing.T) {
	b := scheduler.NewOutputBroker()

	b.Close("run-1")
	ch, unsub := b.Subscribe("run-1")
	defer unsub()

	if _, ok := <-ch; ok {
		t.Error("late subscriber got an open channel for a finished run")
	}
}

func TestBrokerDropsWhenSubscriberLagging(t *testing.T) {
	b := scheduler.NewOutputBroker()

	ch, unsub := b.Subscribe("run-1")
	defer unsub()

	// Publish never blocks, even with a full subscriber buffer.
	for i := 0; i < 500; i++ {
		b.Publish("run-1", "line")
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
			continue
		default:
		}
		break
	}
	if drained == 0 || drained >= 500 {
		t.Errorf("drained %d lines, want a full buffer with the rest dropped", drained)
	}
}
