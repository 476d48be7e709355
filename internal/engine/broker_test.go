package engine_test

import (
	"testing"

	"github.com/go-idp/pipeline/internal/engine"
	"github.com/go-idp/pipeline/internal/model"
)

func ev(seq int64) model.Event {
	return model.Event{Seq: seq, RunID: "r1", Type: model.EventStepLog, Line: "line"}
}

func TestEventBrokerSingleSubscriber(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	for i := int64(1); i <= 3; i++ {
		b.Publish("r1", ev(i))
	}
	b.Close("r1")

	var got []int64
	for e := range ch {
		got = append(got, e.Seq)
	}

	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	for i, seq := range got {
		if seq != int64(i+1) {
			t.Errorf("event[%d].Seq = %d, want %d", i, seq, i+1)
		}
	}
}

func TestEventBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewEventBroker()
	ch1, unsub1 := b.Subscribe("r1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("r1")
	defer unsub2()

	b.Publish("r1", ev(1))
	b.Close("r1")

	for i, ch := range []<-chan model.Event{ch1, ch2} {
		var got []model.Event
		for e := range ch {
			got = append(got, e)
		}
		if len(got) != 1 || got[0].Seq != 1 {
			t.Errorf("subscriber %d got %v, want one event", i+1, got)
		}
	}
}

func TestEventBrokerLateSubscriberGetsClosedChannel(t *testing.T) {
	b := engine.NewEventBroker()
	b.Close("r1")

	ch, unsub := b.Subscribe("r1")
	defer unsub()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel for finished run")
	}
}

func TestEventBrokerUnsubscribe(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("r1")
	unsub()

	b.Publish("r1", ev(1))

	select {
	case e := <-ch:
		t.Errorf("received %+v after unsubscribe", e)
	default:
	}
}

func TestEventBrokerDropsForSlowSubscriber(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	for i := int64(1); i <= 1000; i++ {
		b.Publish("r1", ev(i))
	}
	b.Close("r1")

	n := 0
	for range ch {
		n++
	}
	if n == 0 || n >= 1000 {
		t.Errorf("received %d events, want some but not all", n)
	}
}

func TestEventBrokerForget(t *testing.T) {
	b := engine.NewEventBroker()
	b.Close("r1")
	b.Forget("r1")

	ch, unsub := b.Subscribe("r1")
	defer unsub()

	b.Publish("r1", ev(1))
	select {
	case e, ok := <-ch:
		if !ok || e.Seq != 1 {
			t.Errorf("got %+v (open=%v), want seq 1 on an open channel", e, ok)
		}
	default:
		t.Error("no event delivered after Forget")
	}
}
