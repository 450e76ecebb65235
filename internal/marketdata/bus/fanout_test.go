package bus

import (
	"context"
	"testing"
	"time"

	"market-screener/internal/model"
)

func TestFanOut_BroadcastsToAll(t *testing.T) {
	fo := New(10)
	_, out1 := fo.Subscribe()
	_, out2 := fo.Subscribe()

	input := make(chan model.Change, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx, input)

	input <- model.Change{Kind: model.ChangeSlow, Symbol: "BTCUSDT"}

	for i, out := range []<-chan model.Change{out1, out2} {
		select {
		case c := <-out:
			if c.Symbol != "BTCUSDT" {
				t.Errorf("out%d: expected symbol BTCUSDT, got %s", i+1, c.Symbol)
			}
		case <-time.After(time.Second):
			t.Fatalf("out%d: timed out waiting for change", i+1)
		}
	}
}

func TestFanOut_DropsForSlowSubscriber(t *testing.T) {
	fo := New(1)
	id, _ := fo.Subscribe()
	drops := make(chan int, 10)
	fo.OnDrop = func(subscriberID int) { drops <- subscriberID }

	input := make(chan model.Change, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx, input)

	input <- model.Change{Kind: model.ChangeOrder}
	input <- model.Change{Kind: model.ChangeOrder}

	select {
	case got := <-drops:
		if got != id {
			t.Errorf("expected drop for subscriber %d, got %d", id, got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for drop")
	}
}

func TestFanOut_UnsubscribeClosesChannel(t *testing.T) {
	fo := New(1)
	id, out := fo.Subscribe()
	fo.Unsubscribe(id)

	if _, ok := <-out; ok {
		t.Error("expected closed channel after unsubscribe")
	}
	if n := len(fo.ChannelStats()); n != 0 {
		t.Errorf("expected 0 subscribers, got %d", n)
	}
	fo.Unsubscribe(id) // second call is a no-op
}
