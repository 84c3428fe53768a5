package events

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mr1hm/go-bear-alerts/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// isClosed reports whether ch is closed with nothing left to read.
func isClosed(ch <-chan models.DispatchStats) bool {
	select {
	case _, ok := <-ch:
		return !ok
	default:
		return false
	}
}

func TestBroadcaster_EveryStreamGetsEachDispatch(t *testing.T) {
	b := NewBroadcaster()

	_, first := b.Subscribe()
	_, second := b.Subscribe()
	defer b.Close()

	stats := models.DispatchStats{AlertID: 42, Processed: true, Eligible: true, Targets: 3, Sent: 2, Failed: 1}
	b.Publish(stats)

	for i, ch := range []<-chan models.DispatchStats{first, second} {
		select {
		case got := <-ch:
			if got != stats {
				t.Errorf("stream %d: expected %+v, got %+v", i, stats, got)
			}
		case <-time.After(100 * time.Millisecond):
			t.Errorf("stream %d: timeout waiting for dispatch", i)
		}
	}
}

func TestBroadcaster_UnsubscribeEndsOnlyThatStream(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	gone, goneCh := b.Subscribe()
	_, keptCh := b.Subscribe()

	b.Unsubscribe(gone)
	if !isClosed(goneCh) {
		t.Error("expected unsubscribed stream to be closed")
	}
	if isClosed(keptCh) {
		t.Error("other stream must stay open")
	}
	if n := b.SubscriberCount(); n != 1 {
		t.Errorf("expected 1 subscriber, got %d", n)
	}

	// Repeated and unknown ids are ignored.
	b.Unsubscribe(gone)
	b.Unsubscribe(9999)
}

func TestBroadcaster_SlowStreamDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	_, ch := b.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+5; i++ {
			b.Publish(models.DispatchStats{AlertID: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if got := len(ch); got != subscriberBuffer {
		t.Errorf("expected %d buffered dispatches, got %d", subscriberBuffer, got)
	}
	if got := b.Dropped(); got != 5 {
		t.Errorf("expected 5 dropped dispatches, got %d", got)
	}
	if first := <-ch; first.AlertID != 0 {
		t.Errorf("expected oldest dispatch first, got alert %d", first.AlertID)
	}
}

func TestBroadcaster_CloseEndsStreamsAndLateSubscribers(t *testing.T) {
	b := NewBroadcaster()

	_, before := b.Subscribe()
	b.Close()
	b.Close()

	if !isClosed(before) {
		t.Error("expected existing stream to end on Close")
	}

	id, after := b.Subscribe()
	if !isClosed(after) {
		t.Error("expected stream opened after Close to be closed")
	}
	b.Unsubscribe(id)
	b.Publish(models.DispatchStats{AlertID: 1})

	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("expected no subscribers after Close, got %d", n)
	}
}

func TestBroadcaster_ConcurrentStreamsAndPublishers(t *testing.T) {
	b := NewBroadcaster()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, ch := b.Subscribe()
			drained := make(chan struct{})
			go func() {
				for range ch {
				}
				close(drained)
			}()
			time.Sleep(2 * time.Millisecond)
			b.Unsubscribe(id)
			<-drained
		}()
	}

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(alertID int64) {
			defer wg.Done()
			b.Publish(models.DispatchStats{AlertID: alertID, Processed: true})
		}(int64(i))
	}

	wg.Wait()
	b.Close()

	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("expected every stream to be gone, got %d", n)
	}
}
