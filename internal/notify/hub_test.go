package notify

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pitchside/internal/domain"
	"github.com/roach88/pitchside/internal/testutil"
)

func TestSequence(t *testing.T) {
	s := NewSequenceAt(41)
	assert.Equal(t, int64(41), s.Current())
	assert.Equal(t, int64(42), s.Next())
	assert.Equal(t, int64(42), s.Current())
}

func TestSequence_Concurrent(t *testing.T) {
	s := NewSequenceAt(0)
	seen := sync.Map{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, dup := seen.LoadOrStore(s.Next(), true)
				assert.False(t, dup)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(800), s.Current())
}

func TestHub_PublishStampsAndDelivers(t *testing.T) {
	clk := testutil.NewFakeClock(testutil.Epoch)
	h := NewHub(WithClock(clk))

	a, cancelA := h.Subscribe(4)
	defer cancelA()
	b, cancelB := h.Subscribe(4)
	defer cancelB()

	got := h.Publish(Change{Kind: KindRecord, Table: domain.TableEvents, RecordID: "e1", Source: SourceLocal})
	assert.Equal(t, int64(1), got.Seq)
	assert.Equal(t, testutil.Epoch, got.At)

	for _, ch := range []<-chan Change{a, b} {
		c := <-ch
		assert.Equal(t, got, c)
	}
	assert.Equal(t, int64(2), h.Publish(Change{Kind: KindConnectivity}).Seq)
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(1)
	defer cancel()

	h.Publish(Change{Kind: KindRecord})
	h.Publish(Change{Kind: KindRecord})
	h.Publish(Change{Kind: KindRecord})

	assert.Equal(t, int64(2), h.Dropped())
	c := <-ch
	assert.Equal(t, int64(1), c.Seq)
}

func TestHub_UnsubscribeAndClose(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(1)
	require.Equal(t, 1, h.Subscribers())

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, h.Subscribers())

	other, _ := h.Subscribe(1)
	h.Close()
	_, ok = <-other
	assert.False(t, ok)

	late, _ := h.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok, "subscriptions after Close are closed")
	h.Publish(Change{Kind: KindRecord})
}
