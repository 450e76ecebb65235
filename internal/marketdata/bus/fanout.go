package bus

import (
	"context"
	"log"
	"sync"

	"market-screener/internal/model"
)

// FanOut broadcasts store changes from a single input channel to N output
// channels. If an output channel is full, the change is dropped for that
// consumer to prevent a slow consumer from blocking the pipeline.
type FanOut struct {
	mu      sync.RWMutex
	outputs map[int]chan model.Change
	nextID  int
	bufSize int
	closed  bool

	// OnDrop is called when a change is dropped for a subscriber.
	OnDrop func(subscriberID int)
}

// New creates a FanOut with the given buffer size for output channels.
func New(outputBufferSize int) *FanOut {
	return &FanOut{
		outputs: make(map[int]chan model.Change),
		bufSize: outputBufferSize,
	}
}

// Subscribe creates a new output channel and returns it with its id.
func (f *FanOut) Subscribe() (int, <-chan model.Change) {
	ch := make(chan model.Change, f.bufSize)
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	if f.closed {
		close(ch)
		return id, ch
	}
	f.outputs[id] = ch
	return id, ch
}

// Unsubscribe removes and closes the output channel with the given id.
func (f *FanOut) Unsubscribe(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.outputs[id]; ok {
		delete(f.outputs, id)
		close(ch)
	}
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Change) {
	defer func() {
		f.mu.Lock()
		for id, ch := range f.outputs {
			close(ch)
			delete(f.outputs, id)
		}
		f.closed = true
		f.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for id, ch := range f.outputs {
				select {
				case ch <- change:
				default:
					if f.OnDrop != nil {
						f.OnDrop(id)
					} else {
						log.Printf("[bus] subscriber %d full, dropping %s change %s", id, change.Kind, change.Symbol)
					}
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ChannelStat reports (length, capacity) of one subscriber channel.
// Used for reporting channel saturation percentage.
type ChannelStat struct {
	Len int
	Cap int
}

// ChannelStats returns one entry per live subscriber.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, 0, len(f.outputs))
	for _, ch := range f.outputs {
		stats = append(stats, ChannelStat{Len: len(ch), Cap: cap(ch)})
	}
	return stats
}
