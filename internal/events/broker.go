// Package events fans enforcement decisions out to live subscribers (SSE
// streams, the audit watch command). Delivery is best-effort: a slow
// subscriber drops records rather than stalling the decision path.
package events

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/skillgate/skillgate/pkg/types"
)

// Broker routes audit records to subscribers keyed by extension id. The
// empty key subscribes to every extension.
type Broker struct {
	mu      sync.RWMutex
	subs    map[string]map[chan types.AuditRecord]struct{} // extensionID -> subscribers
	dropped atomic.Int64
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan types.AuditRecord]struct{})}
}

// Subscribe registers a subscriber for one extension id, or all extensions
// when extensionID is empty. buf <= 0 defaults to 100.
func (b *Broker) Subscribe(extensionID string, buf int) chan types.AuditRecord {
	if buf <= 0 {
		buf = 100
	}
	ch := make(chan types.AuditRecord, buf)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[extensionID]; !ok {
		b.subs[extensionID] = make(map[chan types.AuditRecord]struct{})
	}
	b.subs[extensionID][ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Broker) Unsubscribe(extensionID string, ch chan types.AuditRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[extensionID]; ok {
		if _, subscribed := m[ch]; !subscribed {
			return
		}
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, extensionID)
		}
		close(ch)
	}
}

// Publish delivers rec to the extension's subscribers and the all-extensions
// subscribers. Never blocks.
func (b *Broker) Publish(rec types.AuditRecord) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.publishLocked(b.subs[rec.ExtensionID], rec)
	b.publishLocked(b.subs[""], rec)
}

func (b *Broker) publishLocked(m map[chan types.AuditRecord]struct{}, rec types.AuditRecord) {
	for ch := range m {
		select {
		case ch <- rec:
		default:
			// Drop on slow subscriber, log and count.
			count := b.dropped.Add(1)
			if count == 1 || count%100 == 0 {
				fmt.Fprintf(os.Stderr, "events: dropped audit record (extension=%s, total dropped=%d)\n",
					rec.ExtensionID, count)
			}
		}
	}
}

// DroppedCount returns the total number of records dropped due to slow
// subscribers.
func (b *Broker) DroppedCount() int64 {
	return b.dropped.Load()
}
