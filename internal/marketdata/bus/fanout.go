package bus

import (
	"log"

	"github.com/google/uuid"
)

// Chan registers a consumer that receives events on a buffered channel
// instead of a callback. If the channel is full the event is dropped for that
// consumer so a slow reader never blocks the feed.
//
// The channel is never closed; stop reading after calling Unregister.
func (b *Bus) Chan(id string, interest []string, bufSize int) (*Subscription, <-chan Event) {
	if id == "" {
		id = uuid.NewString()
	}
	ch := make(chan Event, bufSize)
	sub := b.Register(id, interest, func(ev Event) {
		select {
		case ch <- ev:
		default:
			if b.OnDrop != nil {
				b.OnDrop(id)
			} else {
				log.Printf("[bus] channel for %s full, dropping %s", id, ev.Type)
			}
		}
	})
	return sub, ch
}
