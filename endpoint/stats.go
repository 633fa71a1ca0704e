package endpoint

import (
	"sync/atomic"
)

// Stats counts endpoint events since Listen.
type Stats struct {
	Received  uint64 `json:"received"`
	Sent      uint64 `json:"sent"`
	Dropped   uint64 `json:"dropped"`
	Delivered uint64 `json:"delivered"`
	Overflow  uint64 `json:"overflow"`
	Evicted   uint64 `json:"evicted"`
	Channels  uint64 `json:"channels"`
	Teardowns uint64 `json:"teardowns"`
	Rekeys    uint64 `json:"rekeys"`
	Replies   uint64 `json:"replies"`
	Unmatched uint64 `json:"unmatched_replies"`
}

type counters struct {
	received, sent, dropped, delivered atomic.Uint64
	overflow, evicted                  atomic.Uint64
	channels, teardowns                atomic.Uint64
	rekeys, replies, unmatched         atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Received:  c.received.Load(),
		Sent:      c.sent.Load(),
		Dropped:   c.dropped.Load(),
		Delivered: c.delivered.Load(),
		Overflow:  c.overflow.Load(),
		Evicted:   c.evicted.Load(),
		Channels:  c.channels.Load(),
		Teardowns: c.teardowns.Load(),
		Rekeys:    c.rekeys.Load(),
		Replies:   c.replies.Load(),
		Unmatched: c.unmatched.Load(),
	}
}
