// Package matchmaking implements the waiting pool and the first-fit pairing
// rule for human conversations.
package matchmaking

import (
	"container/list"
	"time"
)

// WaitingEntry is one participant waiting for a partner.
type WaitingEntry struct {
	ParticipantID string
	Tags          TagSet
	EnqueuedAt    time.Time
}

// Match is the outcome of a successful pairing. The participant who waited
// proposes the connection; the requester answers it.
type Match struct {
	Initiator string
	Responder string
	Waited    time.Duration
}

// Pool is the waiting room: an ordered map keyed by participant id that
// preserves enqueue order.
//
// Pool is not safe for concurrent use. It is owned by a single goroutine
// (the relay loop), which makes match-then-remove atomic.
type Pool struct {
	order *list.List               // *WaitingEntry, oldest at the front
	index map[string]*list.Element // participantID → element in order
	now   func() time.Time
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{
		order: list.New(),
		index: make(map[string]*list.Element),
		now:   time.Now,
	}
}

// Request pairs id with the oldest compatible waiting participant. Any
// previous entry for id is discarded first, so retries never duplicate it.
// When nothing is compatible, id is enqueued and ok is false.
func (p *Pool) Request(id string, tags TagSet) (m Match, ok bool) {
	p.Withdraw(id)

	for el := p.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*WaitingEntry)
		if !Compatible(entry.Tags, tags) {
			continue
		}

		p.remove(el)
		return Match{
			Initiator: entry.ParticipantID,
			Responder: id,
			Waited:    p.now().Sub(entry.EnqueuedAt),
		}, true
	}

	p.index[id] = p.order.PushBack(&WaitingEntry{
		ParticipantID: id,
		Tags:          tags,
		EnqueuedAt:    p.now(),
	})
	return Match{}, false
}

// Withdraw removes id's entry, if any, and reports whether one existed.
func (p *Pool) Withdraw(id string) bool {
	el, ok := p.index[id]
	if !ok {
		return false
	}
	p.remove(el)
	return true
}

// Contains reports whether id is waiting.
func (p *Pool) Contains(id string) bool {
	_, ok := p.index[id]
	return ok
}

// Len returns the number of waiting participants.
func (p *Pool) Len() int {
	return p.order.Len()
}

// Entries returns a copy of the waiting entries, oldest first.
func (p *Pool) Entries() []WaitingEntry {
	entries := make([]WaitingEntry, 0, p.order.Len())
	for el := p.order.Front(); el != nil; el = el.Next() {
		entries = append(entries, *el.Value.(*WaitingEntry))
	}
	return entries
}

func (p *Pool) remove(el *list.Element) {
	entry := p.order.Remove(el).(*WaitingEntry)
	delete(p.index, entry.ParticipantID)
}
