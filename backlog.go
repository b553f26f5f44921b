package shane

import (
	"slices"
	"sync"
)

// Backlog holds what a client missed. The replay log is shared by every
// client of a network and holds the server state lines since the last
// upstream (re)connect. Queues are per nickname and hold everything that
// arrived while no client with that nickname was attached.
type Backlog struct {
	lock   sync.Mutex
	replay []string
	queues map[string][]string
}

func NewBacklog() *Backlog {
	return &Backlog{
		queues: make(map[string][]string),
	}
}

// AppendReplay adds a line to the shared replay log.
func (b *Backlog) AppendReplay(line string) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.replay = append(b.replay, line)
}

// ClearReplay discards the replay log. Called when upstream reconnects,
// since the old server state no longer applies.
func (b *Backlog) ClearReplay() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.replay = nil
}

// Replay returns a copy of the replay log in arrival order.
func (b *Backlog) Replay() []string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return slices.Clone(b.replay)
}

// ReplayLen is the number of lines in the replay log.
func (b *Backlog) ReplayLen() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.replay)
}

// Take returns and clears the queue for nick. If nick has never been
// seen, an empty queue is created so that future lines are kept for it,
// and ok is false.
func (b *Backlog) Take(nick string) (lines []string, ok bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	lines, ok = b.queues[nick]
	b.queues[nick] = nil
	return lines, ok
}

// Buffer appends line to the queue of every known nick not in online.
func (b *Backlog) Buffer(line string, online map[string]struct{}) {
	b.lock.Lock()
	defer b.lock.Unlock()
	for nick, q := range b.queues {
		if _, ok := online[nick]; ok {
			continue
		}
		b.queues[nick] = append(q, line)
	}
}

// Pending returns a copy of the queue for nick without clearing it.
func (b *Backlog) Pending(nick string) []string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return slices.Clone(b.queues[nick])
}

// Known reports whether nick has authenticated at least once.
func (b *Backlog) Known(nick string) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	_, ok := b.queues[nick]
	return ok
}

// QueueSizes returns the number of lines waiting for each known nick.
func (b *Backlog) QueueSizes() map[string]int {
	b.lock.Lock()
	defer b.lock.Unlock()
	sizes := make(map[string]int, len(b.queues))
	for nick, q := range b.queues {
		sizes[nick] = len(q)
	}
	return sizes
}
