package shane

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBacklogReplay(t *testing.T) {
	b := NewBacklog()
	b.AppendReplay(":srv 001 me :Welcome")
	b.AppendReplay(":me JOIN #go")
	assert.Equal(t, 2, b.ReplayLen())

	replay := b.Replay()
	assert.Equal(t, []string{":srv 001 me :Welcome", ":me JOIN #go"}, replay)

	// The returned slice is a copy.
	replay[0] = "changed"
	assert.Equal(t, ":srv 001 me :Welcome", b.Replay()[0])

	b.ClearReplay()
	assert.Empty(t, b.Replay())
	assert.Zero(t, b.ReplayLen())
}

func TestBacklogQueues(t *testing.T) {
	b := NewBacklog()

	// Nothing is kept for nicknames that never authenticated.
	b.Buffer("lost", nil)
	assert.False(t, b.Known("alice"))

	lines, ok := b.Take("alice")
	assert.False(t, ok)
	assert.Empty(t, lines)
	assert.True(t, b.Known("alice"))

	b.Buffer("one", nil)
	b.Buffer("two", map[string]struct{}{"bob": {}})
	b.Buffer("three", map[string]struct{}{"alice": {}})
	assert.Equal(t, []string{"one", "two"}, b.Pending("alice"))
	assert.Equal(t, map[string]int{"alice": 2}, b.QueueSizes())

	lines, ok = b.Take("alice")
	assert.True(t, ok)
	assert.Equal(t, []string{"one", "two"}, lines)
	assert.Empty(t, b.Pending("alice"))
	assert.True(t, b.Known("alice"))
}

func TestBacklogQueuesAreIndependent(t *testing.T) {
	b := NewBacklog()
	b.Take("alice")
	b.Take("bob")

	b.Buffer("for both", nil)
	b.Buffer("for bob", map[string]struct{}{"alice": {}})

	assert.Equal(t, []string{"for both"}, b.Pending("alice"))
	assert.Equal(t, []string{"for both", "for bob"}, b.Pending("bob"))
}
