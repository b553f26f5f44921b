package shane

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		prefix string
		raw    string
		cmd    Command
		params []string
	}{
		{"bare command", "QUIT", "", "QUIT", Command_Quit, nil},
		{"standard arg", "NICK alice", "", "NICK", Command_Nick, []string{"alice"}},
		{"trailing arg", "PING :irc.example.net", "", "PING", Command_Ping, []string{"irc.example.net"}},
		{"empty trailing", "PRIVMSG bob :", "", "PRIVMSG", Command_Privmsg, []string{"bob", ""}},
		{
			"prefix and trailing", ":carol!c@host PRIVMSG #go :hello there", "carol!c@host", "PRIVMSG", Command_Privmsg,
			[]string{"#go", "hello there"},
		},
		{"numeric", ":srv 001 alice :Welcome", "srv", "001", Command_Unknown, []string{"alice", "Welcome"}},
		{"lower case", "privmsg bob :hi", "", "privmsg", Command_Privmsg, []string{"bob", "hi"}},
		{"tags", "@time=2020-01-01T00:00:00Z :srv NOTICE * :hi", "srv", "NOTICE", Command_Notice, []string{"*", "hi"}},
		{"trailing space", "JOIN #a ", "", "JOIN", Command_Join, []string{"#a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseLine([]byte(tt.line))
			require.NoError(t, err)
			assert.Equal(t, tt.prefix, m.Prefix)
			assert.Equal(t, tt.raw, m.RawCommand)
			assert.Equal(t, tt.cmd, m.Command)
			assert.Equal(t, tt.params, m.Parameters)
		})
	}
}

func TestParseLineErrors(t *testing.T) {
	tests := []struct {
		line string
		err  error
	}{
		{"", ErrEmptyCommand},
		{":srv", ErrPrefixOnlyLine},
		{":srv ", ErrEmptyCommand},
		{"@tags-only", ErrEmptyCommand},
		{"NI:CK alice", ErrMalformedCommand},
	}
	for _, tt := range tests {
		_, err := ParseLine([]byte(tt.line))
		assert.ErrorIs(t, err, tt.err, "line %q", tt.line)
	}
}

func TestMessageParam(t *testing.T) {
	m := &Message{Parameters: []string{"a", "b"}}
	assert.Equal(t, "a", m.Param(0))
	assert.Equal(t, "b", m.Param(1))
	assert.Equal(t, "", m.Param(2))
	assert.Equal(t, "", m.Param(-1))
}

func collectLines(r io.Reader) ([]string, error) {
	var lines []string
	for line, err := range NewLineIterator(r) {
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func TestLineIterator(t *testing.T) {
	lines, err := collectLines(strings.NewReader("NICK a\r\n\r\nUSER a 8 * :a\nPING x"))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"NICK a", "USER a 8 * :a", "PING x"}, lines)
}

func TestLineIteratorTooLong(t *testing.T) {
	long := strings.Repeat("a", maxLineLength+10)
	lines, err := collectLines(strings.NewReader("PING ok\r\n" + long + "\r\n"))
	assert.ErrorIs(t, err, ErrLineTooLong)
	assert.Equal(t, []string{"PING ok"}, lines)
}

func TestSkippingLineIterator(t *testing.T) {
	long := strings.Repeat("a", 10000)
	tail := strings.Repeat("b", 2*maxLineLength)
	in := "PING ok\r\n" + long + "\r\nPING after\r\n" + tail

	var skipped []int
	var lines []string
	var last error
	for line, err := range NewSkippingLineIterator(strings.NewReader(in), func(n int) {
		skipped = append(skipped, n)
	}) {
		if err != nil {
			last = err
			break
		}
		lines = append(lines, line)
	}
	assert.ErrorIs(t, last, io.EOF)
	assert.Equal(t, []string{"PING ok", "PING after"}, lines)
	// The first count includes the CR before the delimiter.
	assert.Equal(t, []int{len(long) + 1, len(tail)}, skipped)
}

func TestSkippingLineIteratorExactLimit(t *testing.T) {
	fits := strings.Repeat("c", maxLineLength-1)
	var lines []string
	for line, err := range NewSkippingLineIterator(strings.NewReader(fits+"\n"), nil) {
		if err != nil {
			assert.ErrorIs(t, err, io.EOF)
			break
		}
		lines = append(lines, line)
	}
	assert.Equal(t, []string{fits}, lines)
}

func TestLineIteratorStop(t *testing.T) {
	var got []string
	for line, err := range NewLineIterator(strings.NewReader("a\nb\nc\n")) {
		require.NoError(t, err)
		got = append(got, line)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, got)
}
