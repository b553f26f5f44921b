package shane

import (
	"strings"

	"golang.org/x/text/cases"
)

// LineKind tags what the bouncer does with a line read from upstream.
type LineKind int

const (
	// LineOther is any line that is replayed to new clients and buffered
	// for offline ones.
	LineOther LineKind = iota

	// LinePing is a server keep-alive. It is answered and dropped.
	LinePing

	// LinePrivmsg is a message. It is relayed and buffered but never
	// replayed to every client.
	LinePrivmsg

	// LineWhoReply is a 352 numeric. It is relayed live only.
	LineWhoReply
)

func (k LineKind) String() string {
	switch k {
	case LinePing:
		return "ping"
	case LinePrivmsg:
		return "privmsg"
	case LineWhoReply:
		return "who-reply"
	default:
		return "other"
	}
}

// Line is a classified upstream line.
type Line struct {
	Raw  string
	Kind LineKind

	// PingArg is everything after the PING command, verbatim, so the
	// PONG echoes exactly what the server sent.
	PingArg string

	// Sender is the nick of a PRIVMSG source, without user and host.
	Sender string
	Target string
	Body   string
}

// ClassifyLine inspects a raw upstream line. Lines that do not parse are
// LineOther, since they still have to reach clients.
func ClassifyLine(raw string) Line {
	l := Line{Raw: raw}
	msg, err := ParseLine([]byte(raw))
	if err != nil {
		return l
	}

	switch {
	case msg.Command == Command_Ping:
		l.Kind = LinePing
		l.PingArg = pingArgument(raw)
	case msg.Command == Command_Privmsg:
		l.Kind = LinePrivmsg
		l.Sender, _, _ = strings.Cut(msg.Prefix, "!")
		l.Target = msg.Param(0)
		l.Body = msg.Param(1)
	case msg.RawCommand == RplWhoReply && strings.HasPrefix(raw, ":"):
		l.Kind = LineWhoReply
	}
	return l
}

// Replayable reports whether the line belongs in the shared replay log.
func (l Line) Replayable() bool {
	return l.Kind == LineOther
}

// Bufferable reports whether the line is queued for offline identities.
func (l Line) Bufferable() bool {
	return l.Kind == LineOther || l.Kind == LinePrivmsg
}

// Mentions reports whether a PRIVMSG is addressed to nick or names it in
// its text. Nicknames compare case-insensitively.
func (l Line) Mentions(nick string) bool {
	if l.Kind != LinePrivmsg || nick == "" {
		return false
	}
	needle := fold(nick)
	return strings.Contains(fold(l.Target), needle) || strings.Contains(fold(l.Body), needle)
}

// fold case-folds s for caseless matching. A Caser is not safe for
// concurrent use, so each call gets its own.
func fold(s string) string {
	return cases.Fold().String(s)
}

func pingArgument(raw string) string {
	rest := raw
	if strings.HasPrefix(rest, "@") {
		_, rest, _ = strings.Cut(rest, " ")
		rest = strings.TrimLeft(rest, " ")
	}
	if strings.HasPrefix(rest, ":") {
		_, rest, _ = strings.Cut(rest, " ")
		rest = strings.TrimLeft(rest, " ")
	}
	_, rest, _ = strings.Cut(rest, " ")
	return strings.TrimLeft(rest, " ")
}
