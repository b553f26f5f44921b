package shane

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"iter"
	"strings"
)

type Command int

const (
	Command_Unknown Command = iota
	Command_Pass
	Command_Nick
	Command_User
	Command_Quit
	Command_Join
	Command_Part
	Command_Privmsg
	Command_Notice
	Command_Who
	Command_Ping
	Command_Pong
	Command_Cap
)

// RplWhoReply is the numeric of a single WHO reply line.
const RplWhoReply = "352"

// maxLineLength bounds a single line including IRCv3 message tags.
const maxLineLength = 8191 + 512

var (
	ErrLineTooLong      = errors.New("line too long")
	ErrPrefixOnlyLine   = errors.New("line only contains prefix")
	ErrEmptyCommand     = errors.New("line does not contain command")
	ErrMalformedCommand = errors.New("line contains a malformed command")
)

// Message is a parsed IRC line. Only the pieces the bouncer inspects are
// kept; the raw line is always what gets relayed.
type Message struct {
	// Prefix is the optional message prefix. The colon prefix is not
	// included in this string.
	Prefix string

	// RawCommand is the command as it appeared on the wire.
	RawCommand string

	// Command is the parsed command, or Command_Unknown for numerics
	// and anything the bouncer does not care about.
	Command

	// Parameters contains all command parameters, including the
	// trailing parameter as the last element of the slice.
	Parameters []string
}

// Param returns the i-th parameter or the empty string.
func (m *Message) Param(i int) string {
	if i < 0 || i >= len(m.Parameters) {
		return ""
	}
	return m.Parameters[i]
}

// NewLineIterator iterates a raw IRC stream and returns each line with
// its delimiter removed. Empty lines are skipped. The sequence ends with
// a single non-nil error when the stream fails; a clean EOF yields
// io.EOF so callers can tell a closed peer from a running stream. A line
// longer than maxLineLength ends the stream with ErrLineTooLong.
func NewLineIterator(r io.Reader) iter.Seq2[string, error] {
	return scanLines(r, splitLine)
}

// NewSkippingLineIterator is NewLineIterator for peers the caller cannot
// reject: a line longer than maxLineLength is discarded up to its
// delimiter and reading carries on. skipped, if not nil, is called with
// the number of bytes dropped for each such line.
func NewSkippingLineIterator(r io.Reader, skipped func(n int)) iter.Seq2[string, error] {
	ls := &longLineSkipper{skipped: skipped}
	return scanLines(r, ls.split)
}

func scanLines(r io.Reader, split bufio.SplitFunc) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		s := bufio.NewScanner(r)
		s.Buffer(make([]byte, 4096), maxLineLength)
		s.Split(split)

		for s.Scan() {
			buf := s.Bytes()
			if len(buf) == 0 {
				continue
			}
			if ok := yield(string(buf), nil); !ok {
				return
			}
		}
		err := s.Err()
		switch {
		case errors.Is(err, bufio.ErrTooLong):
			err = ErrLineTooLong
		case err == nil:
			err = io.EOF
		}
		yield("", err)
	}
}

// ParseLine parses a single IRC line. The line delimiter must have been
// removed.
func ParseLine(line []byte) (*Message, error) {
	var (
		prefix      string
		inPrefix    bool
		startPrefix int

		command      string
		inCommand    bool
		startCommand int

		args []string

		inStandardArg bool
		inTrailingArg bool
		startArg      int
	)

	// IRCv3 tags are not interpreted; skip past them.
	if len(line) > 0 && line[0] == '@' {
		i := bytes.IndexByte(line, ' ')
		if i < 0 {
			return nil, ErrEmptyCommand
		}
		line = bytes.TrimLeft(line[i:], " ")
	}

ForEachByte:
	for i, b := range line {
		switch {
		case i == 0 && b == ':':
			inPrefix = true
			startPrefix = i + 1
		case i == 0:
			inCommand = true
			startCommand = 0
		case inPrefix && b == ' ':
			inPrefix = false
			inCommand = true
			startCommand = i + 1
			prefix = string(line[startPrefix:i])
		case inPrefix:
		case inCommand && b == ' ':
			inCommand = false
			command = string(line[startCommand:i])
		case inCommand:
		case inStandardArg && b == ' ':
			inStandardArg = false
			args = append(args, string(line[startArg:i]))
		case inStandardArg:
		case b == ' ':
		case b == ':':
			inTrailingArg = true
			startArg = i + 1
			break ForEachByte
		default:
			inStandardArg = true
			startArg = i
		}
	}

	switch {
	case inPrefix:
		return nil, ErrPrefixOnlyLine
	case inCommand && startCommand < len(line):
		command = string(line[startCommand:])
	case inCommand, command == "":
		return nil, ErrEmptyCommand
	case inStandardArg:
		args = append(args, string(line[startArg:]))
	case inTrailingArg && startArg < len(line):
		args = append(args, string(line[startArg:]))
	case inTrailingArg:
		args = append(args, "")
	}

	if strings.ContainsAny(command, ":\x00") {
		return nil, ErrMalformedCommand
	}

	return &Message{
		Prefix:     prefix,
		RawCommand: command,
		Command:    lookupCommand(command),
		Parameters: args,
	}, nil
}

func lookupCommand(raw string) Command {
	switch strings.ToLower(raw) {
	case "pass":
		return Command_Pass
	case "nick":
		return Command_Nick
	case "user":
		return Command_User
	case "quit":
		return Command_Quit
	case "join":
		return Command_Join
	case "part":
		return Command_Part
	case "privmsg":
		return Command_Privmsg
	case "notice":
		return Command_Notice
	case "who":
		return Command_Who
	case "ping":
		return Command_Ping
	case "pong":
		return Command_Pong
	case "cap":
		return Command_Cap
	}
	return Command_Unknown
}

// splitLine splits on LF and drops a CR right before it. Some networks
// and most hand-typed clients only send LF.
func splitLine(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, bytes.TrimSuffix(data[0:i], []byte{'\r'}), nil
	}

	if atEOF {
		return len(data), bytes.TrimSuffix(data, []byte{'\r'}), nil
	}

	return 0, nil, nil
}

// longLineSkipper wraps splitLine. Once the scanner buffer is full
// without a delimiter it consumes bytes until the next LF and emits
// nothing for them.
type longLineSkipper struct {
	skipping bool
	dropped  int
	skipped  func(n int)
}

func (ls *longLineSkipper) split(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		if ls.skipping {
			ls.done()
		}
		return 0, nil, nil
	}

	if ls.skipping {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			ls.dropped += len(data)
			return len(data), nil, nil
		}
		ls.dropped += i
		ls.done()
		return i + 1, nil, nil
	}

	advance, token, err := splitLine(data, atEOF)
	if advance == 0 && token == nil && err == nil && len(data) >= maxLineLength {
		ls.skipping = true
		ls.dropped = len(data)
		return len(data), nil, nil
	}
	return advance, token, err
}

func (ls *longLineSkipper) done() {
	if ls.skipped != nil {
		ls.skipped(ls.dropped)
	}
	ls.skipping = false
	ls.dropped = 0
}
