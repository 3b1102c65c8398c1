package agent

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"

	"github.com/sevir/cowork/pkg/models"
)

// DefaultParserMaxBytes is the default ceiling for a single pending line.
const DefaultParserMaxBytes = 10 * 1024 * 1024

const parseErrorExcerpt = 200

// StreamParser reassembles newline-delimited JSON records from raw terminal
// output. Feed may be called with arbitrary fragments; the events produced
// do not depend on how the input was split.
type StreamParser struct {
	mu         sync.Mutex
	buf        []byte
	discarding bool
	maxBytes   int

	onEvent      func(models.Event)
	onParseError func(error)
}

type parsedItem struct {
	line string
	err  error
}

// NewStreamParser creates a parser. Either callback may be nil.
func NewStreamParser(maxBytes int, onEvent func(models.Event), onParseError func(error)) *StreamParser {
	if maxBytes <= 0 {
		maxBytes = DefaultParserMaxBytes
	}
	if onEvent == nil {
		onEvent = func(models.Event) {}
	}
	if onParseError == nil {
		onParseError = func(error) {}
	}
	return &StreamParser{
		maxBytes:     maxBytes,
		onEvent:      onEvent,
		onParseError: onParseError,
	}
}

// Feed appends a chunk of raw output and emits the events of every line it completes.
func (p *StreamParser) Feed(chunk []byte) {
	p.mu.Lock()
	items := p.split(chunk)
	p.mu.Unlock()

	// Callbacks run unlocked so a handler may Reset the parser.
	p.emit(items)
}

// Flush treats any pending partial line as complete.
func (p *StreamParser) Flush() {
	p.mu.Lock()
	var items []parsedItem
	if len(p.buf) > 0 && !p.discarding {
		items = append(items, parsedItem{line: string(p.buf)})
	}
	p.buf = nil
	p.discarding = false
	p.mu.Unlock()

	p.emit(items)
}

// Reset clears all buffered state.
func (p *StreamParser) Reset() {
	p.mu.Lock()
	p.buf = nil
	p.discarding = false
	p.mu.Unlock()
}

// Buffered returns the number of pending bytes.
func (p *StreamParser) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// split consumes chunk and returns the completed lines and overflow errors in order.
// An overlong line raises one error and is dropped through its newline.
func (p *StreamParser) split(chunk []byte) []parsedItem {
	var items []parsedItem
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')

		if p.discarding {
			if i < 0 {
				return items
			}
			p.discarding = false
			chunk = chunk[i+1:]
			continue
		}

		if i < 0 {
			if len(p.buf)+len(chunk) > p.maxBytes {
				items = append(items, parsedItem{err: p.overflow()})
				p.discarding = true
				return items
			}
			p.buf = append(p.buf, chunk...)
			return items
		}

		if len(p.buf)+i > p.maxBytes {
			items = append(items, parsedItem{err: p.overflow()})
		} else {
			line := make([]byte, 0, len(p.buf)+i)
			line = append(line, p.buf...)
			line = append(line, chunk[:i]...)
			items = append(items, parsedItem{line: string(line)})
		}
		p.buf = p.buf[:0]
		chunk = chunk[i+1:]
	}
	return items
}

func (p *StreamParser) overflow() error {
	p.buf = nil
	return &ParseError{Err: fmt.Errorf("%w: line exceeds %d bytes", ErrBufferOverflow, p.maxBytes)}
}

func (p *StreamParser) emit(items []parsedItem) {
	for _, it := range items {
		if it.err != nil {
			p.onParseError(it.err)
			continue
		}
		p.parseLine(it.line)
	}
}

func (p *StreamParser) parseLine(raw string) {
	line := cleanLine(raw)
	if line == "" {
		return
	}

	ev, ok, err := decodeRecord([]byte(line))
	if err != nil {
		p.onParseError(&ParseError{Line: excerpt(line, parseErrorExcerpt), Err: err})
		return
	}
	if ok {
		p.onEvent(ev)
	}
}

// cleanLine removes terminal decoration from one line.
func cleanLine(s string) string {
	s = ansi.Strip(s)
	s = strings.ReplaceAll(s, "\r", "")
	return strings.TrimSpace(s)
}

func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// errNotObject is reported for lines that are not JSON objects.
var errNotObject = errors.New("not a JSON object")
