package loghub

import (
	"regexp"
	"strings"
)

var (
	ansiEscape   = regexp.MustCompile(`\x1b(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)
	controlChars = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
)

// maxLine bounds a buffered partial line; longer output is split.
const maxLine = 64 * 1024

// Sanitize strips terminal escape sequences and control characters.
func Sanitize(line string) string {
	if line == "" {
		return ""
	}
	line = ansiEscape.ReplaceAllString(line, "")
	line = controlChars.ReplaceAllString(line, "")
	return line
}

// LineSplitter turns a byte stream into lines. \n, \r\n and a lone \r all end a line.
type LineSplitter struct {
	buf     strings.Builder
	pending bool // previous chunk ended with \r
}

// Write consumes a chunk and returns the lines it completed.
func (l *LineSplitter) Write(p []byte) []string {
	var lines []string
	for _, b := range p {
		if l.pending {
			l.pending = false
			if b == '\n' {
				continue
			}
		}
		switch b {
		case '\n':
			lines = append(lines, l.take())
		case '\r':
			lines = append(lines, l.take())
			l.pending = true
		default:
			l.buf.WriteByte(b)
			if l.buf.Len() >= maxLine {
				lines = append(lines, l.take())
			}
		}
	}
	return lines
}

// Flush returns the trailing partial line, if any.
func (l *LineSplitter) Flush() (string, bool) {
	l.pending = false
	if l.buf.Len() == 0 {
		return "", false
	}
	return l.take(), true
}

func (l *LineSplitter) take() string {
	s := l.buf.String()
	l.buf.Reset()
	return s
}

// Feeder splits raw output per stream and publishes sanitized lines to a hub.
type Feeder struct {
	hub       *Hub
	splitters map[string]*LineSplitter
	// Intercept sees every line before it is published; returning true swallows it.
	Intercept func(stream, line string) bool
}

// NewFeeder creates a feeder for h.
func NewFeeder(h *Hub) *Feeder {
	return &Feeder{hub: h, splitters: make(map[string]*LineSplitter)}
}

// Feed consumes a chunk from stream.
func (f *Feeder) Feed(stream string, data []byte) {
	sp, ok := f.splitters[stream]
	if !ok {
		sp = &LineSplitter{}
		f.splitters[stream] = sp
	}
	for _, line := range sp.Write(data) {
		f.emit(stream, line)
	}
}

// Flush publishes any trailing partial lines.
func (f *Feeder) Flush() {
	for stream, sp := range f.splitters {
		if line, ok := sp.Flush(); ok {
			f.emit(stream, line)
		}
	}
}

func (f *Feeder) emit(stream, line string) {
	line = Sanitize(line)
	if f.Intercept != nil && f.Intercept(stream, line) {
		return
	}
	f.hub.Publish(stream, line)
}
