// Package streamparser turns Agent CLI stdout into an ordered sequence of
// JSON records. The CLI is supposed to emit one JSON object per line, but
// interleaved writes and crashes produce glued and truncated lines, so lines
// that fail a strict parse go through balanced-object extraction before being
// discarded.
package streamparser

import (
	"bytes"
	"encoding/json"

	"go.uber.org/zap"

	apperrors "github.com/agentgate/agentgate/internal/common/errors"
	"github.com/agentgate/agentgate/internal/common/logger"
)

// Result holds the parsed records of one complete stream.
// Partial is set when any input had to be salvaged or discarded.
type Result struct {
	Records []json.RawMessage
	Partial bool
}

// Parser accumulates stdout chunks and splits them into records.
// It is not safe for concurrent use; the supervisor feeds it from a single
// goroutine.
type Parser struct {
	buf     bytes.Buffer
	records []json.RawMessage
	partial bool
	log     *logger.Logger
}

// New creates a Parser.
func New(log *logger.Logger) *Parser {
	if log == nil {
		log = logger.Default()
	}
	return &Parser{log: log.WithFields(zap.String("component", "streamparser"))}
}

// Write appends a raw stdout chunk to the line buffer and consumes every
// complete line in it. Chunks may split records, and even UTF-8 sequences,
// at arbitrary byte boundaries.
func (p *Parser) Write(chunk []byte) {
	p.buf.Write(chunk)
	for {
		line, err := p.buf.ReadBytes('\n')
		if err != nil {
			// Incomplete line stays buffered until the next chunk or Finish.
			p.buf.Write(line)
			return
		}
		p.consumeLine(bytes.TrimSpace(line))
	}
}

// Finish declares the stream complete and returns everything parsed.
// A leftover partial line gets one last extraction attempt. A stream that
// yields zero records fails with TRUNCATED_OUTPUT.
func (p *Parser) Finish() (*Result, error) {
	if rest := bytes.TrimSpace(p.buf.Bytes()); len(rest) > 0 {
		before := len(p.records)
		p.consumeLine(rest)
		if len(p.records) == before {
			p.partial = true
			p.log.Warn("discarding trailing partial line", zap.Int("bytes", len(rest)))
		}
	}
	p.buf.Reset()

	if len(p.records) == 0 {
		return nil, apperrors.TruncatedOutput("agent output contained no parseable records")
	}
	return &Result{Records: p.records, Partial: p.partial}, nil
}

// Parse handles the one-shot case: a fully reassembled stdout blob.
func Parse(blob []byte, log *logger.Logger) (*Result, error) {
	p := New(log)
	p.Write(blob)
	return p.Finish()
}

func (p *Parser) consumeLine(line []byte) {
	if len(line) == 0 {
		return
	}

	if json.Valid(line) {
		p.records = append(p.records, append(json.RawMessage(nil), line...))
		return
	}

	salvaged := extractObjects(line)
	if len(salvaged) == 0 {
		p.partial = true
		p.log.Warn("discarding unparseable line", zap.Int("bytes", len(line)))
		return
	}

	// Something was recovered but the line as a whole was malformed.
	p.partial = true
	p.log.Warn("salvaged objects from malformed line",
		zap.Int("objects", len(salvaged)),
		zap.Int("bytes", len(line)))
	p.records = append(p.records, salvaged...)
}

// extractObjects scans a malformed line and returns every substring that
// forms a complete JSON object at depth zero. The scan tracks string state,
// honoring backslash escapes, so braces inside string values do not count.
func extractObjects(line []byte) []json.RawMessage {
	var (
		objects  []json.RawMessage
		depth    int
		start    = -1
		inString bool
		escaped  bool
	)

	for i, c := range line {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '[':
			if depth > 0 {
				depth++
			}
		case ']':
			if depth > 0 {
				depth--
			}
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					candidate := line[start : i+1]
					if json.Valid(candidate) {
						objects = append(objects, append(json.RawMessage(nil), candidate...))
					}
					start = -1
				}
			}
		}
	}

	return objects
}
