package phase

import (
	"bytes"
	"strings"
	"sync"

	"github.com/autoclaude/autoclaude/internal/logging"
)

// Stream identifies which worker output stream a chunk came from.
type Stream int

const (
	StreamStdout Stream = iota
	StreamStderr
)

// String returns the conventional stream name.
func (s Stream) String() string {
	if s == StreamStderr {
		return "stderr"
	}
	return "stdout"
}

// Intra-phase progress accounting. A phase change resets progress to a low
// starting value; subsequent lines within the phase bump it up to a cap
// below 100, signalling "still working" without claiming completion.
const (
	phaseStartProgress = 10
	lineProgressStep   = 3
	phaseProgressCap   = 90
)

// markerDef maps a fixed marker prefix to its phase. The marker set is a
// closed grammar: lines are matched by prefix only, never by free-form
// substring search.
type markerDef struct {
	prefix string
	phase  Phase
}

// Marker prefixes emitted by the worker. Longer prefixes must come before
// their shorter siblings ([QA-FIX] before [QA]).
var phaseMarkers = []markerDef{
	{"[PLAN]", PhasePlanning},
	{"[CODE]", PhaseCoding},
	{"[QA-FIX]", PhaseQAFixing},
	{"[QA]", PhaseQAReview},
	{"[DONE]", PhaseComplete},
	{"[FAILED]", PhaseFailed},
}

// subtaskMarker names the subtask the worker is currently on.
const subtaskMarker = "[SUBTASK]"

// Line is one complete line of worker output.
type Line struct {
	Stream Stream
	Text   string
}

// ProgressUpdate describes a change in inferred execution progress.
// Seq is strictly increasing for the lifetime of one parser (one spawn).
type ProgressUpdate struct {
	Phase           Phase
	PhaseProgress   int
	OverallProgress int
	Subtask         string
	Message         string
	Seq             uint64
}

// ScanResult carries everything extracted from one chunk of output.
type ScanResult struct {
	Lines   []Line
	Updates []ProgressUpdate
}

// Parser consumes raw output chunks from one worker spawn and turns
// recognized marker lines into phase transitions and progress updates.
// stdout and stderr are buffered independently so a marker split across
// two chunks of the same stream is still recognized.
//
// Parser is safe for concurrent use; the stdout and stderr pump goroutines
// may call ScanChunk concurrently.
type Parser struct {
	mu      sync.Mutex
	logger  *logging.Logger
	phase   Phase
	prog    int
	overall int // last reported overall progress, frozen on failure
	subtask string
	seq     uint64
	partial [2]bytes.Buffer // per-stream trailing partial line
}

// NewParser creates a Parser starting in the idle phase.
func NewParser(logger *logging.Logger) *Parser {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Parser{
		logger: logger,
		phase:  PhaseIdle,
	}
}

// Phase returns the current inferred phase.
func (p *Parser) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Seq returns the last emitted sequence number.
func (p *Parser) Seq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// ScanChunk buffers the chunk, splits it on line boundaries, and scans each
// complete line. The trailing partial line is retained for the next chunk
// on the same stream.
func (p *Parser) ScanChunk(stream Stream, chunk []byte) ScanResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf := &p.partial[stream]
	buf.Write(chunk)

	var result ScanResult
	for {
		data := buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(data[:idx]), "\r")
		buf.Next(idx + 1)

		result.Lines = append(result.Lines, Line{Stream: stream, Text: line})
		if update := p.scanLine(line); update != nil {
			result.Updates = append(result.Updates, *update)
		}
	}
	return result
}

// Flush drains any trailing partial line that never received a newline.
// Call once after the process exits.
func (p *Parser) Flush() ScanResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result ScanResult
	for stream := range p.partial {
		if p.partial[stream].Len() == 0 {
			continue
		}
		line := strings.TrimRight(p.partial[stream].String(), "\r")
		p.partial[stream].Reset()

		result.Lines = append(result.Lines, Line{Stream: Stream(stream), Text: line})
		if update := p.scanLine(line); update != nil {
			result.Updates = append(result.Updates, *update)
		}
	}
	return result
}

// scanLine scans one complete line for marker tokens and returns a progress
// update when the line changed the inferred state. Must be called with the
// lock held.
func (p *Parser) scanLine(line string) *ProgressUpdate {
	trimmed := strings.TrimSpace(line)

	if rest, ok := strings.CutPrefix(trimmed, subtaskMarker); ok {
		changed := p.subtask != strings.TrimSpace(rest)
		p.subtask = strings.TrimSpace(rest)
		return p.bump("", changed)
	}

	for _, m := range phaseMarkers {
		rest, ok := strings.CutPrefix(trimmed, m.prefix)
		if !ok {
			continue
		}
		msg := strings.TrimSpace(rest)

		if m.phase == p.phase {
			return p.bump(msg, msg != "")
		}
		if !AllowPhaseTransition(p.phase, m.phase) {
			p.logger.Warn("rejected phase regression",
				"from", string(p.phase),
				"to", string(m.phase),
				"line", trimmed)
			return nil
		}
		prev := p.prog
		p.phase = m.phase
		switch m.phase {
		case PhaseComplete:
			p.prog = 100
		case PhaseFailed:
			p.prog = prev // progress freezes where the failure happened
		default:
			p.prog = phaseStartProgress
		}
		return p.emit(msg)
	}

	// Unrecognized line: still-working signal within the current phase.
	if p.phase == PhaseIdle || p.phase.Terminal() {
		return nil
	}
	return p.bump("", false)
}

// bump advances intra-phase progress and emits an update if progress moved
// or the caller has something new to report (message or subtask change).
func (p *Parser) bump(msg string, force bool) *ProgressUpdate {
	if p.phase == PhaseIdle || p.phase.Terminal() {
		return nil
	}
	next := p.prog + lineProgressStep
	if next > phaseProgressCap {
		next = phaseProgressCap
	}
	if next == p.prog && !force {
		return nil // at the cap with nothing new to report
	}
	p.prog = next
	return p.emit(msg)
}

// emit allocates the next sequence number and builds the update. A failed
// phase reports the last overall value instead of claiming 100%.
func (p *Parser) emit(msg string) *ProgressUpdate {
	p.seq++
	overall := OverallProgress(p.phase, p.prog)
	if p.phase == PhaseFailed {
		overall = p.overall
	}
	p.overall = overall
	return &ProgressUpdate{
		Phase:           p.phase,
		PhaseProgress:   p.prog,
		OverallProgress: overall,
		Subtask:         p.subtask,
		Message:         msg,
		Seq:             p.seq,
	}
}
