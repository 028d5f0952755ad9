package phase

import (
	"fmt"
	"testing"
)

func scanLines(p *Parser, lines ...string) []ProgressUpdate {
	var updates []ProgressUpdate
	for _, l := range lines {
		res := p.ScanChunk(StreamStdout, []byte(l+"\n"))
		updates = append(updates, res.Updates...)
	}
	return updates
}

func TestParser_PhaseMarkers(t *testing.T) {
	p := NewParser(nil)

	updates := scanLines(p,
		"[PLAN] analyzing the spec",
		"[CODE] writing handlers",
		"[QA] running the suite",
		"[QA-FIX] addressing failures",
		"[DONE] all checks passed",
	)

	wantPhases := []Phase{PhasePlanning, PhaseCoding, PhaseQAReview, PhaseQAFixing, PhaseComplete}
	if len(updates) != len(wantPhases) {
		t.Fatalf("got %d updates, want %d", len(updates), len(wantPhases))
	}
	for i, u := range updates {
		if u.Phase != wantPhases[i] {
			t.Errorf("update %d phase = %s, want %s", i, u.Phase, wantPhases[i])
		}
	}
	if updates[4].OverallProgress != 100 {
		t.Errorf("final overall progress = %d, want 100", updates[4].OverallProgress)
	}
	if updates[0].Message != "analyzing the spec" {
		t.Errorf("message = %q, want %q", updates[0].Message, "analyzing the spec")
	}
}

func TestParser_SeqStrictlyIncreasing(t *testing.T) {
	p := NewParser(nil)

	updates := scanLines(p,
		"[PLAN] start",
		"thinking...",
		"still thinking...",
		"[CODE] implementing",
		"edit main.go",
		"[SUBTASK] wire the parser",
		"[DONE]",
	)

	var last uint64
	for i, u := range updates {
		if u.Seq <= last {
			t.Errorf("update %d seq %d not greater than previous %d", i, u.Seq, last)
		}
		last = u.Seq
	}
}

func TestParser_MarkerSplitAcrossChunks(t *testing.T) {
	p := NewParser(nil)

	res := p.ScanChunk(StreamStdout, []byte("[CO"))
	if len(res.Updates) != 0 {
		t.Fatalf("partial line should produce no updates, got %d", len(res.Updates))
	}
	res = p.ScanChunk(StreamStdout, []byte("DE] implementing\n"))
	if len(res.Updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(res.Updates))
	}
	if res.Updates[0].Phase != PhaseCoding {
		t.Errorf("phase = %s, want %s", res.Updates[0].Phase, PhaseCoding)
	}
	if len(res.Lines) != 1 || res.Lines[0].Text != "[CODE] implementing" {
		t.Errorf("lines = %+v, want the reassembled marker line", res.Lines)
	}
}

func TestParser_StreamsBufferedIndependently(t *testing.T) {
	p := NewParser(nil)

	// Interleave partial writes on both streams; each must reassemble its
	// own line without contaminating the other.
	p.ScanChunk(StreamStdout, []byte("[PLAN] sta"))
	p.ScanChunk(StreamStderr, []byte("warning: de"))
	res1 := p.ScanChunk(StreamStdout, []byte("rt\n"))
	res2 := p.ScanChunk(StreamStderr, []byte("precated flag\n"))

	if len(res1.Lines) != 1 || res1.Lines[0].Text != "[PLAN] start" {
		t.Errorf("stdout line = %+v", res1.Lines)
	}
	if len(res2.Lines) != 1 || res2.Lines[0].Text != "warning: deprecated flag" {
		t.Errorf("stderr line = %+v", res2.Lines)
	}
	if p.Phase() != PhasePlanning {
		t.Errorf("phase = %s, want %s", p.Phase(), PhasePlanning)
	}
}

func TestParser_RegressionRejected(t *testing.T) {
	p := NewParser(nil)

	scanLines(p, "[CODE] implementing")
	updates := scanLines(p, "[PLAN] duplicate late marker")

	if len(updates) != 0 {
		t.Fatalf("regression should emit no updates, got %+v", updates)
	}
	if p.Phase() != PhaseCoding {
		t.Errorf("phase = %s after rejected regression, want %s", p.Phase(), PhaseCoding)
	}
}

func TestParser_TerminalPhaseSticks(t *testing.T) {
	p := NewParser(nil)

	scanLines(p, "[CODE] implementing", "[DONE]")
	updates := scanLines(p, "[CODE] late duplicate", "[FAILED] nonsense", "stray output")

	if len(updates) != 0 {
		t.Fatalf("terminal phase should accept no transitions, got %+v", updates)
	}
	if p.Phase() != PhaseComplete {
		t.Errorf("phase = %s, want %s", p.Phase(), PhaseComplete)
	}
}

func TestParser_FailureFreezesProgress(t *testing.T) {
	// A failed run must not report 100%; the stream freezes at the value
	// reached when the failure happened.
	p := NewParser(nil)

	coding := scanLines(p, "[CODE] implementing")
	if len(coding) != 1 {
		t.Fatalf("got %d updates, want 1", len(coding))
	}
	reached := coding[0].OverallProgress

	failed := scanLines(p, "[FAILED] compile error")
	if len(failed) != 1 {
		t.Fatalf("got %d updates, want 1", len(failed))
	}
	if failed[0].Phase != PhaseFailed {
		t.Errorf("phase = %s, want %s", failed[0].Phase, PhaseFailed)
	}
	if failed[0].OverallProgress != reached {
		t.Errorf("overall progress = %d, want frozen at %d", failed[0].OverallProgress, reached)
	}
}

func TestParser_SubtaskMarker(t *testing.T) {
	p := NewParser(nil)

	updates := scanLines(p, "[CODE] implementing", "[SUBTASK] add config loader")
	if len(updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(updates))
	}
	if updates[1].Subtask != "add config loader" {
		t.Errorf("subtask = %q, want %q", updates[1].Subtask, "add config loader")
	}
	// Subtask label persists on later updates.
	more := scanLines(p, "working...")
	if len(more) != 1 || more[0].Subtask != "add config loader" {
		t.Errorf("subtask should persist, got %+v", more)
	}
}

func TestParser_ProgressResetsOnPhaseChange(t *testing.T) {
	p := NewParser(nil)

	scanLines(p, "[PLAN] start")
	for i := 0; i < 40; i++ {
		scanLines(p, fmt.Sprintf("planning line %d", i))
	}
	updates := scanLines(p, "[CODE] implementing")
	if len(updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(updates))
	}
	if updates[0].PhaseProgress != 10 {
		t.Errorf("phase progress after transition = %d, want 10", updates[0].PhaseProgress)
	}
}

func TestParser_ProgressCapsBelow100(t *testing.T) {
	p := NewParser(nil)

	scanLines(p, "[CODE] implementing")
	var last ProgressUpdate
	for i := 0; i < 100; i++ {
		ups := scanLines(p, fmt.Sprintf("line %d", i))
		if len(ups) > 0 {
			last = ups[len(ups)-1]
		}
	}
	if last.PhaseProgress != 90 {
		t.Errorf("phase progress = %d, want cap 90", last.PhaseProgress)
	}
	if last.OverallProgress >= 70 {
		t.Errorf("overall progress = %d, should stay below the coding band end", last.OverallProgress)
	}

	// Once at the cap, plain lines emit nothing further.
	ups := scanLines(p, "another line")
	if len(ups) != 0 {
		t.Errorf("expected no updates at the cap, got %+v", ups)
	}
}

func TestParser_IdleIgnoresPlainLines(t *testing.T) {
	p := NewParser(nil)

	updates := scanLines(p, "booting...", "loading spec")
	if len(updates) != 0 {
		t.Fatalf("plain lines before any marker should emit nothing, got %+v", updates)
	}
	if p.Phase() != PhaseIdle {
		t.Errorf("phase = %s, want %s", p.Phase(), PhaseIdle)
	}
}

func TestParser_Flush(t *testing.T) {
	p := NewParser(nil)

	p.ScanChunk(StreamStdout, []byte("[DONE] finished without newline"))
	res := p.Flush()

	if len(res.Updates) != 1 || res.Updates[0].Phase != PhaseComplete {
		t.Fatalf("flush should scan the trailing partial line, got %+v", res.Updates)
	}
	if len(res.Lines) != 1 {
		t.Errorf("flush lines = %+v, want 1 line", res.Lines)
	}
}

func TestParser_CRLFLines(t *testing.T) {
	p := NewParser(nil)

	res := p.ScanChunk(StreamStdout, []byte("[CODE] implementing\r\n"))
	if len(res.Lines) != 1 || res.Lines[0].Text != "[CODE] implementing" {
		t.Errorf("CR should be stripped, got %+v", res.Lines)
	}
}

func TestParser_QAFixPrefixNotShadowedByQA(t *testing.T) {
	p := NewParser(nil)

	scanLines(p, "[QA] reviewing")
	updates := scanLines(p, "[QA-FIX] fixing test failures")
	if len(updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(updates))
	}
	if updates[0].Phase != PhaseQAFixing {
		t.Errorf("phase = %s, want %s", updates[0].Phase, PhaseQAFixing)
	}
}
