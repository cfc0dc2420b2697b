package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/blocktools/massblock/internal/types"
)

func TestHeaderPrintsTitleAndSeparator(t *testing.T) {
	var out bytes.Buffer
	p := &Printer{Out: &out}

	p.Header("Block history")

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want title + separator", len(lines))
	}
	if !strings.Contains(lines[0], "Block history") {
		t.Errorf("first line = %q, want the title", lines[0])
	}
	if !strings.Contains(lines[1], "─") {
		t.Errorf("second line = %q, want the separator rule", lines[1])
	}
}

func TestPrinterNilSafe(t *testing.T) {
	var p *Printer
	p.Header("x")
	p.TargetBlocked("@a")
	p.TargetFailed("@a", types.KindServerError, "boom")
	p.Infof("ok")
	p.Debugf("quiet")
}

func TestTargetOutcomesRouteToOut(t *testing.T) {
	var out, errOut bytes.Buffer
	p := &Printer{Out: &out, Err: &errOut}

	p.TargetBlocked("@alice")
	p.TargetSkipped("@bob", "already_blocked")
	p.Warnf("slow responses")

	if got := out.String(); !strings.Contains(got, "@alice") || !strings.Contains(got, "@bob") {
		t.Errorf("stdout = %q, want both target lines", got)
	}
	if got := errOut.String(); !strings.Contains(got, "slow responses") {
		t.Errorf("stderr = %q, want the warning", got)
	}
}
