package ui

import (
	"strings"
	"testing"
)

func TestRenderStatus_Plain(t *testing.T) {
	DisableColor()
	if IsColorEnabled() {
		t.Fatal("IsColorEnabled() = true after DisableColor()")
	}

	for _, status := range []string{"SUCCESS", "PARTIAL", "ERROR", "RUNNING"} {
		if got := RenderStatus(status); got != status {
			t.Errorf("RenderStatus(%q) = %q, want plain text", status, got)
		}
	}
}

func TestKeyValue(t *testing.T) {
	DisableColor()

	got := KeyValue("leads", "42")
	if !strings.HasPrefix(got, "leads:") || !strings.HasSuffix(got, "42") {
		t.Errorf("KeyValue() = %q", got)
	}
	if len(got) != 18+len("42") {
		t.Errorf("KeyValue() width = %d, want %d", len(got), 18+2)
	}
}
