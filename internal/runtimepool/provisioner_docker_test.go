package runtimepool

import "testing"

func TestHarnessImages_KnownHarnessesRegistered(t *testing.T) {
	for _, h := range []string{"codex", "opencode", "claude-code", "zai"} {
		if _, ok := harnessImages[h]; !ok {
			t.Errorf("expected a runtime image registered for harness %q", h)
		}
	}
}

func TestHarnessImages_UnknownHarnessAbsent(t *testing.T) {
	if _, ok := harnessImages["nonexistent-harness"]; ok {
		t.Fatal("did not expect an image for an unregistered harness")
	}
}
