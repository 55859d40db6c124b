package blkread

import (
	"testing"

	"github.com/blkread/blkread/pkg/extmap"
)

func TestNewState(t *testing.T) {
	extents := []extmap.Extent{{Logical: 0, Physical: 1000, Length: 4096}}
	state := newState("/dev/sda", extents, 4096)

	if state.BlockDevicePath != "/dev/sda" {
		t.Errorf("expected /dev/sda, got %q", state.BlockDevicePath)
	}
	if len(state.Extents) != 1 {
		t.Errorf("expected 1 extent, got %d", len(state.Extents))
	}
	if state.BytesRead != 4096 {
		t.Errorf("expected 4096 bytes, got %d", state.BytesRead)
	}
	if state.UsedFallback {
		t.Error("expected UsedFallback false")
	}
}

func TestFallbackState(t *testing.T) {
	state := fallbackState(1024)

	if !state.UsedFallback {
		t.Error("expected UsedFallback true")
	}
	if state.BlockDevicePath != "" {
		t.Errorf("expected empty device path, got %q", state.BlockDevicePath)
	}
	if len(state.Extents) != 0 {
		t.Errorf("expected no extents, got %d", len(state.Extents))
	}
	if state.BytesRead != 1024 {
		t.Errorf("expected 1024 bytes, got %d", state.BytesRead)
	}
}
