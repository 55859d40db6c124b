package extmap

import "testing"

func TestFlagPredicates(t *testing.T) {
	f := Flags(FlagUnwritten | FlagLast)
	if !f.Unwritten() {
		t.Error("expected Unwritten to be true")
	}
	if !f.Last() {
		t.Error("expected Last to be true")
	}
	if f.Unknown() {
		t.Error("expected Unknown to be false")
	}
	if f.Delalloc() {
		t.Error("expected Delalloc to be false")
	}

	f = Flags(FlagDelalloc | FlagUnknown)
	if !f.Delalloc() || !f.Unknown() {
		t.Error("expected Delalloc and Unknown to be true")
	}
	if f.Unwritten() {
		t.Error("expected Unwritten to be false")
	}
}

func TestFlagString(t *testing.T) {
	tests := []struct {
		flags Flags
		want  string
	}{
		{0, "-"},
		{FlagLast, "last"},
		{FlagUnwritten, "unwritten"},
		{FlagLast | FlagUnwritten, "last|unwritten"},
		{FlagUnknown | FlagDelalloc, "unknown|delalloc"},
		{FlagShared, "shared"},
	}

	for _, tt := range tests {
		if got := tt.flags.String(); got != tt.want {
			t.Errorf("Flags(%#x).String() = %q, want %q", uint32(tt.flags), got, tt.want)
		}
	}
}

func TestExtentEnd(t *testing.T) {
	e := Extent{Logical: 4096, Physical: 8192, Length: 1024}
	if e.End() != 5120 {
		t.Errorf("expected End 5120, got %d", e.End())
	}
}
