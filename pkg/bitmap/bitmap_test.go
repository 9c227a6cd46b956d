package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSetAndHas(t *testing.T) {
	var b Bitmap
	for _, i := range []int{0, 31, 32, 1000, Width - 1} {
		b.Set(i)
		if !b.Has(i) {
			t.Errorf("bit %d not set", i)
		}
	}
	b.Set(-1)
	b.Set(Width)
	if got := b.Count(); got != 5 {
		t.Errorf("Count() = %d, want 5", got)
	}
	if diff := cmp.Diff([]int{0, 31, 32, 1000, Width - 1}, b.Bits()); diff != "" {
		t.Errorf("Bits() mismatch (-want +got):\n%s", diff)
	}
}

func TestSingle(t *testing.T) {
	b := Single(33)
	if b[1] != 2 {
		t.Fatalf("Single(33) word 1 = %#x, want 0x2", b[1])
	}
	if b.First() != 33 {
		t.Errorf("First() = %d, want 33", b.First())
	}
	if !Single(Width).IsEmpty() {
		t.Error("Single(Width) should be empty")
	}
}

func TestSetOps(t *testing.T) {
	a := Single(1)
	a.Set(2)
	b := Single(2)
	b.Set(3)

	and := a
	and.And(b)
	if want := Single(2); !and.Equal(want) {
		t.Errorf("And = %v, want %v", and, want)
	}

	or := a
	or.Or(b)
	if got := or.String(); got != "{1-3}" {
		t.Errorf("Or = %s, want {1-3}", got)
	}

	andNot := a
	andNot.AndNot(b)
	if want := Single(1); andNot != want {
		t.Errorf("AndNot = %v, want %v", andNot, want)
	}

	full := Full()
	if full.Count() != Width {
		t.Errorf("Full().Count() = %d", full.Count())
	}
	if !full.Not().IsEmpty() {
		t.Error("Full().Not() should be empty")
	}
}

func TestHash(t *testing.T) {
	if h := (Bitmap{}).Hash(); h != 0 {
		t.Errorf("empty hash = %d, want 0", h)
	}
	a := Single(40)
	b := Single(40)
	if a.Hash() != b.Hash() {
		t.Error("equal bitmaps hash differently")
	}
	// Only the first non-zero word contributes.
	c := Single(40)
	c.Set(500)
	if c.Hash() != a.Hash() {
		t.Error("hash should depend on the first non-zero word only")
	}
	if want := uint64(wangMix(1<<8)) << 1; a.Hash() != want {
		t.Errorf("Hash() = %d, want %d", a.Hash(), want)
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		bits []int
		want string
	}{
		{nil, "{}"},
		{[]int{5}, "{5}"},
		{[]int{0, 3, 4, 5, 17}, "{0,3-5,17}"},
	}
	for _, tt := range tests {
		var b Bitmap
		for _, i := range tt.bits {
			b.Set(i)
		}
		if got := b.String(); got != tt.want {
			t.Errorf("String(%v) = %q, want %q", tt.bits, got, tt.want)
		}
	}
}
