package iprange

import (
	"errors"
	"math/rand"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func prefixes(t *testing.T, ss ...string) []netip.Prefix {
	t.Helper()
	out := make([]netip.Prefix, len(ss))
	for i, s := range ss {
		out[i] = netip.MustParsePrefix(s)
	}
	return out
}

func TestDecompose(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		want       []string
	}{
		{"single v4", "10.0.0.7", "10.0.0.7", []string{"10.0.0.7/32"}},
		{"aligned /24", "192.168.1.0", "192.168.1.255", []string{"192.168.1.0/24"}},
		{"unaligned v4", "10.0.0.1", "10.0.0.9",
			[]string{"10.0.0.1/32", "10.0.0.2/31", "10.0.0.4/30", "10.0.0.8/31"}},
		{"whole v4 space", "0.0.0.0", "255.255.255.255", []string{"0.0.0.0/0"}},
		{"top of v4 space", "255.255.255.254", "255.255.255.255", []string{"255.255.255.254/31"}},
		{"single v6", "2001:db8::1", "2001:db8::1", []string{"2001:db8::1/128"}},
		{"two lowest v6", "::", "::1", []string{"::/127"}},
		{"aligned /112", "2001:db8::", "2001:db8::ffff", []string{"2001:db8::/112"}},
		{"unaligned v6", "::1", "::ff", []string{
			"::1/128", "::2/127", "::4/126", "::8/125",
			"::10/124", "::20/123", "::40/122", "::80/121",
		}},
		{"whole v6 space", "::", "ffff:ffff:ffff:ffff:ffff:ffff:ffff:ffff", []string{"::/0"}},
		{"mapped v4", "::ffff:10.0.0.0", "::ffff:10.0.0.3", []string{"10.0.0.0/30"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decompose(netip.MustParseAddr(tt.start), netip.MustParseAddr(tt.end))
			if err != nil {
				t.Fatalf("Decompose: %v", err)
			}
			if diff := cmp.Diff(prefixes(t, tt.want...), got, cmp.Comparer(func(a, b netip.Prefix) bool {
				return a == b
			})); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecomposeErrors(t *testing.T) {
	tests := []struct {
		name       string
		start, end netip.Addr
		want       error
	}{
		{"reversed v4", netip.MustParseAddr("10.0.0.9"), netip.MustParseAddr("10.0.0.1"), ErrRange},
		{"reversed v6", netip.MustParseAddr("::2"), netip.MustParseAddr("::1"), ErrRange},
		{"mixed families", netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("::1"), ErrUnsupportedFamily},
		{"invalid", netip.Addr{}, netip.MustParseAddr("::1"), ErrUnsupportedFamily},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decompose(tt.start, tt.end)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if got != nil {
				t.Errorf("expected no blocks on error, got %v", got)
			}
		})
	}
}

// checkV4 verifies that blocks are aligned, contiguous and cover exactly
// [start, end].
func checkV4(t *testing.T, start, end uint32, blocks []Block4) {
	t.Helper()
	next := uint64(start)
	for _, b := range blocks {
		size := uint64(1) << (32 - uint(b.PrefixLen))
		if uint64(b.Addr) != next {
			t.Fatalf("block %v does not start at %s", b, v4String(uint32(next)))
		}
		if uint64(b.Addr)%size != 0 {
			t.Fatalf("block %v is not aligned", b)
		}
		next += size
	}
	if next != uint64(end)+1 {
		t.Fatalf("blocks end at %d, want %d", next-1, end)
	}
}

func TestDecomposeV4Coverage(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		a, b := r.Uint32(), r.Uint32()
		if a > b {
			a, b = b, a
		}
		blocks, err := DecomposeV4(a, b)
		if err != nil {
			t.Fatalf("DecomposeV4(%d, %d): %v", a, b, err)
		}
		checkV4(t, a, b, blocks)
		if len(blocks) > 62 {
			t.Fatalf("DecomposeV4(%d, %d) produced %d blocks", a, b, len(blocks))
		}

		again, _ := DecomposeV4(a, b)
		if diff := cmp.Diff(blocks, again); diff != "" {
			t.Fatalf("non-deterministic output:\n%s", diff)
		}
	}
}

func TestDecomposeV6Coverage(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 200; i++ {
		var a, b Addr6
		r.Read(a[:])
		b = a
		// Vary only the low 40 bits so ranges stay enumerable.
		for j := 11; j < 16; j++ {
			b[j] = byte(r.Intn(256))
		}
		if Compare(a, b) > 0 {
			a, b = b, a
		}
		blocks, err := DecomposeV6(a, b)
		if err != nil {
			t.Fatalf("DecomposeV6: %v", err)
		}
		if len(blocks) > 254 {
			t.Fatalf("too many blocks: %d", len(blocks))
		}
		next := a
		for k, blk := range blocks {
			if blk.Addr != next {
				t.Fatalf("block %d (%v) does not start at %v", k, blk, netip.AddrFrom16(next))
			}
			if Mask(blk.Addr, int(blk.PrefixLen)) != blk.Addr {
				t.Fatalf("block %v is not aligned", blk)
			}
			last := fillLow(blk.Addr, 128-int(blk.PrefixLen))
			if k == len(blocks)-1 {
				if last != b {
					t.Fatalf("last block ends at %v, want %v", netip.AddrFrom16(last), netip.AddrFrom16(b))
				}
				break
			}
			next, _ = increment(last)
		}
	}
}

func TestBitAccessors(t *testing.T) {
	var a Addr6
	SetBit(&a, 0, true)
	SetBit(&a, 127, true)
	SetBit(&a, 128, true)
	SetBit(&a, -1, true)
	if a[0] != 0x80 || a[15] != 0x01 {
		t.Fatalf("unexpected bytes %x", a)
	}
	if !BitAt(a, 0) || !BitAt(a, 127) || BitAt(a, 1) || BitAt(a, 200) {
		t.Error("BitAt mismatch")
	}
	SetBit(&a, 0, false)
	if BitAt(a, 0) {
		t.Error("SetBit(false) did not clear bit 0")
	}

	x := Addr6(netip.MustParseAddr("2001:db8::").As16())
	y := Addr6(netip.MustParseAddr("2001:db8::ff").As16())
	if got := CommonPrefixLen(x, y); got != 120 {
		t.Errorf("CommonPrefixLen = %d, want 120", got)
	}
	if got := CommonPrefixLen(x, x); got != 128 {
		t.Errorf("CommonPrefixLen(x, x) = %d, want 128", got)
	}
}
