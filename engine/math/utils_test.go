package math

import "testing"

func TestAlignUp(t *testing.T) {
	for _, x := range [...][3]uint64{
		{0, 256, 0},
		{1, 256, 256},
		{256, 256, 256},
		{257, 256, 512},
		{10, 4, 12},
		{7, 1, 7},
	} {
		if have := AlignUp(x[0], x[1]); have != x[2] {
			t.Fatalf("AlignUp(%d, %d):\nhave %d\nwant %d", x[0], x[1], have, x[2])
		}
		if !IsAligned(AlignUp(x[0], x[1]), x[1]) {
			t.Fatalf("IsAligned(AlignUp(%d, %d)):\nhave false\nwant true", x[0], x[1])
		}
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	for v, want := range map[uint32]bool{0: false, 1: true, 2: true, 3: false, 256: true, 384: false} {
		if have := IsPowerOfTwo(v); have != want {
			t.Fatalf("IsPowerOfTwo(%d):\nhave %t\nwant %t", v, have, want)
		}
	}
}

func TestClamp(t *testing.T) {
	if have := Clamp(5, 0, 3); have != 3 {
		t.Fatalf("Clamp(5, 0, 3):\nhave %d\nwant 3", have)
	}
	if have := Clamp(-1.5, 0, 1); have != 0 {
		t.Fatalf("Clamp(-1.5, 0, 1):\nhave %f\nwant 0", have)
	}
}
