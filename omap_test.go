package kdmsg

import (
	"testing"
)

func TestOmap(t *testing.T) {
	m := newOmap[uint64, int]()

	for i := range 9 {
		m.set(uint64(8-i), 8-i)
	}
	i := 0
	for k, j := range m.all() {
		if j != i || k != uint64(i) {
			t.Fatalf("expected val %v, got %v for k='%v'", i, j, k)
		}
		i++
	}

	// delete odds over 2, while iterating
	for k := range m.all() {
		if k > 2 && k%2 == 1 {
			m.delkey(k)
		}
	}
	ne := m.Len()
	if ne != 6 {
		t.Fatalf("expected 6 now, have %v", ne)
	}

	expect := []int{0, 1, 2, 4, 6, 8} // deleted 3,5,7
	i = 0
	for k, j := range m.all() {
		if j != expect[i] {
			t.Fatalf("expected val %v, got %v for k='%v'", expect[i], j, k)
		}
		i++
	}
	if i != len(expect) {
		t.Fatalf("rest of the set? missing '%#v'", expect[i:])
	}

	// deleting ahead of the walk must not visit the deleted key.
	seen := 0
	for k := range m.all() {
		if k == 2 {
			m.delkey(4)
		}
		if k == 4 {
			t.Fatalf("visited deleted key 4")
		}
		seen++
	}
	if seen != 5 {
		t.Fatalf("expected to see 5 keys, saw %v", seen)
	}

	if v, ok := m.get2(6); !ok || v != 6 {
		t.Fatalf("get2(6) = %v, %v", v, ok)
	}
	if m.set(6, 66) {
		t.Fatalf("set on present key should not report newlyAdded")
	}
	if v, _ := m.get2(6); v != 66 {
		t.Fatalf("upsert did not update in place")
	}
	if !m.delkey(6) || m.delkey(6) {
		t.Fatalf("delkey should report presence once")
	}
	if m.Len() != 4 {
		t.Fatalf("expected 4 left, have %v", m.Len())
	}
}
