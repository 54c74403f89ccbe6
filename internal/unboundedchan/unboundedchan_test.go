package unboundedchan

import "testing"

func TestOrderAndDrain(t *testing.T) {
	uc := New[int]()

	const n = 50
	go func() {
		in := uc.In()
		for i := 0; i < n; i++ {
			in <- i
		}
		close(in)
	}()

	want := 0
	for v := range uc.Out() {
		if v != want {
			t.Fatalf("received %d, want %d", v, want)
		}
		want++
	}
	if want != n {
		t.Errorf("received %d values, want %d", want, n)
	}
}

func TestBurstDoesNotBlockSender(t *testing.T) {
	uc := New[int]()

	// Send a burst with no consumer attached; none of these may block.
	in := uc.In()
	for i := 0; i < 1000; i++ {
		in <- i
	}
	close(in)

	sum := 0
	for v := range uc.Out() {
		sum += v
	}
	if expect := 1000 * 999 / 2; sum != expect {
		t.Errorf("sum was %d, want %d", sum, expect)
	}
}
