package callid

import "testing"

func TestRoundTrip(t *testing.T) {
	cases := []CallID{
		Unknown(),
		Generic(),
		NewMmap(4),
		NewWritev(1, 0x1000, 3),
		NewThreadSpawn(0x10, 0x20),
		NewFutex(0x2000, FutexWait, 7),
		NewFutex(0x2000, FutexWake, 0),
		NewThreadExit(1),
		NewProcExit(0),
	}
	for _, c := range cases {
		tag, args := c.ToParts()
		got, err := FromParts(tag, args)
		if err != nil {
			t.Fatalf("FromParts(%v) error: %v", c, err)
		}
		if got != c {
			t.Errorf("round trip mismatch: %+v != %+v", got, c)
		}
	}
}

func TestFromPartsUnknownTag(t *testing.T) {
	if _, err := FromParts(Tag(123), [3]int64{}); err == nil {
		t.Fatal("expected error for unknown tag")
	}
}

func TestFlushesQueue(t *testing.T) {
	flush := []CallID{Generic(), NewMmap(1)}
	noFlush := []CallID{NewWritev(1, 0, 0), NewThreadSpawn(0, 0), NewFutex(0, FutexWait, 0), NewThreadExit(0), NewProcExit(0), Unknown()}
	for _, c := range flush {
		if !c.FlushesQueue() {
			t.Errorf("%v should flush", c)
		}
	}
	for _, c := range noFlush {
		if c.FlushesQueue() {
			t.Errorf("%v should not flush", c)
		}
	}
}
