package playback

import (
	"testing"

	"pgregory.net/rapid"
)

func TestCursor_BackToBack(t *testing.T) {
	t.Parallel()
	var c Cursor
	if got := c.Place(0, 100); got != 0 {
		t.Errorf("first Place = %d, want 0", got)
	}
	if got := c.Place(10, 50); got != 100 {
		t.Errorf("second Place = %d, want 100", got)
	}
	if got := c.Next(); got != 150 {
		t.Errorf("Next() = %d, want 150", got)
	}
}

func TestCursor_ClockOvertakes(t *testing.T) {
	t.Parallel()
	var c Cursor
	c.Place(0, 100)
	if got := c.Place(400, 10); got != 400 {
		t.Errorf("Place after underrun = %d, want 400", got)
	}
	if got := c.Next(); got != 410 {
		t.Errorf("Next() = %d, want 410", got)
	}
}

func TestCursor_SyncNeverRewinds(t *testing.T) {
	t.Parallel()
	var c Cursor
	c.Place(0, 100)
	c.Sync(40)
	if got := c.Next(); got != 100 {
		t.Errorf("Sync(40) moved Next to %d, want 100", got)
	}
	c.Sync(250)
	if got := c.Next(); got != 250 {
		t.Errorf("Sync(250) moved Next to %d, want 250", got)
	}
}

func TestCursor_MonotonicProperty(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		var c Cursor
		var now int64
		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := range steps {
			now += rapid.Int64Range(0, 10_000).Draw(t, "advance")
			n := rapid.IntRange(0, 8192).Draw(t, "n")
			prev := c.Next()
			start := c.Place(now, n)
			if start < now || start < prev {
				t.Fatalf("step %d: start %d before max(now=%d, next=%d)", i, start, now, prev)
			}
			if c.Next() < prev {
				t.Fatalf("step %d: next decreased %d -> %d", i, prev, c.Next())
			}
			if c.Next() != start+int64(n) {
				t.Fatalf("step %d: next = %d, want %d", i, c.Next(), start+int64(n))
			}
		}
	})
}
