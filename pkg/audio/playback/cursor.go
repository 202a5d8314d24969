package playback

// Cursor tracks where on the audio clock the next chunk must begin so that
// consecutive chunks neither overlap nor leave a gap. Positions are sample
// offsets from the moment the output stream was opened.
//
// next never decreases. A Cursor is not safe for concurrent use; the
// [Scheduler] owns one and guards it with its own lock.
type Cursor struct {
	next int64
}

// Place reserves n samples and returns the position they start at:
// max(now, next). next advances to start+n.
func (c *Cursor) Place(now int64, n int) (start int64) {
	start = max(now, c.next)
	c.next = start + int64(n)
	return start
}

// Next returns the position at which the next placed chunk would start if the
// clock has not overtaken it.
func (c *Cursor) Next() int64 { return c.next }

// Sync moves next forward to now if the clock has already passed it. It never
// moves next backwards.
func (c *Cursor) Sync(now int64) {
	c.next = max(c.next, now)
}
