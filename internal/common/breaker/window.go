package breaker

import "time"

// Counts is the outcome tally of a rolling window.
type Counts struct {
	Fires     int `json:"fires"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
	Timeouts  int `json:"timeouts"`
	Rejects   int `json:"rejects"`
	Fallbacks int `json:"fallbacks"`
}

func (c *Counts) add(o Counts) {
	c.Fires += o.Fires
	c.Successes += o.Successes
	c.Failures += o.Failures
	c.Timeouts += o.Timeouts
	c.Rejects += o.Rejects
	c.Fallbacks += o.Fallbacks
}

// ErrorPercentage is failures over settled calls, 0 when nothing settled.
func (c Counts) ErrorPercentage() float64 {
	total := c.Successes + c.Failures
	if total == 0 {
		return 0
	}
	return float64(c.Failures) * 100 / float64(total)
}

// window is a ring of fixed-width buckets covering the rolling period.
// Buckets older than the period are zeroed as the head advances.
type window struct {
	width     time.Duration
	buckets   []Counts
	head      int
	headStart time.Time
}

func newWindow(period time.Duration, n int, now time.Time) *window {
	if n < 1 {
		n = 1
	}
	width := period / time.Duration(n)
	if width <= 0 {
		width = time.Millisecond
	}
	return &window{
		width:     width,
		buckets:   make([]Counts, n),
		headStart: now,
	}
}

func (w *window) advance(now time.Time) {
	elapsed := now.Sub(w.headStart)
	if elapsed < w.width {
		return
	}
	steps := int(elapsed / w.width)
	if steps >= len(w.buckets) {
		w.reset(now)
		return
	}
	for i := 0; i < steps; i++ {
		w.head = (w.head + 1) % len(w.buckets)
		w.buckets[w.head] = Counts{}
	}
	w.headStart = w.headStart.Add(time.Duration(steps) * w.width)
}

// current returns the bucket for now, rotating as needed.
func (w *window) current(now time.Time) *Counts {
	w.advance(now)
	return &w.buckets[w.head]
}

func (w *window) totals(now time.Time) Counts {
	w.advance(now)
	var out Counts
	for _, b := range w.buckets {
		out.add(b)
	}
	return out
}

func (w *window) reset(now time.Time) {
	for i := range w.buckets {
		w.buckets[i] = Counts{}
	}
	w.head = 0
	w.headStart = now
}
