package transport

// ProgressAborted is passed to a ProgressFunc when a transfer ends without
// completing.
const ProgressAborted = -1

// ProgressFunc receives percentages in [0,100] or ProgressAborted.
type ProgressFunc func(percent int)

// progressGuard enforces the reporting contract on top of backends that
// report whatever they observe: 0 comes first, values never decrease, 100 is
// reported once on success and ProgressAborted ends an unfinished transfer.
type progressGuard struct {
	fn       ProgressFunc
	started  bool
	finished bool
	last     int
}

func newProgressGuard(fn ProgressFunc) *progressGuard {
	return &progressGuard{fn: fn}
}

func (g *progressGuard) report(percent int) {
	if g.fn == nil || g.finished {
		return
	}
	if percent < 0 {
		return
	}
	if percent > 100 {
		percent = 100
	}
	if !g.started {
		g.started = true
		g.last = 0
		g.fn(0)
	}
	// 100 is reserved for done().
	if percent > g.last && percent < 100 {
		g.last = percent
		g.fn(percent)
	}
}

func (g *progressGuard) done() {
	if g.fn == nil || g.finished {
		return
	}
	g.report(0)
	g.finished = true
	g.fn(100)
}

func (g *progressGuard) abort() {
	if g.fn == nil || g.finished {
		return
	}
	g.finished = true
	if g.started {
		g.fn(ProgressAborted)
	}
}

// percentOf converts a byte count into a percentage of total. Unknown totals
// report 0.
func percentOf(done, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int(done * 100 / total)
	if p > 100 {
		p = 100
	}
	return p
}
