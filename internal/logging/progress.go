package logging

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const progressWidth = 40

// ProgressBar draws a single console line that is redrawn as a transfer
// advances. Intermediate redraws are limited to a few per second.
type ProgressBar struct {
	log     *Logger
	label   string
	limit   *rate.Sometimes
	active  bool
	percent int
}

// NewProgressBar returns a bar labelled with label. Nothing is drawn when
// info messages are suppressed.
func (l *Logger) NewProgressBar(label string) *ProgressBar {
	return &ProgressBar{
		log:   l,
		label: label,
		limit: &rate.Sometimes{First: 1, Interval: 100 * time.Millisecond},
	}
}

// Update is a transport.ProgressFunc. A negative percent ends the line
// without completing it.
func (p *ProgressBar) Update(percent int) {
	if !p.log.Enabled(InfoLevel) {
		return
	}
	switch {
	case percent < 0:
		if p.active {
			fmt.Fprintln(p.log.Output())
			p.active = false
		}
		return
	case percent >= 100:
		p.percent = 100
		p.draw()
		fmt.Fprintln(p.log.Output())
		p.active = false
		return
	}
	p.percent = percent
	p.limit.Do(p.draw)
}

func (p *ProgressBar) draw() {
	filled := p.percent * progressWidth / 100
	bar := strings.Repeat("#", filled) + strings.Repeat(" ", progressWidth-filled)
	fmt.Fprintf(p.log.Output(), "\r%s [%s] %3d%%", p.label, bar, p.percent)
	p.active = true
}
