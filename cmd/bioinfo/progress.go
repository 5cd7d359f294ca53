package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter keeps a single status line updated with elapsed or
// remaining seconds.
//
// Usage:
//
//	p := NewProgressPrinter(w, ...)
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use. When w is not a terminal nothing is
// printed.
type ProgressPrinter struct {
	w        io.Writer
	prefix   string
	phase    atomic.Value // string
	duration time.Duration
	countUp  bool
	enabled  bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewProgressPrinter creates a printer that shows elapsed time.
func NewProgressPrinter(w io.Writer, prefix, phase string) *ProgressPrinter {
	p := &ProgressPrinter{w: w, prefix: prefix, countUp: true, enabled: isTerminal(w)}
	p.phase.Store(phase)
	return p
}

// NewCountdownProgressPrinter creates a printer that counts down from duration.
func NewCountdownProgressPrinter(w io.Writer, prefix, phase string, duration time.Duration) *ProgressPrinter {
	p := &ProgressPrinter{w: w, prefix: prefix, duration: duration, enabled: isTerminal(w)}
	p.phase.Store(phase)
	return p
}

// SetPhase changes the label shown after the prefix.
func (p *ProgressPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
}

// Start begins updating the line in the background.
func (p *ProgressPrinter) Start() {
	p.startOnce.Do(func() {
		p.stop = make(chan struct{})
		p.done = make(chan struct{})
		if !p.enabled {
			close(p.done)
			return
		}
		go p.loop(time.Now())
	})
}

func (p *ProgressPrinter) loop(start time.Time) {
	defer close(p.done)

	ticker := time.NewTicker(progressUpdateInterval)
	defer ticker.Stop()

	p.print(0)
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			elapsed := time.Since(start)
			if p.countUp {
				p.print(int(elapsed.Seconds()))
				continue
			}
			// round to the nearest second, 0 once the countdown ends
			p.print(max(0, int((p.duration-elapsed).Seconds()+0.5)))
		}
	}
}

func (p *ProgressPrinter) print(seconds int) {
	phase := p.phase.Load().(string)
	if seconds > 0 {
		_, _ = fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
		return
	}
	_, _ = fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, phase)
}

// Stop ends the updates and clears the line. It is safe to call more than
// once and before Start.
func (p *ProgressPrinter) Stop() {
	p.Start()
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done
		if p.enabled {
			_, _ = fmt.Fprint(p.w, clearLineSequence)
		}
	})
}
