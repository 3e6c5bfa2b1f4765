package search

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/oicur0t/smlog/internal/conversation"
)

// DefaultProgressInterval bounds how often a target reports while scanning
const DefaultProgressInterval = 100 * time.Millisecond

// progress throttles the reports of one target. The first report and the
// final one are always delivered.
type progress struct {
	emit    func(ProgressReport)
	limiter *rate.Limiter
	base    ProgressReport
}

func newProgress(emit func(ProgressReport), interval time.Duration, base ProgressReport) *progress {
	if emit == nil {
		return nil
	}
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	return &progress{emit: emit, limiter: rate.NewLimiter(rate.Every(interval), 1), base: base}
}

func (p *progress) scanning(bytes, lines int64, preview *conversation.Line) {
	if p == nil || !p.limiter.Allow() {
		return
	}
	p.send(PhaseScanning, bytes, lines, preview)
}

func (p *progress) done(bytes, lines int64, preview *conversation.Line) {
	if p == nil {
		return
	}
	p.send(PhaseDone, bytes, lines, preview)
}

func (p *progress) send(phase Phase, bytes, lines int64, preview *conversation.Line) {
	r := p.base
	r.Phase = phase
	r.BytesScanned = bytes
	r.LinesScanned = lines
	if preview != nil {
		line := *preview
		r.Preview = &line
	}
	p.emit(r)
}
