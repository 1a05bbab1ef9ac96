package app

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/parashare/internal/progress"
	"github.com/sheerbytes/parashare/internal/transfer"
	"github.com/sheerbytes/parashare/internal/transport"
)

// progressPrinter writes one status line per update, at most every
// progressUpdateInterval. The final line is always printed.
type progressPrinter struct {
	out  io.Writer
	role string
	now  func() time.Time

	last  int64
	mu    sync.Mutex
	meter *progress.Meter
	seen  uint64
}

func newProgressPrinter(out io.Writer, role string) *progressPrinter {
	return newProgressPrinterWithNow(out, role, time.Now)
}

func newProgressPrinterWithNow(out io.Writer, role string, now func() time.Time) *progressPrinter {
	return &progressPrinter{
		out:   out,
		role:  role,
		now:   now,
		meter: progress.NewMeterWithNow(now),
	}
}

// Sent reports sender-side progress; rate and ETA are already computed.
func (p *progressPrinter) Sent(pr transfer.Progress) {
	final := pr.BytesSent >= pr.TotalBytes
	if !final && !shouldUpdateProgress(&p.last, p.now()) {
		return
	}
	p.print(progress.Stats{
		BytesDone: int64(pr.BytesSent),
		Total:     int64(pr.TotalBytes),
		RateBps:   pr.RateBps,
		ETA:       pr.ETA,
		ETAKnown:  pr.ETAKnown,
		Percent:   pr.Percent,
	})
}

// Started resets the receive meter for a new file.
func (p *progressPrinter) Started(fs transfer.FileStart) {
	p.mu.Lock()
	p.seen = 0
	p.mu.Unlock()
	atomic.StoreInt64(&p.last, 0)
	p.meter.Start(int64(fs.Size))
	fmt.Fprintf(p.out, "receiving %s (%s) over %d channels\n", fs.Name, transport.FormatBytes(int64(fs.Size)), fs.TotalSegments)
}

// Received reports receiver-side progress. eff.Received is cumulative.
func (p *progressPrinter) Received(eff transfer.ProgressEffect) {
	p.mu.Lock()
	delta := eff.Received - min(p.seen, eff.Received)
	p.seen = eff.Received
	p.mu.Unlock()

	stats := p.meter.Add(int(delta))
	if eff.Received < eff.Expected && !shouldUpdateProgress(&p.last, p.now()) {
		return
	}
	stats.Percent = eff.Percent
	p.print(stats)
}

func (p *progressPrinter) print(s progress.Stats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "progress %s %5.1f%% %s/%s rate=%s eta=%s\n",
		p.role,
		s.Percent,
		transport.FormatBytes(s.BytesDone),
		transport.FormatBytes(s.Total),
		transport.FormatRate(s.RateBps),
		transport.FormatETA(s.ETA, s.ETAKnown),
	)
}
