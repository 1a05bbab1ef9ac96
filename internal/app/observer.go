package app

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sheerbytes/parashare/internal/transfer"
	"github.com/sheerbytes/parashare/internal/transport"
)

// notifier is the terminal stand-in for desktop notifications: it logs the
// start and end of every transfer and prints a one-line summary.
type notifier struct {
	logger  *slog.Logger
	out     io.Writer
	now     func() time.Time
	started time.Time
	size    uint64
}

var _ transfer.SessionObserver = (*notifier)(nil)

func newNotifier(logger *slog.Logger, out io.Writer) *notifier {
	return &notifier{logger: logger, out: out, now: time.Now}
}

func (n *notifier) OnTransferStarted(role transfer.Role, name string, size uint64) {
	n.started = n.now()
	n.size = size
	n.logger.Info("transfer started", "role", role.String(), "name", name, "size", size)
}

func (n *notifier) OnTransferEnded(role transfer.Role, name string, err error) {
	elapsed := n.now().Sub(n.started)
	if err != nil {
		n.logger.Error("transfer failed", "role", role.String(), "name", name, "kind", transfer.KindOf(err), "error", err)
		fmt.Fprintf(n.out, "transfer failed: %v\n", err)
		return
	}
	n.logger.Info("transfer complete", "role", role.String(), "name", name, "elapsed", elapsed.Round(time.Millisecond))
	rate := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(n.size) / secs
	}
	fmt.Fprintf(n.out, "transfer complete: %s (%s in %s, %s)\n",
		name, transport.FormatBytes(int64(n.size)), elapsed.Round(time.Millisecond), transport.FormatRate(rate))
}
