package transport

import (
	"fmt"
	"time"
)

const (
	kib = 1024
	mib = 1024 * kib
	gib = 1024 * mib
)

// FormatBytesMiB prints whole MiB values compactly and anything else as raw
// bytes. It is meant for buffer and window sizes, which are usually round.
func FormatBytesMiB(n int) string {
	if n <= 0 {
		return "0B"
	}
	if n%mib == 0 {
		return fmt.Sprintf("%dMiB", n/mib)
	}
	return fmt.Sprintf("%dB", n)
}

// FormatBytes prints n with a binary unit suitable for progress output.
func FormatBytes(n int64) string {
	switch {
	case n <= 0:
		return "0 B"
	case n < kib:
		return fmt.Sprintf("%d B", n)
	case n < mib:
		return fmt.Sprintf("%.1f KiB", float64(n)/kib)
	case n < gib:
		return fmt.Sprintf("%.1f MiB", float64(n)/mib)
	default:
		return fmt.Sprintf("%.2f GiB", float64(n)/gib)
	}
}

// FormatRate prints a bytes-per-second rate.
func FormatRate(bps float64) string {
	if bps <= 0 {
		return "0 B/s"
	}
	return FormatBytes(int64(bps)) + "/s"
}

// FormatETA prints a remaining-time estimate, or "--:--" when unknown.
func FormatETA(d time.Duration, known bool) string {
	if !known || d < 0 {
		return "--:--"
	}
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d%time.Hour) / int(time.Minute)
	s := int(d%time.Minute) / int(time.Second)
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
