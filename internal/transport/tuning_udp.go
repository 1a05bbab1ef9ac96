package transport

import (
	"fmt"
	"net"
	"strings"
)

const (
	minUDPBuffer = 256 * 1024
	maxUDPBuffer = 64 * 1024 * 1024

	// DefaultUDPBuffer is requested for both directions of the QUIC socket.
	DefaultUDPBuffer = 8 * 1024 * 1024
)

// UDPResult describes a socket buffer adjustment.
type UDPResult struct {
	RequestedR int
	RequestedW int
	Status     string
	Err        string
}

// ApplyUDPBuffers asks the kernel for larger socket buffers. Failures are
// reported in the result and never fatal: the socket still works with the
// system defaults, only slower on fat links.
func ApplyUDPBuffers(conn *net.UDPConn, r, w int) UDPResult {
	result := UDPResult{
		RequestedR: clampUDPBuffer(r),
		RequestedW: clampUDPBuffer(w),
		Status:     StatusOK,
	}
	if conn == nil {
		result.Status = StatusNA
		result.Err = "no access to underlying UDPConn"
		return result
	}

	var errs []string
	if err := conn.SetReadBuffer(result.RequestedR); err != nil {
		errs = append(errs, "read: "+err.Error())
	}
	if err := conn.SetWriteBuffer(result.RequestedW); err != nil {
		errs = append(errs, "write: "+err.Error())
	}
	if len(errs) > 0 {
		result.Status = StatusDenied
		result.Err = strings.Join(errs, "; ")
	}
	return result
}

// String renders the result as a single log-friendly line.
func (r UDPResult) String() string {
	line := fmt.Sprintf("udp buffers: r=%s w=%s status=%s",
		FormatBytesMiB(r.RequestedR), FormatBytesMiB(r.RequestedW), normalizeStatus(r.Status))
	if r.Err != "" {
		line += " err=" + r.Err
	}
	return line
}

func clampUDPBuffer(n int) int {
	if n < minUDPBuffer {
		return minUDPBuffer
	}
	if n > maxUDPBuffer {
		return maxUDPBuffer
	}
	return n
}
