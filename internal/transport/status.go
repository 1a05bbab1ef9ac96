package transport

// Tuning outcome reported for each socket or config adjustment.
const (
	StatusOK     = "ok"
	StatusNA     = "n/a"
	StatusDenied = "denied"
)

func normalizeStatus(status string) string {
	if status == "" {
		return StatusNA
	}
	return status
}
