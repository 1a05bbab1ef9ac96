package transfer

// SessionObserver receives lifecycle notifications for keep-awake,
// navigation guards, desktop notifications and the like. Correctness never
// depends on an observer; a nil observer is allowed everywhere.
type SessionObserver interface {
	OnTransferStarted(role Role, name string, size uint64)
	// OnTransferEnded is called exactly once per started transfer. err is
	// nil on success.
	OnTransferEnded(role Role, name string, err error)
}

type nopObserver struct{}

func (nopObserver) OnTransferStarted(Role, string, uint64) {}
func (nopObserver) OnTransferEnded(Role, string, error)    {}

func observerOrNop(o SessionObserver) SessionObserver {
	if o == nil {
		return nopObserver{}
	}
	return o
}
