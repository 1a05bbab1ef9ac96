package transfer

import (
	"context"
	"errors"
)

var (
	// ErrNoFileSelected indicates Send was called without a source.
	ErrNoFileSelected = errors.New("no file selected")
	// ErrChannelsNotReady indicates fewer than N channels are open.
	ErrChannelsNotReady = errors.New("channels not ready")
	// ErrTransferInProgress indicates another transfer owns the session.
	ErrTransferInProgress = errors.New("transfer already in progress")
	// ErrConnectionLost indicates the underlying connection or a channel went away mid-transfer.
	ErrConnectionLost = errors.New("connection lost")
	// ErrChunkRead indicates the source could not be read.
	ErrChunkRead = errors.New("chunk read failed")
	// ErrProtocol indicates a malformed or unexpected control frame.
	ErrProtocol = errors.New("protocol error")
	// ErrAssembly indicates the received file could not be materialized.
	ErrAssembly = errors.New("assembly failed")
)

// Kind is a stable name for an error class, carried by failure events.
type Kind string

const (
	KindNone               Kind = ""
	KindNoFileSelected     Kind = "NoFileSelected"
	KindChannelsNotReady   Kind = "ChannelsNotReady"
	KindTransferInProgress Kind = "TransferAlreadyInProgress"
	KindConnectionLost     Kind = "ConnectionLost"
	KindChunkRead          Kind = "ChunkReadError"
	KindProtocol           Kind = "ProtocolError"
	KindAssembly           Kind = "AssemblyError"
	KindCanceled           Kind = "Canceled"
	KindUnknown            Kind = "Unknown"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrNoFileSelected, KindNoFileSelected},
	{ErrChannelsNotReady, KindChannelsNotReady},
	{ErrTransferInProgress, KindTransferInProgress},
	{ErrConnectionLost, KindConnectionLost},
	{ErrChunkRead, KindChunkRead},
	{ErrProtocol, KindProtocol},
	{ErrAssembly, KindAssembly},
}

// KindOf classifies err. A nil error has KindNone.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindUnknown
}
