package transfer

const (
	DefaultChannels         = 8
	DefaultChunkSize        = 256 * 1024
	DefaultLowWatermark     = 4 * 1024 * 1024
	DefaultHighWatermark    = 16 * 1024 * 1024
	DefaultLivenessInterval = 10

	minChunkSize = 1024
	maxChunkSize = 4 * 1024 * 1024
	maxChannels  = 64
)

// Options are the effective transfer settings.
type Options struct {
	// Channels is N, the number of parallel channels.
	Channels int
	// ChunkSize bounds each binary frame.
	ChunkSize uint32
	// HighWatermark is the buffered amount above which a channel stops
	// accepting chunks.
	HighWatermark uint64
	// LowWatermark is the buffered amount a paused channel resumes at.
	LowWatermark uint64
	// LivenessInterval is how many chunks a channel sends between
	// connection liveness checks.
	LivenessInterval int
}

// DefaultOptions returns the settings used by the browser client this
// protocol is compatible with.
func DefaultOptions() Options {
	return Options{
		Channels:         DefaultChannels,
		ChunkSize:        DefaultChunkSize,
		HighWatermark:    DefaultHighWatermark,
		LowWatermark:     DefaultLowWatermark,
		LivenessInterval: DefaultLivenessInterval,
	}
}

// NormalizeOptions applies defaults and clamps settings.
func NormalizeOptions(o Options) Options {
	out := o
	if out.Channels <= 0 {
		out.Channels = DefaultChannels
	}
	if out.Channels > maxChannels {
		out.Channels = maxChannels
	}
	if out.ChunkSize == 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.ChunkSize < minChunkSize {
		out.ChunkSize = minChunkSize
	}
	if out.ChunkSize > maxChunkSize {
		out.ChunkSize = maxChunkSize
	}
	if out.HighWatermark == 0 {
		out.HighWatermark = DefaultHighWatermark
	}
	if out.LowWatermark == 0 {
		out.LowWatermark = DefaultLowWatermark
	}
	if out.LowWatermark >= out.HighWatermark {
		out.LowWatermark = out.HighWatermark / 4
	}
	if out.LivenessInterval <= 0 {
		out.LivenessInterval = DefaultLivenessInterval
	}
	return out
}
