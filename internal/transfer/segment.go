package transfer

// Segment is the contiguous byte range [StartByte, EndByte) assigned to one
// channel.
type Segment struct {
	ChannelIndex uint32
	StartByte    uint64
	EndByte      uint64
}

// Len returns the number of bytes in the segment.
func (s Segment) Len() uint64 {
	if s.EndByte <= s.StartByte {
		return 0
	}
	return s.EndByte - s.StartByte
}

// Empty reports whether the channel carries no data for this file.
func (s Segment) Empty() bool {
	return s.Len() == 0
}

// SegmentSize returns ceil(totalSize/n), the nominal per-channel length.
func SegmentSize(totalSize uint64, n int) uint64 {
	if n <= 0 {
		return 0
	}
	q := totalSize / uint64(n)
	if totalSize%uint64(n) != 0 {
		q++
	}
	return q
}

// PlanSegments partitions [0, totalSize) across n channels by ascending
// channel index. Channel i starts at i*ceil(totalSize/n); channels whose
// start lies at or beyond totalSize get an empty segment. Reassembly relies
// on this ordering: concatenating channel buffers by index rebuilds the file.
func PlanSegments(totalSize uint64, n int) []Segment {
	if n <= 0 {
		return nil
	}
	size := SegmentSize(totalSize, n)
	segs := make([]Segment, n)
	for i := 0; i < n; i++ {
		start := uint64(i) * size
		if start > totalSize {
			start = totalSize
		}
		end := start + size
		if end > totalSize {
			end = totalSize
		}
		segs[i] = Segment{
			ChannelIndex: uint32(i),
			StartByte:    start,
			EndByte:      end,
		}
	}
	return segs
}
