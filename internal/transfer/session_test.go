package transfer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func completedArtifact(t *testing.T, effects []Effect) *Artifact {
	t.Helper()
	for _, e := range effects {
		if c, ok := e.(CompletedEffect); ok {
			return c.Artifact
		}
	}
	return nil
}

func hasWarning(effects []Effect) bool {
	for _, e := range effects {
		if l, ok := e.(LogEffect); ok && l.Warn {
			return true
		}
	}
	return false
}

// feed delivers a segment of data on its channel the way a sender would.
func feed(s State, data []byte, seg Segment, chunk int) (State, []Effect) {
	var all []Effect
	for off := seg.StartByte; off < seg.EndByte; off += uint64(chunk) {
		end := off + uint64(chunk)
		if end > seg.EndByte {
			end = seg.EndByte
		}
		var effects []Effect
		s, effects = s.OnChunk(int(seg.ChannelIndex), append([]byte(nil), data[off:end]...))
		all = append(all, effects...)
	}
	return s, all
}

func patterned(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + i/251)
	}
	return b
}

func TestState_ResetIsIdempotent(t *testing.T) {
	var s State
	s, _ = s.OnFileStart(0, NewFileStart("a", 100, 2))
	s, _ = s.OnChunk(0, make([]byte, 10))

	once := s.Reset()
	twice := once.Reset()
	require.Equal(t, once, twice)
	require.Equal(t, RoleIdle, once.Role)
	require.Zero(t, once.ReceivedSize)
	require.Zero(t, once.BufferedChunks(0))
}

func TestState_ReassemblesOutOfOrderChannels(t *testing.T) {
	data := patterned(1_000_000)
	segs := PlanSegments(uint64(len(data)), 8)

	var s State
	fs := NewFileStart("big.bin", uint64(len(data)), 8)
	var effects []Effect
	for ch := 7; ch >= 0; ch-- {
		s, effects = s.OnFileStart(ch, fs)
	}
	require.Equal(t, RoleReceiving, s.Role)

	var art *Artifact
	for ch := 7; ch >= 0; ch-- {
		s, effects = feed(s, data, segs[ch], 16*1024)
		if a := completedArtifact(t, effects); a != nil {
			art = a
		}
	}
	require.NotNil(t, art)
	require.Equal(t, "big.bin", art.Name)
	require.Equal(t, uint64(len(data)), art.Size)
	require.True(t, bytes.Equal(data, art.Bytes()))
	require.Equal(t, RoleIdle, s.Role)
}

func TestState_SecondFileStartIgnoredMidReceive(t *testing.T) {
	data := patterned(1000)
	segs := PlanSegments(1000, 4)

	var s State
	s, _ = s.OnFileStart(0, NewFileStart("first.bin", 1000, 4))
	s, _ = feed(s, data, segs[0], 100)
	s, _ = s.OnChunk(1, append([]byte(nil), data[250:400]...))
	require.Equal(t, uint64(400), s.ReceivedSize)

	var effects []Effect
	s, effects = s.OnFileStart(1, NewFileStart("other.bin", 50, 4))
	require.True(t, hasWarning(effects))
	require.Equal(t, "first.bin", s.FileName)
	require.Equal(t, uint64(1000), s.ExpectedSize)
	require.Equal(t, uint64(400), s.ReceivedSize)
}

func TestState_RedundantFileStartCopiesAreSilent(t *testing.T) {
	fs := NewFileStart("dup.bin", 64, 4)
	var s State
	s, _ = s.OnFileStart(2, fs)
	for _, ch := range []int{0, 1, 3} {
		var effects []Effect
		s, effects = s.OnFileStart(ch, fs)
		require.Empty(t, effects, "channel %d", ch)
	}
	require.Equal(t, uint64(0), s.ReceivedSize)
	require.Equal(t, "dup.bin", s.FileName)
}

func TestState_LateCopyAfterCompletionDoesNotRestart(t *testing.T) {
	data := patterned(40)
	fs := NewFileStart("tiny.bin", 40, 2)
	segs := PlanSegments(40, 2)

	var s State
	s, _ = s.OnFileStart(0, fs)
	s, _ = feed(s, data, segs[0], 7)
	s, effects := feed(s, data, segs[1], 7)
	require.NotNil(t, completedArtifact(t, effects))
	require.Equal(t, RoleIdle, s.Role)

	// Channel 1's copy of the descriptor was slow.
	s, effects = s.OnFileStart(1, fs)
	require.Equal(t, RoleIdle, s.Role)
	require.Nil(t, completedArtifact(t, effects))

	// A genuinely new transfer of the same file is accepted again.
	s, effects = s.OnFileStart(0, fs)
	require.Equal(t, RoleReceiving, s.Role)
	require.NotEmpty(t, effects)
}

func TestState_ZeroSizeCompletesOnDescriptor(t *testing.T) {
	var s State
	s, effects := s.OnFileStart(0, NewFileStart("empty.txt", 0, 8))
	art := completedArtifact(t, effects)
	require.NotNil(t, art)
	require.Zero(t, art.Size)
	require.Empty(t, art.Bytes())
	require.Equal(t, RoleIdle, s.Role)

	for ch := 1; ch < 8; ch++ {
		s, effects = s.OnFileStart(ch, NewFileStart("empty.txt", 0, 8))
		require.Nil(t, completedArtifact(t, effects), "channel %d completed twice", ch)
	}
}

func TestState_StrayChunkIgnored(t *testing.T) {
	var s State
	s, effects := s.OnChunk(3, []byte("hello"))
	require.True(t, hasWarning(effects))
	require.Equal(t, RoleIdle, s.Role)
	require.Zero(t, s.BufferedChunks(3))
}

func TestState_ExcessBytesAreClamped(t *testing.T) {
	var s State
	s, _ = s.OnFileStart(0, NewFileStart("x", 10, 2))
	s, effects := s.OnChunk(0, []byte("0123456789"))
	require.True(t, hasWarning(effects))
	require.Equal(t, uint64(5), s.ReceivedSize)

	s, effects = s.OnChunk(1, []byte("56789"))
	art := completedArtifact(t, effects)
	require.NotNil(t, art)
	require.Equal(t, "0123456789", string(art.Bytes()))
	require.Equal(t, RoleIdle, s.Role)
}

func TestState_ProgressNeverExceedsHundred(t *testing.T) {
	var s State
	s, _ = s.OnFileStart(0, NewFileStart("p", 8, 2))
	var last float64
	for ch := 0; ch < 2; ch++ {
		var effects []Effect
		s, effects = s.OnChunk(ch, make([]byte, 4))
		for _, e := range effects {
			if p, ok := e.(ProgressEffect); ok {
				require.GreaterOrEqual(t, p.Percent, last)
				require.LessOrEqual(t, p.Percent, 100.0)
				last = p.Percent
			}
		}
	}
	require.Equal(t, 100.0, last)
}

func TestState_FileStartIgnoredWhileSending(t *testing.T) {
	var s State
	s, err := s.BeginSend("out.bin", 10)
	require.NoError(t, err)

	s, effects := s.OnFileStart(0, NewFileStart("in.bin", 10, 2))
	require.True(t, hasWarning(effects))
	require.Equal(t, RoleSending, s.Role)
	require.Equal(t, "out.bin", s.FileName)

	_, err = s.BeginSend("again.bin", 1)
	require.ErrorIs(t, err, ErrTransferInProgress)
}

func TestState_SegmentFrameChecksPlan(t *testing.T) {
	var s State
	s, _ = s.OnFileStart(0, NewFileStart("s", 100, 4))

	_, effects := s.OnSegment(1, NewSegmentInfo(Segment{ChannelIndex: 1, StartByte: 25, EndByte: 50}))
	require.False(t, hasWarning(effects))

	_, effects = s.OnSegment(1, NewSegmentInfo(Segment{ChannelIndex: 1, StartByte: 20, EndByte: 50}))
	require.True(t, hasWarning(effects))
}

func TestSession_ApplyAndStatus(t *testing.T) {
	sess := NewSession()
	require.NoError(t, sess.BeginSend("a", 5))
	require.ErrorIs(t, sess.BeginSend("b", 5), ErrTransferInProgress)

	st := sess.Status()
	require.Equal(t, RoleSending, st.Role)
	require.Equal(t, "a", st.FileName)

	sess.Reset()
	sess.Reset()
	require.Equal(t, Status{Role: RoleIdle}, sess.Status())
}

func TestState_ResetAllowsRetryOfSameFile(t *testing.T) {
	data := patterned(8000)
	fs := NewFileStart("retry.bin", uint64(len(data)), 8)
	segs := PlanSegments(uint64(len(data)), 8)

	// The first attempt only got its descriptor out on channel 0.
	var s State
	s, _ = s.OnFileStart(0, fs)
	s = s.Reset()

	// The retry's descriptor reaches channel 3 first.
	var effects []Effect
	s, effects = s.OnFileStart(3, fs)
	require.Equal(t, RoleReceiving, s.Role)
	require.False(t, hasWarning(effects))
	for _, ch := range []int{0, 1, 2, 4, 5, 6, 7} {
		s, _ = s.OnFileStart(ch, fs)
	}

	var art *Artifact
	for _, seg := range segs {
		s, effects = feed(s, data, seg, 300)
		if a := completedArtifact(t, effects); a != nil {
			art = a
		}
	}
	require.NotNil(t, art)
	require.True(t, bytes.Equal(data, art.Bytes()))
	require.Equal(t, RoleIdle, s.Role)
}

func TestState_ResetForgetsAnnouncedChannels(t *testing.T) {
	fs := NewFileStart("a.bin", 100, 2)
	var s State
	s, _ = s.OnFileStart(0, fs)
	s, _ = s.OnFileStart(1, fs)
	require.Equal(t, State{Role: RoleIdle}, s.Reset())
}

func TestState_RejectsOutOfRangeSegmentCount(t *testing.T) {
	for _, n := range []uint32{0, maxChannels + 1, 4294967295} {
		var s State
		fs := FileStart{Type: FrameTypeFileStart, Name: "huge.bin", Size: 10, TotalSegments: n}
		next, effects := s.OnFileStart(0, fs)
		require.True(t, hasWarning(effects), "segments %d", n)
		require.Equal(t, RoleIdle, next.Role, "segments %d", n)
		require.Zero(t, next.ExpectedSize)
	}
}
