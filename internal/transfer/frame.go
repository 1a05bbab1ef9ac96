package transfer

import (
	"encoding/json"
	"fmt"
)

// Control frame type discriminators. They are the only recognized values.
const (
	FrameTypeFileStart = "fileStart"
	FrameTypeSegment   = "segment"
)

// FrameKind tells text control frames apart from raw binary chunks. It comes
// from the transport's message type, never from the payload.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
)

// Frame is one inbound message as delivered by a channel.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// TextFrame wraps a control message.
func TextFrame(s string) Frame {
	return Frame{Kind: FrameText, Data: []byte(s)}
}

// BinaryFrame wraps a payload chunk.
func BinaryFrame(p []byte) Frame {
	return Frame{Kind: FrameBinary, Data: p}
}

// FileStart announces a transfer. It is broadcast once on every channel.
type FileStart struct {
	Type          string `json:"type"`
	Name          string `json:"name"`
	Size          uint64 `json:"size"`
	TotalSegments uint32 `json:"totalSegments"`
}

// SegmentInfo describes the byte range a channel is about to carry. It is
// advisory: reassembly never depends on it.
type SegmentInfo struct {
	Type         string `json:"type"`
	SegmentIndex uint32 `json:"segmentIndex"`
	StartByte    uint64 `json:"startByte"`
	EndByte      uint64 `json:"endByte"`
}

// NewFileStart builds the descriptor frame for a file.
func NewFileStart(name string, size uint64, segments int) FileStart {
	return FileStart{
		Type:          FrameTypeFileStart,
		Name:          name,
		Size:          size,
		TotalSegments: uint32(segments),
	}
}

// NewSegmentInfo builds the advisory frame for a segment.
func NewSegmentInfo(seg Segment) SegmentInfo {
	return SegmentInfo{
		Type:         FrameTypeSegment,
		SegmentIndex: seg.ChannelIndex,
		StartByte:    seg.StartByte,
		EndByte:      seg.EndByte,
	}
}

// Segment converts the frame back to a descriptor.
func (s SegmentInfo) Segment() Segment {
	return Segment{
		ChannelIndex: s.SegmentIndex,
		StartByte:    s.StartByte,
		EndByte:      s.EndByte,
	}
}

// EncodeControl serializes a control frame to its text form.
func EncodeControl(msg any) (string, error) {
	switch msg.(type) {
	case FileStart, SegmentInfo:
	default:
		return "", fmt.Errorf("%w: unsupported control message %T", ErrProtocol, msg)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal control frame: %w", err)
	}
	return string(b), nil
}

// ParseControl decodes a text frame into FileStart or SegmentInfo.
func ParseControl(data []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: invalid control json: %v", ErrProtocol, err)
	}
	switch head.Type {
	case FrameTypeFileStart:
		var fs FileStart
		if err := json.Unmarshal(data, &fs); err != nil {
			return nil, fmt.Errorf("%w: invalid fileStart: %v", ErrProtocol, err)
		}
		if fs.TotalSegments == 0 || fs.TotalSegments > maxChannels {
			return nil, fmt.Errorf("%w: fileStart with %d segments (want 1..%d)", ErrProtocol, fs.TotalSegments, maxChannels)
		}
		return fs, nil
	case FrameTypeSegment:
		var seg SegmentInfo
		if err := json.Unmarshal(data, &seg); err != nil {
			return nil, fmt.Errorf("%w: invalid segment: %v", ErrProtocol, err)
		}
		if seg.EndByte < seg.StartByte {
			return nil, fmt.Errorf("%w: segment end %d before start %d", ErrProtocol, seg.EndByte, seg.StartByte)
		}
		return seg, nil
	case "":
		return nil, fmt.Errorf("%w: control frame without type", ErrProtocol)
	default:
		return nil, fmt.Errorf("%w: unknown control type %q", ErrProtocol, head.Type)
	}
}
