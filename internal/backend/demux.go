package backend

import "encoding/binary"

// Stream ids used in the container runtime's multiplexed attach stream.
const (
	StreamStdin  byte = 0
	StreamStdout byte = 1
	StreamStderr byte = 2
	StreamSystem byte = 3

	frameHeaderLen = 8
	// larger lengths are treated as a corrupt header
	maxFrameLen = 16 << 20
)

// Frame is one payload of a multiplexed stream.
type Frame struct {
	Stream  byte
	Payload []byte
}

// SplitFrames parses as many complete frames as buf holds. Each frame is a
// type byte, three reserved bytes and a big-endian uint32 payload length,
// followed by the payload. rest holds the bytes of a trailing partial frame
// (header or payload). ok is false if a header carries an unknown stream
// type or a length above maxFrameLen; frames parsed before it are still
// returned and rest starts at the offending header.
func SplitFrames(buf []byte) (frames []Frame, rest []byte, ok bool) {
	for {
		if len(buf) < frameHeaderLen {
			return frames, buf, true
		}
		if buf[0] > StreamSystem {
			return frames, buf, false
		}
		n := binary.BigEndian.Uint32(buf[4:8])
		if n > maxFrameLen {
			return frames, buf, false
		}
		size := int(n)
		if len(buf)-frameHeaderLen < size {
			return frames, buf, true
		}
		frames = append(frames, Frame{
			Stream:  buf[0],
			Payload: buf[frameHeaderLen : frameHeaderLen+size],
		})
		buf = buf[frameHeaderLen+size:]
	}
}

// Demuxer reassembles frames across reads. Once a malformed header is seen
// it stops parsing and passes every later byte through unchanged.
type Demuxer struct {
	pending []byte
	raw     bool
}

// Feed consumes one read and returns the complete frames it finished.
// Returned payloads stay valid after later calls.
func (d *Demuxer) Feed(p []byte) []Frame {
	if d.raw {
		return []Frame{{Stream: StreamStdout, Payload: p}}
	}
	buf := p
	if len(d.pending) > 0 {
		buf = append(d.pending, p...)
	}
	frames, rest, ok := SplitFrames(buf)
	if !ok {
		d.raw = true
		d.pending = nil
		return append(frames, Frame{Stream: StreamStdout, Payload: rest})
	}
	// copy into a fresh slice so returned payloads never alias pending
	d.pending = append([]byte(nil), rest...)
	return frames
}

// Pending returns the number of buffered bytes of an unfinished frame.
func (d *Demuxer) Pending() int {
	return len(d.pending)
}

// payloads adapts a Demuxer to base.pump.
func (d *Demuxer) payloads(p []byte) [][]byte {
	frames := d.Feed(p)
	out := make([][]byte, 0, len(frames))
	for _, f := range frames {
		if f.Stream == StreamStdin {
			continue
		}
		out = append(out, f.Payload)
	}
	return out
}
