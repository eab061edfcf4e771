package server

import (
	"context"
	"io"

	"github.com/Tyrowin/gotelescope/internal/protocol"
)

const minBufferSize = protocol.HeaderSize

// frameHandler receives the outcome of demultiplexing one frame.
type frameHandler interface {
	// handlePacket is called with every packet whose checksum verified.
	// Returning true drops the packet as an anomaly.
	handlePacket(p *protocol.Packet) (drop bool)
	// handleInvalid is called for every discarded frame.
	handleInvalid(transaction uint16)
	// handleOversize receives the buffered head of a frame declaring more
	// than the maximum packet size.
	handleOversize(head []byte)
}

// demuxer turns a byte stream into validated packets. The live bytes are
// buf[start:end]; the buffer grows up to maxPacket when a frame needs it.
// skip counts bytes of a rejected oversized frame still to be discarded.
// A demuxer is driven by exactly one goroutine.
type demuxer struct {
	r         io.Reader
	h         frameHandler
	buf       []byte
	start     int
	end       int
	skip      int64
	maxPacket int
}

func newDemuxer(r io.Reader, h frameHandler, bufferSize, maxPacket int) *demuxer {
	bufferSize = max(bufferSize, minBufferSize)
	return &demuxer{
		r:         r,
		h:         h,
		buf:       make([]byte, bufferSize),
		maxPacket: max(maxPacket, bufferSize),
	}
}

func (d *demuxer) buffered() int {
	return d.end - d.start
}

// run reads and processes until the stream fails or ctx is cancelled. The
// returned error is io.EOF on an orderly close by the peer.
func (d *demuxer) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.fill(); err != nil {
			return err
		}
		d.process()
	}
}

// fill performs one read into the free tail of the buffer. Bytes returned
// together with an error are processed before the error is reported.
func (d *demuxer) fill() error {
	if d.end == len(d.buf) {
		d.compact()
	}

	n, err := d.r.Read(d.buf[d.end:])
	d.end += n
	if err != nil {
		if n > 0 {
			d.process()
		}
		return err
	}
	if n == 0 {
		return io.ErrNoProgress
	}
	return nil
}

func (d *demuxer) compact() {
	if d.start == 0 {
		return
	}
	d.end = copy(d.buf, d.buf[d.start:d.end])
	d.start = 0
}

func (d *demuxer) grow(size int) {
	buf := make([]byte, size)
	d.end = copy(buf, d.buf[d.start:d.end])
	d.start = 0
	d.buf = buf
}

// process extracts every complete frame currently buffered.
func (d *demuxer) process() {
	for {
		if d.skip > 0 {
			n := min(d.skip, int64(d.buffered()))
			d.start += int(n)
			d.skip -= n
			if d.skip > 0 {
				return
			}
		}

		declared, ok := protocol.PeekDeclaredSize(d.buf[d.start:d.end])
		if !ok {
			return
		}

		if declared > int64(d.maxPacket) {
			d.rejectOversize(declared)
			continue
		}
		total := int(declared)
		if total > len(d.buf) {
			d.grow(total)
			return
		}
		if d.buffered() < total {
			return
		}

		frame := d.buf[d.start : d.start+total]
		d.start += total
		d.deliver(frame)
	}
}

// rejectOversize hands the buffered head of the frame to the handler and
// arranges for the rest of the declared frame to be discarded.
func (d *demuxer) rejectOversize(total int64) {
	n := int(min(total, int64(d.buffered())))
	d.h.handleOversize(d.buf[d.start : d.start+n])
	d.start += n
	d.skip = total - int64(n)
	if d.start == d.end {
		d.start, d.end = 0, 0
	}
}

func (d *demuxer) deliver(frame []byte) {
	p := &protocol.Packet{Header: protocol.DecodeHeader(frame)}
	p.Payload = append([]byte(nil), frame[protocol.HeaderSize:]...)

	if !protocol.Verify(p) || d.h.handlePacket(p) {
		d.h.handleInvalid(p.TransactionID)
	}
	if d.start == d.end {
		d.start, d.end = 0, 0
	}
}
