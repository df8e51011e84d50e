package mux

// reassembler accumulates bytes arriving from the carrier and repeatedly
// drives Decode over the growing buffer. It is owned exclusively by the
// session's reader task; nothing else may touch it.
type reassembler struct {
	buf      []byte
	maxFrame uint32
}

func newReassembler(maxFrame uint32) *reassembler {
	return &reassembler{maxFrame: maxFrame}
}

// push appends newly received bytes to the reassembly buffer.
func (r *reassembler) push(chunk []byte) {
	r.buf = append(r.buf, chunk...)
}

// next tries to decode one frame out of the buffered bytes. ok is false when
// more bytes are needed; err is non-nil on a fatal protocol violation, in
// which case the caller must tear the session down.
func (r *reassembler) next() (frame Frame, ok bool, err error) {
	result, f, consumed, derr := Decode(r.buf, r.maxFrame)
	switch result {
	case DecodeOK:
		r.buf = r.buf[consumed:]
		return f, true, nil
	case DecodeError:
		return Frame{}, false, derr
	default: // DecodeNeedMore
		return Frame{}, false, nil
	}
}
