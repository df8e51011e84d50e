package mux

// Stream is the user-facing endpoint for one logical substream inside a
// Session. It is safe to share across goroutines: SendData/SendFin enqueue
// onto the session's single outbound fan-in, and RecvData drains this
// stream's own bounded inbound queue.
type Stream struct {
	id       uint32
	outbound chan<- Frame
	closed   <-chan struct{} // closed once the session stops accepting sends
	inbound  <-chan []byte
}

func newStream(id uint32, outbound chan<- Frame, closed <-chan struct{}, inbound <-chan []byte) *Stream {
	return &Stream{id: id, outbound: outbound, closed: closed, inbound: inbound}
}

// ID returns this substream's stable stream_id.
func (s *Stream) ID() uint32 { return s.id }

// SendData enqueues payload as one Data frame. payload must be at most
// MaxPayload bytes; callers that need to send more must split it
// themselves — this layer never fragments on a caller's behalf. Returns an
// error if the session's outbound fan-in is closed.
func (s *Stream) SendData(payload []byte) error {
	if len(payload) > MaxPayload {
		return newErr(KindProtocol, "payload exceeds max frame payload, caller must split")
	}
	return s.send(Frame{Type: FrameData, StreamID: s.id, Payload: payload})
}

// SendFin enqueues a Fin frame for this substream. Idempotent on the wire
// but not deduplicated locally — calling it twice sends two Fin frames.
func (s *Stream) SendFin() error {
	return s.send(Frame{Type: FrameFin, StreamID: s.id})
}

// send enqueues f onto the session's outbound fan-in. outbound is never
// closed (multiple streams and the session itself send on it concurrently),
// so a plain `select { case outbound <- f: case <-closed: }` can race: once
// closed has fired, Go's select can still pick the outbound branch if the
// queue has room, handing back a false nil for a frame the writer task —
// already gone — will never flush. The follow-up check re-samples closed
// right after the enqueue so that case reports an error instead.
func (s *Stream) send(f Frame) error {
	select {
	case s.outbound <- f:
		select {
		case <-s.closed:
			return newErr(KindIO, "session outbound closed")
		default:
			return nil
		}
	case <-s.closed:
		return newErr(KindIO, "session outbound closed")
	}
}

// RecvData awaits the next payload delivered for this substream, in the
// order frames were decoded off the wire. It returns ok=false once the
// substream has been closed by a received Fin/Rst or by session teardown.
func (s *Stream) RecvData() (payload []byte, ok bool) {
	payload, ok = <-s.inbound
	return payload, ok
}
