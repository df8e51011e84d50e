package mux

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Role fixes which side of the handshake a Session plays. It never changes
// after Start.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Config configures a Session's protocol parameters and internal queue
// bounds.
type Config struct {
	MaxFrame    uint32
	KeepaliveMs uint32
	PSK         []byte

	// StreamQueueBound bounds each substream's inbound payload queue.
	StreamQueueBound int
	// AcceptQueueBound bounds the server-role queue of not-yet-accepted
	// Open requests.
	AcceptQueueBound int
	// OutboundQueueBound bounds the single outbound frame fan-in.
	OutboundQueueBound int
	// IdleTimeoutFactor, when non-zero, tears the session down with a
	// KindTimeout error once IdleTimeoutFactor * KeepaliveMs elapses with no
	// frame received at all. 0 disables it.
	IdleTimeoutFactor int
}

// DefaultConfig returns the session's baseline tuning.
func DefaultConfig() Config {
	return Config{
		MaxFrame:           DefaultMaxFrame,
		KeepaliveMs:        10_000,
		StreamQueueBound:   128,
		AcceptQueueBound:   128,
		OutboundQueueBound: 256,
		IdleTimeoutFactor:  3,
	}
}

// AcceptedStream pairs a freshly Open'd substream with the target its peer
// asked to dial.
type AcceptedStream struct {
	Target TargetAddr
	Stream *Stream
}

// Session is the multiplex state machine: it owns the substream table, the
// pending-open table, the frame-write fan-in, and the frame-read
// demultiplexer.
type Session struct {
	role Role
	cfg  Config
	log  *zap.Logger
	id   uuid.UUID

	carrier *Carrier

	outbound chan Frame
	closed   chan struct{}
	closeErr error
	closeMu  sync.Mutex

	tableMu sync.Mutex
	streams map[uint32]chan []byte
	pending map[uint32]chan error
	nextID  uint32
	idStep  uint32

	accept chan AcceptedStream

	lastFrameMu sync.Mutex
	lastFrameAt time.Time
}

// Start performs the handshake over carrier and, on success, launches the
// reader, writer, and keepalive tasks and returns a ready Session. On
// handshake failure the carrier is closed and a *Error is returned (KindAuth
// for a PSK mismatch, KindProtocol/KindIO otherwise); no substream is ever
// created in that case.
func Start(carrier *Carrier, cfg Config, role Role, log *zap.Logger) (*Session, error) {
	if cfg.MaxFrame == 0 {
		cfg.MaxFrame = DefaultMaxFrame
	}
	if cfg.KeepaliveMs == 0 {
		cfg.KeepaliveMs = 10_000
	}
	if cfg.StreamQueueBound <= 0 {
		cfg.StreamQueueBound = 128
	}
	if cfg.AcceptQueueBound <= 0 {
		cfg.AcceptQueueBound = 128
	}
	if cfg.OutboundQueueBound <= 0 {
		cfg.OutboundQueueBound = 256
	}
	if log == nil {
		log = zap.NewNop()
	}

	sessionID := uuid.New()
	log = log.With(zap.String("session_id", sessionID.String()), zap.String("role", role.String()))

	base, step := uint32(1), uint32(2)
	if role == RoleServer {
		base = 2
	}

	s := &Session{
		role:     role,
		cfg:      cfg,
		log:      log,
		id:       sessionID,
		carrier:  carrier,
		outbound: make(chan Frame, cfg.OutboundQueueBound),
		closed:   make(chan struct{}),
		streams:  make(map[uint32]chan []byte),
		pending:  make(map[uint32]chan error),
		nextID:   base,
		idStep:   step,
		accept:   make(chan AcceptedStream, cfg.AcceptQueueBound),
	}

	reasm := newReassembler(cfg.MaxFrame)
	if err := s.handshake(reasm); err != nil {
		carrier.Close()
		return nil, err
	}

	s.touchLastFrame()

	go s.readLoop(reasm)
	go s.writeLoop()
	go keepaliveLoop(s.outbound, time.Duration(cfg.KeepaliveMs)*time.Millisecond, s.closed)
	if cfg.IdleTimeoutFactor > 0 {
		go s.idleTimeoutLoop()
	}

	log.Info("mux session established")
	return s, nil
}

// handshake sends exactly one Hello and accepts exactly one remote Hello or
// HelloAck before returning. It writes directly to the carrier (the writer
// task is not running yet).
func (s *Session) handshake(reasm *reassembler) error {
	hello := buildHello(s.cfg.MaxFrame, s.cfg.KeepaliveMs, s.cfg.PSK)
	if err := s.writeRaw(hello); err != nil {
		return err
	}

	for {
		chunk, ok := <-s.carrier.Inbound()
		if !ok {
			return newErr(KindIO, "handshake: carrier closed before peer hello")
		}
		reasm.push(chunk)

		for {
			frame, ok, err := reasm.next()
			if err != nil {
				return wrapErr(KindProtocol, err, "handshake: decode failed")
			}
			if !ok {
				break
			}

			switch frame.Type {
			case FrameHello:
				if err := verifyHandshake(s.cfg.PSK, frame.Hello); err != nil {
					return err
				}
				ack := buildHelloAck(s.cfg.MaxFrame, s.cfg.KeepaliveMs, s.cfg.PSK, frame.Hello.Nonce)
				if err := s.writeRaw(ack); err != nil {
					return err
				}
				return nil
			case FrameHelloAck:
				if err := verifyHandshake(s.cfg.PSK, frame.Hello); err != nil {
					return err
				}
				return nil
			default:
				s.log.Debug("discarding non-handshake frame before handshake completion", zap.Stringer("type", frame.Type))
			}
		}
	}
}

// writeRaw encodes and writes a frame directly to the carrier, bypassing the
// outbound fan-in. Only used during the handshake, before the writer task
// exists.
func (s *Session) writeRaw(f Frame) error {
	b, err := Encode(f)
	if err != nil {
		return wrapErr(KindProtocol, err, "encode handshake frame")
	}
	select {
	case s.carrier.Outbound() <- b:
		return nil
	case <-s.closed:
		return newErr(KindIO, "session closing")
	}
}

// readLoop drains the carrier's inbound chunks, reassembles frames, and
// dispatches each to the appropriate table or queue. On decode error or
// carrier EOF it tears the session down.
func (s *Session) readLoop(reasm *reassembler) {
	defer s.teardown(nil)
	for {
		chunk, ok := <-s.carrier.Inbound()
		if !ok {
			return
		}
		reasm.push(chunk)

		for {
			frame, ok, err := reasm.next()
			if err != nil {
				s.log.Warn("fatal protocol error, tearing down session", zap.Error(err))
				s.teardown(err)
				return
			}
			if !ok {
				break
			}
			s.touchLastFrame()
			s.dispatch(frame)
		}
	}
}

func (s *Session) dispatch(frame Frame) {
	switch frame.Type {
	case FrameOpen:
		s.handleOpen(frame)
	case FrameOpenOk:
		s.completePending(frame.StreamID, nil)
	case FrameOpenErr:
		s.completePending(frame.StreamID, newErr(KindProtocol, frame.Message))
	case FrameData:
		s.handleData(frame)
	case FrameFin, FrameRst:
		s.removeStream(frame.StreamID)
	case FramePing:
		select {
		case s.outbound <- Frame{Type: FramePong, Nonce: frame.Nonce}:
		case <-s.closed:
		}
	case FramePong:
		// No action needed beyond the lastFrameAt bump above; idle timeout
		// is handled separately in idleTimeoutLoop.
	case FrameHello, FrameHelloAck:
		s.log.Debug("ignoring post-handshake hello")
	}
}

func (s *Session) handleOpen(frame Frame) {
	inbound := make(chan []byte, s.cfg.StreamQueueBound)
	s.tableMu.Lock()
	s.streams[frame.StreamID] = inbound
	s.tableMu.Unlock()

	stream := newStream(frame.StreamID, s.outbound, s.closed, inbound)
	select {
	case s.accept <- AcceptedStream{Target: frame.Target, Stream: stream}:
	case <-s.closed:
	}
}

func (s *Session) handleData(frame Frame) {
	s.tableMu.Lock()
	ch, ok := s.streams[frame.StreamID]
	s.tableMu.Unlock()
	if !ok {
		// A Fin/Rst may have already pruned this id; dropping is deliberate.
		return
	}
	select {
	case ch <- frame.Payload:
	case <-s.closed:
	}
}

func (s *Session) completePending(id uint32, err error) {
	s.tableMu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.tableMu.Unlock()
	if !ok {
		return
	}
	ch <- err
	close(ch)
}

func (s *Session) removeStream(id uint32) {
	s.tableMu.Lock()
	ch, ok := s.streams[id]
	if ok {
		delete(s.streams, id)
	}
	s.tableMu.Unlock()
	if ok {
		close(ch)
	}
}

// writeLoop drains outbound, encodes each frame, and pushes to the carrier.
// A push blocks while the carrier's queue is full; the loop exits once the
// session is closed.
func (s *Session) writeLoop() {
	for {
		select {
		case frame, ok := <-s.outbound:
			if !ok {
				return
			}
			b, err := Encode(frame)
			if err != nil {
				s.log.Debug("encode error, dropping frame", zap.Error(err))
				continue
			}
			select {
			case s.carrier.Outbound() <- b:
			case <-s.closed:
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) idleTimeoutLoop() {
	threshold := time.Duration(s.cfg.IdleTimeoutFactor) * time.Duration(s.cfg.KeepaliveMs) * time.Millisecond
	ticker := time.NewTicker(time.Duration(s.cfg.KeepaliveMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.lastFrameMu.Lock()
			idle := time.Since(s.lastFrameAt)
			s.lastFrameMu.Unlock()
			if idle > threshold {
				s.log.Warn("idle timeout, tearing down session", zap.Duration("idle", idle))
				s.teardown(newErr(KindTimeout, "no frames received within idle timeout"))
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) touchLastFrame() {
	s.lastFrameMu.Lock()
	s.lastFrameAt = time.Now()
	s.lastFrameMu.Unlock()
}

// teardown closes the session exactly once: it closes `closed` (unblocking
// every suspended send/receive with an error), closes every substream's
// inbound queue (payloads already queued stay readable), fails every pending open, closes the accept
// queue, and closes the carrier.
func (s *Session) teardown(cause error) {
	s.closeMu.Lock()
	select {
	case <-s.closed:
		s.closeMu.Unlock()
		return
	default:
	}
	s.closeErr = cause
	close(s.closed)
	s.closeMu.Unlock()

	s.tableMu.Lock()
	streams := s.streams
	s.streams = make(map[uint32]chan []byte)
	pending := s.pending
	s.pending = make(map[uint32]chan error)
	s.tableMu.Unlock()

	for _, ch := range streams {
		close(ch)
	}
	teardownErr := cause
	if teardownErr == nil {
		teardownErr = newErr(KindIO, "session closed")
	}
	for _, ch := range pending {
		ch <- teardownErr
		close(ch)
	}
	close(s.accept)
	s.carrier.Close()
}

// Close tears the session down from the outside (dropping all external
// session handles), the same as an internally detected fatal error.
func (s *Session) Close() { s.teardown(nil) }

// ID returns this session's session-scoped correlation id (not part of the
// wire protocol; used only for logs and metrics).
func (s *Session) ID() uuid.UUID { return s.id }

// OpenStream allocates a fresh local stream_id, registers its pending-open
// and inbound-queue entries transactionally, sends Open, and awaits
// OpenOk/OpenErr. On any failure (including cancellation-by-teardown) both
// table entries are removed before returning.
func (s *Session) OpenStream(target TargetAddr) (*Stream, error) {
	s.tableMu.Lock()
	id := s.nextID
	s.nextID += s.idStep
	if s.nextID == 0 {
		// Skip stream_id 0: never valid, and parity is preserved across
		// uint32 wraparound since idStep is even.
		s.nextID = s.idStep
	}

	inbound := make(chan []byte, s.cfg.StreamQueueBound)
	s.streams[id] = inbound
	pendingCh := make(chan error, 1)
	s.pending[id] = pendingCh
	s.tableMu.Unlock()

	cleanup := func() {
		s.tableMu.Lock()
		delete(s.streams, id)
		delete(s.pending, id)
		s.tableMu.Unlock()
	}

	select {
	case s.outbound <- Frame{Type: FrameOpen, StreamID: id, Target: target}:
	case <-s.closed:
		cleanup()
		return nil, newErr(KindIO, "session closed")
	}

	select {
	case err, ok := <-pendingCh:
		if !ok || err != nil {
			cleanup()
			if err != nil {
				return nil, err
			}
			return nil, newErr(KindIO, "session closed")
		}
		return newStream(id, s.outbound, s.closed, inbound), nil
	case <-s.closed:
		cleanup()
		return nil, newErr(KindIO, "session closed")
	}
}

// AcceptStream pops one (target, Stream) pair for a locally-received Open.
// ok is false once the session has ended and no further Opens will arrive.
func (s *Session) AcceptStream() (AcceptedStream, bool) {
	a, ok := <-s.accept
	return a, ok
}

// SendOpenOk tells the peer a server-accepted Open succeeded.
func (s *Session) SendOpenOk(id uint32) error {
	return s.sendControl(Frame{Type: FrameOpenOk, StreamID: id})
}

// SendOpenErr tells the peer a server-side Open failed, and eagerly prunes
// any local table entries for id.
func (s *Session) SendOpenErr(id uint32, code uint16, message string) error {
	s.pruneStream(id)
	return s.sendControl(Frame{Type: FrameOpenErr, StreamID: id, Code: code, Message: message})
}

// SendRst resets a substream, and eagerly prunes any local table entries
// for id.
func (s *Session) SendRst(id uint32, code uint16) error {
	s.pruneStream(id)
	return s.sendControl(Frame{Type: FrameRst, StreamID: id, Code: code})
}

func (s *Session) pruneStream(id uint32) {
	s.tableMu.Lock()
	delete(s.streams, id)
	delete(s.pending, id)
	s.tableMu.Unlock()
}

// sendControl enqueues f onto outbound. outbound itself is never closed (it
// has multiple concurrent senders, including Stream.send), so a plain
// `select { case outbound <- f: case <-closed: }` can race: Go picks
// among ready cases at random, and once closed has already fired the
// outbound branch can still be chosen if the queue has room, returning a
// success that the writer task — already exited — will never act on. The
// follow-up check below re-samples closed immediately after the enqueue so
// that case is reported as an error instead of a false nil.
func (s *Session) sendControl(f Frame) error {
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
