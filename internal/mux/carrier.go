package mux

import (
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Duplex is the carrier contract consumed by Carrier: any reliable, ordered,
// full-duplex byte stream. A Bluetooth RFCOMM socket and a TCP connection
// both satisfy it; see internal/transport for the concrete implementations.
type Duplex interface {
	io.Reader
	io.Writer
	io.Closer
}

// CarrierConfig tunes the carrier's buffering and reporting.
type CarrierConfig struct {
	// MaxChunk bounds a single read from the duplex stream.
	MaxChunk int
	// QueueBound bounds both the outbound-bytes and inbound-chunk channels.
	QueueBound int
	// StatsInterval, when non-zero, starts a third worker that publishes
	// throughput counters at roughly this cadence.
	StatsInterval time.Duration
	// Metrics, when non-nil, receives live throughput counters in addition
	// to the best-effort log line. See metrics.go.
	Metrics *CarrierMetrics
}

// DefaultCarrierConfig returns the carrier's baseline tuning.
func DefaultCarrierConfig() CarrierConfig {
	return CarrierConfig{
		MaxChunk:   4096,
		QueueBound: 256,
	}
}

// Carrier wraps a raw duplex byte-stream in two bounded channels: Outbound
// accepts already-encoded frame bytes to be written; Inbound yields raw
// chunks as they arrive, in order, with arbitrary segmentation. Carrier owns
// two blocking OS-thread workers (reader, writer) so that synchronous RFCOMM
// I/O never blocks the cooperative session goroutines, plus an optional
// stats worker.
type Carrier struct {
	cfg CarrierConfig
	log *zap.Logger

	outbound chan []byte
	inbound  chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewCarrier spawns the reader and writer workers over stream and, if
// cfg.StatsInterval is non-zero, the stats worker. stream is owned by the
// Carrier from this point on; it is closed when either worker exits.
func NewCarrier(stream Duplex, cfg CarrierConfig, log *zap.Logger) *Carrier {
	if cfg.MaxChunk <= 0 {
		cfg.MaxChunk = 4096
	}
	if cfg.QueueBound <= 0 {
		cfg.QueueBound = 256
	}
	if log == nil {
		log = zap.NewNop()
	}

	c := &Carrier{
		cfg:      cfg,
		log:      log,
		outbound: make(chan []byte, cfg.QueueBound),
		inbound:  make(chan []byte, cfg.QueueBound),
		done:     make(chan struct{}),
	}

	var bytesIn, bytesOut counters
	start := time.Now()
	bytesIn.since, bytesOut.since = start, start

	go c.readLoop(stream, &bytesIn)
	go c.writeLoop(stream, &bytesOut)
	if cfg.StatsInterval > 0 {
		go c.statsLoop(&bytesIn, &bytesOut)
	}

	return c
}

// Outbound returns the sink for frame bytes destined for the wire.
func (c *Carrier) Outbound() chan<- []byte { return c.outbound }

// Inbound returns the source of raw chunks read from the wire. It is closed
// on EOF or read error.
func (c *Carrier) Inbound() <-chan []byte { return c.inbound }

// Close stops accepting further outbound writes. It does not forcibly
// interrupt an in-flight blocking read; the reader worker exits on its own
// once the underlying stream is closed by whichever side closed it.
func (c *Carrier) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

type counters struct {
	mu    sync.Mutex
	total uint64
	since time.Time
	delta uint64
}

func (ctr *counters) add(n int) {
	ctr.mu.Lock()
	ctr.total += uint64(n)
	ctr.delta += uint64(n)
	ctr.mu.Unlock()
}

func (ctr *counters) snapshot() (total uint64, rate float64) {
	ctr.mu.Lock()
	defer ctr.mu.Unlock()
	now := time.Now()
	if ctr.since.IsZero() {
		ctr.since = now
	}
	elapsed := now.Sub(ctr.since).Seconds()
	if elapsed > 0 {
		rate = float64(ctr.delta) / elapsed
	}
	ctr.delta = 0
	ctr.since = now
	return ctr.total, rate
}

// readLoop is a dedicated worker isolating the duplex stream's blocking
// Read from the rest of the session. It reads up to MaxChunk bytes at a
// time; on EOF it closes Inbound and exits; on error it logs and exits.
// Pushing onto Inbound blocks when the consumer is slow — that blocking is
// the carrier's only form of backpressure.
func (c *Carrier) readLoop(stream Duplex, bytesIn *counters) {
	defer close(c.inbound)
	defer c.Close()
	buf := make([]byte, c.cfg.MaxChunk)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			bytesIn.add(n)
			select {
			case c.inbound <- chunk:
			case <-c.done:
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				c.log.Debug("carrier read error", zap.Error(err))
			}
			return
		}
	}
}

// writeLoop drains Outbound and writes each chunk with write-all semantics.
// It exits on write error or once Outbound is closed and drained.
func (c *Carrier) writeLoop(stream Duplex, bytesOut *counters) {
	defer stream.Close()
	for {
		select {
		case chunk, ok := <-c.outbound:
			if !ok {
				return
			}
			if _, err := writeAll(stream, chunk); err != nil {
				c.log.Debug("carrier write error", zap.Error(err))
				return
			}
			bytesOut.add(len(chunk))
		case <-c.done:
			return
		}
	}
}

func writeAll(w io.Writer, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := w.Write(b[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

// statsLoop publishes best-effort throughput counters at cfg.StatsInterval.
// Counters are monotonic totals; rate is bytes/sec over the last interval.
func (c *Carrier) statsLoop(bytesIn, bytesOut *counters) {
	ticker := time.NewTicker(c.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			inTotal, inRate := bytesIn.snapshot()
			outTotal, outRate := bytesOut.snapshot()
			c.log.Debug("carrier throughput",
				zap.Uint64("bytes_in_total", inTotal),
				zap.Float64("bytes_in_per_sec", inRate),
				zap.Uint64("bytes_out_total", outTotal),
				zap.Float64("bytes_out_per_sec", outRate),
			)
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.observe(inTotal, inRate, outTotal, outRate)
			}
		case <-c.done:
			return
		}
	}
}
