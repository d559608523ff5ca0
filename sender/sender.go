// Package sender implements the FMTP sending side: the rate-shaped
// multicast engine that turns memory buffers and files into BOP/DATA/EOP
// packet streams, the TCP back-channel server, and the per-connection
// retransmission workers that replay lost ranges to individual receivers.
package sender

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/m-lab/fmtp/config"
	"github.com/m-lab/fmtp/fmtp"
	"github.com/m-lab/fmtp/mcast"
	"github.com/m-lab/fmtp/metadata"
	"github.com/m-lab/fmtp/metrics"
	"github.com/m-lab/fmtp/shaper"
	"github.com/m-lab/fmtp/stats"
)

// minRetxTimeout is the floor on every product's retransmission window.
const minRetxTimeout = 10 * time.Millisecond

// ErrClosed is returned by Send* after Close.
var ErrClosed = errors.New("sender is closed")

// Done reports a product that reached a terminal state.
type Done struct {
	ProductID uint32
	// TimedOut is true when the deadline fired before every receiver
	// acknowledged retransmission completion.
	TimedOut bool
}

// HistoryHandler receives HISTORY_STATS reports forwarded up from
// retransmission workers, keyed by back-channel connection id.
type HistoryHandler func(conn string, records []stats.ProductRecord)

// Sender multicasts products to a group and serves retransmissions over
// per-receiver TCP connections. Create one with New; SendMemory and
// SendFile may be called from one goroutine at a time.
type Sender struct {
	cfg     config.Sender
	log     fmtp.Logger
	shaper  *shaper.Shaper
	channel *mcast.Channel
	store   *metadata.Store
	server  *server

	maxData int
	start   time.Time

	mu     sync.Mutex
	nextID uint32
	closed bool

	doneC    chan Done
	progress func(productID uint32, sent, total int64)
	history  HistoryHandler
}

// New validates cfg, joins the multicast group, and starts the
// back-channel server. The logger may be nil for the standard sink.
func New(cfg config.Sender, logger fmtp.Logger) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = fmtp.StdLogger(false)
	}
	channel, err := mcast.Join(cfg.Group(), cfg.InterfaceIP, int(cfg.TTL))
	if err != nil {
		return nil, err
	}
	s := &Sender{
		cfg:     cfg,
		log:     logger,
		shaper:  shaper.New(cfg.SendRateBps),
		channel: channel,
		store:   metadata.NewStore(),
		maxData: int(cfg.MTUDataLen) - fmtp.HeaderLen,
		start:   time.Now(),
		nextID:  cfg.InitialProductID,
		doneC:   make(chan Done, 1024),
	}
	s.server, err = newServer(s, cfg.BackChannelPort)
	if err != nil {
		channel.Close()
		return nil, err
	}
	return s, nil
}

// Done delivers terminal product states: the product's metadata has been
// released and its backing bytes may be reclaimed by the application.
func (s *Sender) Done() <-chan Done {
	return s.doneC
}

// SetProgress installs a callback invoked after each multicast DATA
// packet of a product. Used by CLI tooling; may be nil.
func (s *Sender) SetProgress(fn func(productID uint32, sent, total int64)) {
	s.progress = fn
}

// SetHistoryHandler installs the consumer for receiver history reports.
func (s *Sender) SetHistoryHandler(fn HistoryHandler) {
	s.history = fn
}

// SetRate reconfigures the emission rate in bits per second.
func (s *Sender) SetRate(bps float64) {
	s.shaper.SetRate(bps)
}

// NumReceivers returns the live back-channel connection count.
func (s *Sender) NumReceivers() int {
	return s.server.numConns()
}

// Receivers returns the ids of the live back-channel connections.
func (s *Sender) Receivers() []string {
	return s.server.connIDs()
}

// IsTransferFinished reports whether the product has reached a terminal
// state and its metadata has been released.
func (s *Sender) IsTransferFinished(id uint32) bool {
	return s.store.IsTransferFinished(id)
}

// SendMemory multicasts a memory product. It returns the product id once
// the product has been fully multicast — not yet acknowledged; completion
// arrives on Done.
func (s *Sender) SendMemory(data []byte) (uint32, error) {
	p, err := s.begin(metadata.Memory, int64(len(data)), "", data)
	if err != nil {
		return 0, err
	}
	if err := s.sendBOP(p, fmtp.MsgMemoryTransferStart); err != nil {
		return p.ID, err
	}
	if err := s.multicastRange(p, data, 0); err != nil {
		return p.ID, err
	}
	return p.ID, s.finishMulticast(p)
}

// SendFile multicasts a file product. The file is mapped in windows and
// never held in memory whole.
func (s *Sender) SendFile(path string) (uint32, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	p, err := s.begin(metadata.File, fi.Size(), path, nil)
	if err != nil {
		return 0, err
	}
	if err := s.sendBOP(p, fmtp.MsgFileTransferStart); err != nil {
		return p.ID, err
	}

	f, err := os.Open(path)
	if err != nil {
		return p.ID, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	// Window size: up to 4096 packets' worth of payload, rounded down to
	// a page multiple so every window offset stays mmap-alignable.
	window := 4096 * s.maxData
	page := unix.Getpagesize()
	window -= window % page
	if window < page {
		window = page
	}

	var offset int64
	remaining := p.Size
	for remaining > 0 {
		length := int64(window)
		if remaining < length {
			length = remaining
		}
		buf, err := unix.Mmap(int(f.Fd()), offset, int(length), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			return p.ID, fmt.Errorf("mmap %s at %d: %w", path, offset, err)
		}
		sendErr := s.multicastRange(p, buf, offset)
		if err := unix.Munmap(buf); err != nil && sendErr == nil {
			sendErr = err
		}
		if sendErr != nil {
			return p.ID, sendErr
		}
		offset += length
		remaining -= length
	}
	return p.ID, s.finishMulticast(p)
}

// begin allocates metadata for the next product, snapshotting the current
// connection set as its unfinished receivers.
func (s *Sender) begin(kind metadata.Kind, size int64, path string, data []byte) (*metadata.Product, error) {
	s.sweepExpired()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	id := s.nextID
	s.nextID++ // wraps at 2^32 by uint32 arithmetic
	p := metadata.NewProduct(id, kind, size, s.server.connIDs())
	p.Path = path
	p.Name = path
	p.Data = data
	s.store.Insert(p)
	return p, nil
}

// sendBOP multicasts the beginning-of-product control packet.
func (s *Sender) sendBOP(p *metadata.Product, msgType uint32) error {
	hdr := fmtp.Header{
		SrcPort:   s.cfg.BackChannelPort,
		DstPort:   uint16(s.channel.Port()),
		ProductID: p.ID,
		Seq:       0,
		DataLen:   fmtp.SenderMessageLen,
		Flags:     fmtp.FlagBOF,
	}
	msg := fmtp.SenderMessage{
		MsgType:   msgType,
		ProductID: p.ID,
		DataLen:   uint32(p.Size),
		Text:      p.Name,
		Timestamp: time.Since(s.start).Seconds(),
	}
	buf := make([]byte, fmtp.HeaderLen+fmtp.SenderMessageLen)
	if err := fmtp.EncodeHeader(&hdr, buf); err != nil {
		return err
	}
	if err := fmtp.EncodeSenderMessage(&msg, buf[fmtp.HeaderLen:]); err != nil {
		return err
	}
	s.shaper.Retrieve(len(buf) + fmtp.LinkOverhead)
	if _, err := s.channel.SendPacket(buf); err != nil {
		return fmt.Errorf("BOP for product %d: %w", p.ID, err)
	}
	metrics.MulticastPackets.WithLabelValues("bof").Inc()
	return nil
}

// multicastRange chunks data into DATA packets with sequence numbers
// starting at startSeq, each paced by the rate shaper.
func (s *Sender) multicastRange(p *metadata.Product, data []byte, startSeq int64) error {
	packet := make([]byte, fmtp.HeaderLen+s.maxData)
	hdr := fmtp.Header{
		SrcPort:   s.cfg.BackChannelPort,
		DstPort:   uint16(s.channel.Port()),
		ProductID: p.ID,
		Flags:     fmtp.FlagData,
	}
	offset := 0
	for offset < len(data) {
		n := len(data) - offset
		if n > s.maxData {
			n = s.maxData
		}
		hdr.Seq = uint32(startSeq + int64(offset))
		hdr.DataLen = uint32(n)
		if err := fmtp.EncodeHeader(&hdr, packet); err != nil {
			return err
		}
		copy(packet[fmtp.HeaderLen:], data[offset:offset+n])

		s.shaper.Retrieve(fmtp.HeaderLen + n + fmtp.LinkOverhead)
		if _, err := s.channel.SendPacket(packet[:fmtp.HeaderLen+n]); err != nil {
			return fmt.Errorf("DATA for product %d at %d: %w", p.ID, hdr.Seq, err)
		}
		offset += n

		p.Stats.SentPackets++
		p.Stats.SentBytes += uint64(n)
		metrics.MulticastPackets.WithLabelValues("data").Inc()
		metrics.MulticastBytes.Add(float64(n))
		if s.progress != nil {
			s.progress(p.ID, startSeq+int64(offset), p.Size)
		}
	}
	return nil
}

// finishMulticast emits EOP, computes and stores the retransmission
// deadline, and releases the product immediately when no receivers are
// connected.
func (s *Sender) finishMulticast(p *metadata.Product) error {
	hdr := fmtp.Header{
		SrcPort:   s.cfg.BackChannelPort,
		DstPort:   uint16(s.channel.Port()),
		ProductID: p.ID,
		Seq:       uint32(p.Size),
		DataLen:   0,
		Flags:     fmtp.FlagEOF,
	}
	buf := make([]byte, fmtp.HeaderLen)
	if err := fmtp.EncodeHeader(&hdr, buf); err != nil {
		return err
	}
	s.shaper.Retrieve(len(buf) + fmtp.LinkOverhead)
	if _, err := s.channel.SendPacket(buf); err != nil {
		return fmt.Errorf("EOP for product %d: %w", p.ID, err)
	}
	metrics.MulticastPackets.WithLabelValues("eof").Inc()

	p.Stats.TransTime = time.Since(p.Start)
	s.store.SetDeadline(p.ID, p.Start.Add(s.deadline(p.Size)))

	if done := s.store.EraseIfFinished(p.ID); done != nil {
		s.signalDone(done.ID, false)
	}
	return nil
}

// deadline computes the retransmission window for a product of the given
// size: the nominal multicast duration scaled by (1 + fraction), floored
// at the protocol minimum. A zero fraction selects the bare minimum
// window.
func (s *Sender) deadline(size int64) time.Duration {
	if s.cfg.RetxDeadlineFraction == 0 {
		return minRetxTimeout
	}
	nominal := float64(size*8) / s.shaper.Rate()
	d := time.Duration(nominal * (1 + s.cfg.RetxDeadlineFraction) * float64(time.Second))
	if d < minRetxTimeout {
		d = minRetxTimeout
	}
	return d
}

// SweepExpired abandons products whose deadline has passed. The sender
// runs the sweep lazily at each send and on Close; a caller idling on
// Done should nudge it periodically.
func (s *Sender) SweepExpired() {
	s.sweepExpired()
}

// sweepExpired abandons every product whose deadline has passed: the
// remaining unfinished receivers get a RETRANS_TIMEOUT and the metadata
// is released. Called lazily at the start of each send and on Close; the
// request path performs the same check per receiver, so there is no
// timer thread.
func (s *Sender) sweepExpired() {
	expired := s.store.ExpiredProducts(time.Now())
	for id, conns := range expired {
		if s.store.Erase(id) == nil {
			continue
		}
		for _, connID := range conns {
			if err := s.server.sendTimeout(connID, id); err != nil {
				s.log.Warn("timeout notice for product %d to %s: %v", id, connID, err)
			}
		}
		s.log.Info("product %d abandoned at deadline with %d receivers unfinished", id, len(conns))
		s.signalDone(id, true)
	}
}

// signalDone reports a terminal product state on the Done channel.
func (s *Sender) signalDone(id uint32, timedOut bool) {
	outcome := "completed"
	if timedOut {
		outcome = "timeout"
	}
	metrics.ProductOutcomes.WithLabelValues(outcome).Inc()
	select {
	case s.doneC <- Done{ProductID: id, TimedOut: timedOut}:
	default:
		s.log.Warn("done signal for product %d dropped: channel full", id)
	}
}

// ResetAllReceiverStats tells every connected receiver to clear its
// history statistics.
func (s *Sender) ResetAllReceiverStats() {
	s.server.broadcastMessage(fmtp.SenderMessage{MsgType: fmtp.MsgResetHistoryStats})
}

// CollectStats asks every connected receiver for a HISTORY_STATS report;
// reports arrive through the handler installed with SetHistoryHandler.
func (s *Sender) CollectStats() {
	s.server.broadcastMessage(fmtp.SenderMessage{MsgType: fmtp.MsgCollectStats})
}

// SetReceiverLossRate sets the synthetic loss rate (per mille) on one
// receiver, identified by back-channel connection id.
func (s *Sender) SetReceiverLossRate(connID string, perMille int) error {
	return s.server.sendMessage(connID, fmtp.SenderMessage{
		MsgType: fmtp.MsgSetLossRate,
		Text:    fmt.Sprintf("%d", perMille),
	})
}

// Close abandons expired products, stops the back-channel server, and
// closes the multicast channel. Close is idempotent.
func (s *Sender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.sweepExpired()
	s.server.close()
	return s.channel.Close()
}
