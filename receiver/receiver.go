// Package receiver implements the FMTP receiving side: a dispatch loop
// multiplexing the multicast socket and the TCP back-channel, gap
// detection with retransmission requests, product assembly into files or
// memory, and the notification contract toward the application.
//
// The status map, the read-ahead slot, and all notifier callbacks are
// owned by the single dispatch goroutine; two socket-reader goroutines
// feed it decoded packets over a channel, so no per-product state needs a
// lock.
package receiver

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/m-lab/fmtp/config"
	"github.com/m-lab/fmtp/fmtp"
	"github.com/m-lab/fmtp/mcast"
	"github.com/m-lab/fmtp/metrics"
	"github.com/m-lab/fmtp/notifier"
	"github.com/m-lab/fmtp/queue"
	"github.com/m-lab/fmtp/stats"
)

// packet source markers for the dispatch channel.
type source int

const (
	srcMulticast = source(iota)
	srcBackchannel
	srcConnReset // back-channel reconnected; in-flight products are lost
)

type packet struct {
	src  source
	hdr  fmtp.Header
	body []byte
}

// request is one entry in the back-channel send queue: a retransmission
// request, the RETRANS_END sentinel (DataLen == 0), or a history report.
type request struct {
	req     fmtp.RetransRequest
	history []byte
}

// status tracks one in-flight product on the receiver.
type status struct {
	id      uint32
	size    int64
	name    string
	memory  bool
	ignored bool
	failed  bool
	// notified is set once a terminal notification (end or missed) has
	// been delivered, so no product ever gets a second one.
	notified  bool
	mcastDone bool

	buf      []byte   // memory products
	file     *os.File // file products, multicast path
	retxFile *os.File // file products, retransmission path
	path     string

	offset    int64 // contiguous multicast offset; never rewinds
	begin     time.Time
	mcastTime time.Duration

	mcastPackets, mcastBytes uint64
	retxPackets, retxBytes   uint64
}

// Receiver joins a multicast group, connects to the sender's back-channel,
// and delivers products to the application through a Notifier.
type Receiver struct {
	cfg  config.Receiver
	log  fmtp.Logger
	note notifier.Notifier
	mode notifier.Mode
	id   string

	channel *mcast.Channel
	reqQ    *queue.Queue
	history *stats.History

	connMu sync.Mutex
	conn   net.Conn

	dispatchC chan packet
	stopped   chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Dispatch-goroutine state. Never touched elsewhere.
	statusMap    map[uint32]*status
	readAhead    *packet
	lossPerMille int
	rng          *rand.Rand
	skewMeasured bool
	clockSkew    float64
	start        time.Time
}

// New validates cfg, joins the group, and connects the back-channel. The
// receiver does nothing until Start.
func New(cfg config.Receiver, note notifier.Notifier, logger fmtp.Logger) (*Receiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = fmtp.StdLogger(false)
	}
	if note == nil {
		note = notifier.Null()
	}
	channel, err := mcast.Join(cfg.Group(), cfg.InterfaceIP, 1)
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial("tcp", cfg.SenderAddr())
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("back-channel connect %s: %w", cfg.SenderAddr(), err)
	}
	id := xid.New().String()
	return &Receiver{
		cfg:          cfg,
		log:          logger,
		note:         note,
		mode:         cfg.Mode(),
		id:           id,
		channel:      channel,
		reqQ:         queue.New(),
		history:      stats.NewHistory(id),
		conn:         conn,
		dispatchC:    make(chan packet, 64),
		stopped:      make(chan struct{}),
		statusMap:    make(map[uint32]*status),
		lossPerMille: int(cfg.SimulatedLossPerMille),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		start:        time.Now(),
	}, nil
}

// ID returns the receiver's instance id, which stamps its history records.
func (r *Receiver) ID() string {
	return r.id
}

// History returns the receiver's product history accumulator.
func (r *Receiver) History() *stats.History {
	return r.history
}

// Start launches the reader, dispatch, and request-sender goroutines.
func (r *Receiver) Start() {
	r.wg.Add(4)
	go r.runMulticastReader()
	go r.runBackchannelReader()
	go r.runDispatch()
	go r.runRequestSender()
}

// Stop shuts the receiver down: both sockets are closed (unblocking the
// readers), the request queue is cancelled (unblocking the sender
// goroutine), and all goroutines are joined. Stop is idempotent. It must
// be called from an ordinary goroutine, never from a signal handler.
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)
		r.channel.Close()
		r.connMu.Lock()
		r.conn.Close()
		r.connMu.Unlock()
		r.reqQ.Cancel()
	})
	r.wg.Wait()
}

func (r *Receiver) isStopped() bool {
	select {
	case <-r.stopped:
		return true
	default:
		return false
	}
}

// deliver hands a packet to the dispatch goroutine, giving up at Stop.
func (r *Receiver) deliver(p packet) bool {
	select {
	case r.dispatchC <- p:
		return true
	case <-r.stopped:
		return false
	}
}

// runMulticastReader moves datagrams from the multicast socket into the
// dispatch channel.
func (r *Receiver) runMulticastReader() {
	defer r.wg.Done()
	buf := make([]byte, fmtp.MaxPacketLen)
	for {
		n, err := r.channel.RecvPacket(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue // transient: a Drain left a deadline behind
			}
			if !r.isStopped() {
				r.log.Error("multicast receive: %v", err)
			}
			return
		}
		hdr, err := fmtp.DecodeHeader(buf[:n])
		if err != nil {
			metrics.ErrorCount.WithLabelValues("malformed_header").Inc()
			continue
		}
		if int(hdr.DataLen) > n-fmtp.HeaderLen {
			metrics.ErrorCount.WithLabelValues("malformed_header").Inc()
			continue
		}
		body := make([]byte, hdr.DataLen)
		copy(body, buf[fmtp.HeaderLen:fmtp.HeaderLen+int(hdr.DataLen)])
		if !r.deliver(packet{src: srcMulticast, hdr: hdr, body: body}) {
			return
		}
	}
}

// runDispatch is the receiver's single-threaded core: every status-map
// mutation and every notifier callback happens here.
func (r *Receiver) runDispatch() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopped:
			return
		case p := <-r.dispatchC:
			switch p.src {
			case srcMulticast:
				r.handleMulticast(p)
			case srcBackchannel:
				r.handleBackchannel(p)
			case srcConnReset:
				r.handleConnReset()
			}
		}
	}
}

func (r *Receiver) handleMulticast(p packet) {
	switch {
	case p.hdr.Flags&fmtp.FlagBOF != 0:
		msg, err := fmtp.DecodeSenderMessage(p.body)
		if err != nil {
			metrics.ErrorCount.WithLabelValues("malformed_message").Inc()
			return
		}
		r.handleBOF(msg)
	case p.hdr.Flags&fmtp.FlagEOF != 0:
		r.handleEOF(p.hdr.ProductID)
	case p.hdr.Flags == fmtp.FlagData:
		r.handleData(p.hdr, p.body, false)
	}
}

// handleBOF announces a product to the application and allocates its
// receive state. A stashed read-ahead packet for the same product is
// committed immediately after.
func (r *Receiver) handleBOF(msg fmtp.SenderMessage) {
	if _, dup := r.statusMap[msg.ProductID]; dup {
		return
	}
	if !r.skewMeasured {
		r.clockSkew = time.Since(r.start).Seconds() - msg.Timestamp
		r.skewMeasured = true
		r.log.Trace("sender clock skew estimate: %.6f seconds", r.clockSkew)
	}

	memory := msg.MsgType == fmtp.MsgMemoryTransferStart
	st := &status{
		id:     msg.ProductID,
		size:   int64(msg.DataLen),
		name:   msg.Text,
		memory: memory,
		begin:  time.Now(),
	}
	resp := r.note.OnBegin(notifier.BeginInfo{
		ProductID: msg.ProductID,
		Size:      st.size,
		Name:      msg.Text,
		Memory:    memory,
		Timestamp: msg.Timestamp,
	})
	switch {
	case resp.Ignore:
		st.ignored = true
	case memory:
		if r.mode == notifier.PerProduct && resp.Dest != nil {
			if int64(len(resp.Dest)) < st.size {
				r.log.Warn("destination for product %d holds %d of %d bytes; allocating instead",
					st.id, len(resp.Dest), st.size)
				st.buf = make([]byte, st.size)
			} else {
				st.buf = resp.Dest[:st.size]
			}
		} else {
			st.buf = make([]byte, st.size)
		}
	default:
		st.path = filepath.Join(r.cfg.OutputDir, filepath.Base(msg.Text))
		f, err := os.OpenFile(st.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			r.log.Error("open backing file for product %d: %v", st.id, err)
			r.failProduct(st)
		} else {
			st.file = f
		}
	}
	r.statusMap[st.id] = st

	if r.readAhead != nil && r.readAhead.hdr.ProductID == st.id {
		stashed := *r.readAhead
		r.readAhead = nil
		r.handleData(stashed.hdr, stashed.body, false)
	}
}

// handleData writes one DATA or RETRANS_DATA payload. The multicast path
// detects gaps and advances the contiguous offset; the retransmission
// path writes through a separate handle and never moves it.
func (r *Receiver) handleData(hdr fmtp.Header, body []byte, retrans bool) {
	st, ok := r.statusMap[hdr.ProductID]
	if !ok {
		// DATA from a product whose BOP has not arrived yet: keep one
		// packet in the read-ahead slot, committed if the BOP shows up.
		if !retrans && r.readAhead == nil {
			r.readAhead = &packet{hdr: hdr, body: body}
		}
		return
	}
	if st.failed || st.ignored {
		return
	}
	seq := int64(hdr.Seq)
	n := int64(hdr.DataLen)
	if seq+n > st.size || int(hdr.DataLen) != len(body) {
		metrics.ErrorCount.WithLabelValues("malformed_message").Inc()
		return
	}

	if !retrans {
		// Synthetic loss applies to multicast DATA only, never to
		// control packets or retransmissions.
		if r.lossPerMille > 0 && r.rng.Intn(1000) < r.lossPerMille {
			return
		}
		if seq > st.offset {
			r.requestRange(st.id, st.offset, seq)
		} else if seq < st.offset {
			// Duplicate or late packet; the offset never rewinds.
			return
		}
	}

	if err := r.writePayload(st, body, seq, retrans); err != nil {
		r.log.Error("write product %d at %d: %v", st.id, seq, err)
		r.failProduct(st)
		return
	}

	if retrans {
		st.retxPackets++
		st.retxBytes += uint64(n)
		metrics.RecvPackets.WithLabelValues("retrans").Inc()
		metrics.RecvBytes.WithLabelValues("retrans").Add(float64(n))
	} else {
		st.offset = seq + n
		st.mcastPackets++
		st.mcastBytes += uint64(n)
		metrics.RecvPackets.WithLabelValues("multicast").Inc()
		metrics.RecvBytes.WithLabelValues("multicast").Add(float64(n))
	}
}

// writePayload lands payload at offset seq through the path-appropriate
// handle.
func (r *Receiver) writePayload(st *status, body []byte, seq int64, retrans bool) error {
	if st.memory {
		copy(st.buf[seq:seq+int64(len(body))], body)
		return nil
	}
	if retrans {
		if st.retxFile == nil {
			f, err := os.OpenFile(st.path, os.O_WRONLY, 0)
			if err != nil {
				return err
			}
			st.retxFile = f
		}
		_, err := st.retxFile.WriteAt(body, seq)
		return err
	}
	_, err := st.file.WriteAt(body, seq)
	return err
}

// handleEOF closes the multicast phase of a product: request the terminal
// gap if the stream fell short, then queue the RETRANS_END sentinel. The
// sentinel is sent even for unknown products so the sender never waits on
// a receiver that missed the whole multicast phase.
func (r *Receiver) handleEOF(id uint32) {
	st, ok := r.statusMap[id]
	if ok {
		st.mcastDone = true
		st.mcastTime = time.Since(st.begin)
		switch {
		case st.ignored:
			// Ignored products are discarded at EOP with no
			// notification of any kind.
			r.removeStatus(st)
			metrics.ProductsReceived.WithLabelValues("discarded").Inc()
		case !st.failed && st.offset < st.size:
			r.requestRange(id, st.offset, st.size)
			st.offset = st.size
		}
	}
	if err := r.reqQ.Add(request{req: fmtp.RetransRequest{ProductID: id}}); err != nil {
		r.log.Warn("queue RETRANS_END for product %d: %v", id, err)
	}
}

// requestRange enqueues a retransmission request for [from, to).
func (r *Receiver) requestRange(id uint32, from, to int64) {
	err := r.reqQ.Add(request{req: fmtp.RetransRequest{
		ProductID: id,
		Seq:       uint32(from),
		DataLen:   uint32(to - from),
	}})
	if err != nil {
		r.log.Warn("queue retransmission request for product %d: %v", id, err)
		return
	}
	metrics.GapRequests.Inc()
}

// failProduct marks a product failed and delivers its missed
// notification. The status entry stays in the map to absorb the
// product's remaining traffic; it is removed when the back-channel
// delivers the product's terminal message.
func (r *Receiver) failProduct(st *status) {
	if st.failed {
		return
	}
	st.failed = true
	r.closeHandles(st)
	if !st.notified {
		st.notified = true
		r.note.OnMissed(st.id)
	}
	// Tell the sender we are done with this product so its metadata can
	// be released without waiting for the deadline.
	if err := r.reqQ.Add(request{req: fmtp.RetransRequest{ProductID: st.id}}); err != nil {
		r.log.Warn("queue RETRANS_END for failed product %d: %v", st.id, err)
	}
	r.recordHistory(st, true)
	metrics.ProductsReceived.WithLabelValues("missed").Inc()
}

func (r *Receiver) closeHandles(st *status) {
	if st.file != nil {
		st.file.Close()
		st.file = nil
	}
	if st.retxFile != nil {
		st.retxFile.Close()
		st.retxFile = nil
	}
}

func (r *Receiver) removeStatus(st *status) {
	r.closeHandles(st)
	delete(r.statusMap, st.id)
	r.forget(st.id)
}

// forget drops a stale read-ahead packet once its product is terminal,
// freeing the slot for a future product.
func (r *Receiver) forget(id uint32) {
	if r.readAhead != nil && r.readAhead.hdr.ProductID == id {
		r.readAhead = nil
	}
}

func (r *Receiver) recordHistory(st *status, failed bool) {
	r.history.Add(stats.ProductRecord{
		ProductID:        st.id,
		Name:             st.name,
		Size:             st.size,
		MulticastPackets: st.mcastPackets,
		MulticastBytes:   st.mcastBytes,
		RetransPackets:   st.retxPackets,
		RetransBytes:     st.retxBytes,
		MulticastSeconds: st.mcastTime.Seconds(),
		TotalSeconds:     time.Since(st.begin).Seconds(),
		Failed:           failed,
	})
}

// handleSenderMessage acts on operator commands arriving over the
// back-channel.
func (r *Receiver) handleSenderMessage(msg fmtp.SenderMessage) {
	switch msg.MsgType {
	case fmtp.MsgResetHistoryStats:
		r.history.Reset()
	case fmtp.MsgSetLossRate:
		rate, err := strconv.Atoi(msg.Text)
		if err != nil || rate < 0 || rate > 1000 {
			r.log.Warn("bad loss rate %q from sender", msg.Text)
			return
		}
		r.lossPerMille = rate
		r.log.Info("synthetic loss rate set to %d per mille", rate)
	case fmtp.MsgCollectStats:
		body, err := r.history.MarshalCSV()
		if err != nil {
			r.log.Error("marshal history report: %v", err)
			return
		}
		if len(body) > 0xffff {
			r.log.Warn("history report of %d bytes exceeds one packet; reset history to report again", len(body))
			return
		}
		if err := r.reqQ.Add(request{history: body}); err != nil {
			r.log.Warn("queue history report: %v", err)
		}
	default:
		r.log.Trace("ignoring sender message type %d", msg.MsgType)
	}
}
