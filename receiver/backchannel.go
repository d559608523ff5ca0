package receiver

import (
	"io"
	"net"
	"time"

	"github.com/m-lab/fmtp/fmtp"
	"github.com/m-lab/fmtp/metrics"
	"github.com/m-lab/fmtp/notifier"
)

// Reconnect policy for a dropped back-channel. Retries are bounded: a
// sender that stays away longer than attempts*delay is treated as gone
// and the reader goroutine exits.
const (
	reconnectAttempts = 10
	reconnectDelay    = 500 * time.Millisecond
)

func (r *Receiver) currentConn() net.Conn {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	return r.conn
}

func (r *Receiver) setConn(nc net.Conn) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	r.conn = nc
}

// runBackchannelReader reads back-channel packets until the connection
// dies, then tries to re-establish it.
func (r *Receiver) runBackchannelReader() {
	defer r.wg.Done()
	for {
		err := r.readBackchannel(r.currentConn())
		if r.isStopped() {
			return
		}
		r.log.Warn("back-channel read: %v; reconnecting", err)
		if !r.reconnect() {
			r.log.Error("back-channel to %s lost for good", r.cfg.SenderAddr())
			return
		}
		// Anything in flight rode the dead connection; the dispatch
		// goroutine fails those products.
		if !r.deliver(packet{src: srcConnReset}) {
			return
		}
	}
}

// readBackchannel reads header-prefixed packets from one connection and
// feeds them to dispatch. It returns the first read error.
func (r *Receiver) readBackchannel(nc net.Conn) error {
	hdrBuf := make([]byte, fmtp.HeaderLen)
	for {
		if _, err := io.ReadFull(nc, hdrBuf); err != nil {
			return err
		}
		hdr, err := fmtp.DecodeHeader(hdrBuf)
		if err != nil {
			// A framing error on TCP means the stream is unusable.
			metrics.ErrorCount.WithLabelValues("malformed_header").Inc()
			return err
		}
		body := make([]byte, hdr.DataLen)
		if _, err := io.ReadFull(nc, body); err != nil {
			return err
		}
		if !r.deliver(packet{src: srcBackchannel, hdr: hdr, body: body}) {
			return nil
		}
	}
}

// reconnect dials the sender with bounded retries, installing the new
// connection for both the reader and the request sender.
func (r *Receiver) reconnect() bool {
	for i := 0; i < reconnectAttempts; i++ {
		if r.isStopped() {
			return false
		}
		nc, err := net.Dial("tcp", r.cfg.SenderAddr())
		if err == nil {
			r.setConn(nc)
			r.log.Info("back-channel to %s re-established", r.cfg.SenderAddr())
			return true
		}
		time.Sleep(reconnectDelay)
	}
	return false
}

// handleBackchannel dispatches one back-channel packet on the dispatch
// goroutine.
func (r *Receiver) handleBackchannel(p packet) {
	switch {
	case p.hdr.Flags&fmtp.FlagSenderMsgExp != 0:
		msg, err := fmtp.DecodeSenderMessage(p.body)
		if err != nil {
			metrics.ErrorCount.WithLabelValues("malformed_message").Inc()
			return
		}
		r.handleSenderMessage(msg)
	case p.hdr.Flags&fmtp.FlagRetransData != 0:
		r.handleData(p.hdr, p.body, true)
	case p.hdr.Flags&fmtp.FlagRetransEnd != 0:
		r.handleRetransEnd(p.hdr.ProductID)
	case p.hdr.Flags&fmtp.FlagRetransTimeout != 0:
		r.handleRetransTimeout(p.hdr.ProductID)
	}
}

// handleRetransEnd completes a product: the sender has replayed
// everything this receiver asked for, so the product is whole.
func (r *Receiver) handleRetransEnd(id uint32) {
	r.forget(id)
	st, ok := r.statusMap[id]
	if !ok {
		return
	}
	r.closeHandles(st)
	if !st.failed && !st.ignored && !st.notified {
		st.notified = true
		r.note.OnEnd(notifier.EndInfo{
			ProductID:      st.id,
			Size:           st.size,
			Name:           st.name,
			Duration:       time.Since(st.begin),
			RetransPackets: st.retxPackets,
			Data:           st.buf,
			Path:           st.path,
		})
		r.recordHistory(st, false)
		metrics.ProductsReceived.WithLabelValues("completed").Inc()
		metrics.ProductDuration.Observe(time.Since(st.begin).Seconds())
		if st.mcastPackets+st.retxPackets > 0 {
			total := float64(st.mcastPackets + st.retxPackets)
			metrics.RetransPercent.Observe(100 * float64(st.retxPackets) / total)
		}
	}
	delete(r.statusMap, st.id)
}

// handleRetransTimeout abandons a product on the sender's order.
func (r *Receiver) handleRetransTimeout(id uint32) {
	r.forget(id)
	st, ok := r.statusMap[id]
	if !ok {
		r.log.Trace("timeout for unknown product %d", id)
		return
	}
	st.failed = true
	r.closeHandles(st)
	if !st.notified {
		st.notified = true
		r.note.OnMissed(st.id)
		r.recordHistory(st, true)
		metrics.ProductsReceived.WithLabelValues("missed").Inc()
	}
	delete(r.statusMap, st.id)
}

// handleConnReset fails every in-flight product after a back-channel
// reconnect: their retransmission state died with the old connection.
func (r *Receiver) handleConnReset() {
	for _, st := range r.statusMap {
		st.failed = true
		r.closeHandles(st)
		if !st.notified {
			st.notified = true
			r.note.OnMissed(st.id)
			r.recordHistory(st, true)
			metrics.ProductsReceived.WithLabelValues("missed").Inc()
		}
		delete(r.statusMap, st.id)
	}
	r.readAhead = nil
}

// runRequestSender drains the request queue onto the back-channel. It is
// the only writer on the TCP connection.
func (r *Receiver) runRequestSender() {
	defer r.wg.Done()
	for {
		if _, err := r.reqQ.PeekWait(); err != nil {
			return // cancelled by Stop
		}
		entry, err := r.reqQ.RemoveNoWait()
		if err != nil {
			continue
		}
		req := entry.(request)
		if err := r.sendRequest(req); err != nil {
			if r.isStopped() {
				return
			}
			// The reader goroutine owns reconnection; this request is
			// lost and its product will miss its deadline.
			r.log.Warn("back-channel send: %v", err)
		}
	}
}

// sendRequest encodes and writes one queue entry.
func (r *Receiver) sendRequest(req request) error {
	var buf []byte
	switch {
	case req.history != nil:
		hdr := fmtp.Header{DataLen: uint32(len(req.history)), Flags: fmtp.FlagHistoryStats}
		buf = make([]byte, fmtp.HeaderLen+len(req.history))
		if err := fmtp.EncodeHeader(&hdr, buf); err != nil {
			return err
		}
		copy(buf[fmtp.HeaderLen:], req.history)
	case req.req.DataLen == 0:
		// RETRANS_END sentinel: bare header, empty body.
		hdr := fmtp.Header{ProductID: req.req.ProductID, Flags: fmtp.FlagRetransEnd}
		buf = make([]byte, fmtp.HeaderLen)
		if err := fmtp.EncodeHeader(&hdr, buf); err != nil {
			return err
		}
	default:
		hdr := fmtp.Header{
			ProductID: req.req.ProductID,
			DataLen:   fmtp.RetransRequestLen,
			Flags:     fmtp.FlagRetransReq,
		}
		buf = make([]byte, fmtp.HeaderLen+fmtp.RetransRequestLen)
		if err := fmtp.EncodeHeader(&hdr, buf); err != nil {
			return err
		}
		if err := fmtp.EncodeRetransRequest(&req.req, buf[fmtp.HeaderLen:]); err != nil {
			return err
		}
	}
	_, err := r.currentConn().Write(buf)
	return err
}

// Drain discards whatever is pending on the multicast socket without
// blocking, as after end-of-product when tearing down.
func (r *Receiver) Drain() {
	buf := make([]byte, fmtp.MaxPacketLen)
	for {
		n, err := r.channel.RecvPacketNoWait(buf)
		if n == 0 || err != nil {
			return
		}
	}
}

