package sender

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/m-lab/fmtp/fmtp"
	"github.com/m-lab/fmtp/metrics"
	"github.com/m-lab/fmtp/stats"
)

// server owns the back-channel listener and the per-connection
// retransmission workers. Workers share nothing with each other: the
// file-descriptor cache and timeout set live on the connection, touched
// only by its worker; the one exception is the write path, which the
// sweep and control messages also use, so writes go through a per
// connection mutex.
type server struct {
	snd *Sender
	ln  net.Listener

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
	wg     sync.WaitGroup
}

// conn is one accepted back-channel connection.
type conn struct {
	id string
	nc net.Conn

	wmu sync.Mutex // serializes writes from worker, sweep, and control paths

	// Worker-local state. No lock: only this connection's worker touches
	// these.
	fdCache    map[uint32]*os.File
	timeoutSet map[uint32]struct{}
}

func newServer(snd *Sender, port uint16) (*server, error) {
	ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("back-channel listen :%d: %w", port, err)
	}
	srv := &server{snd: snd, ln: ln, conns: make(map[string]*conn)}
	srv.wg.Add(1)
	go srv.acceptLoop()
	return srv, nil
}

func (srv *server) acceptLoop() {
	defer srv.wg.Done()
	for {
		nc, err := srv.ln.Accept()
		if err != nil {
			srv.mu.Lock()
			closed := srv.closed
			srv.mu.Unlock()
			if !closed {
				srv.snd.log.Error("back-channel accept: %v", err)
			}
			return
		}
		c := &conn{
			id:         xid.New().String(),
			nc:         nc,
			fdCache:    make(map[uint32]*os.File),
			timeoutSet: make(map[uint32]struct{}),
		}
		srv.mu.Lock()
		if srv.closed {
			srv.mu.Unlock()
			nc.Close()
			return
		}
		srv.conns[c.id] = c
		srv.mu.Unlock()
		metrics.ConnectedReceivers.Inc()
		srv.snd.log.Info("receiver %s connected from %s", c.id, nc.RemoteAddr())

		srv.wg.Add(1)
		go srv.worker(c)
	}
}

// worker serves one connection until it dies, then unhooks it from every
// in-flight product.
func (srv *server) worker(c *conn) {
	defer srv.wg.Done()
	defer func() {
		srv.mu.Lock()
		delete(srv.conns, c.id)
		srv.mu.Unlock()
		metrics.ConnectedReceivers.Dec()
		c.nc.Close()
		for _, f := range c.fdCache {
			f.Close()
		}
		// A dead receiver can no longer acknowledge anything; products
		// waiting only on it are complete.
		for _, p := range srv.snd.store.RemoveConnection(c.id) {
			srv.snd.signalDone(p.ID, false)
		}
		srv.snd.log.Info("receiver %s disconnected", c.id)
	}()

	hdrBuf := make([]byte, fmtp.HeaderLen)
	for {
		if _, err := io.ReadFull(c.nc, hdrBuf); err != nil {
			return
		}
		hdr, err := fmtp.DecodeHeader(hdrBuf)
		if err != nil {
			metrics.ErrorCount.WithLabelValues("malformed_header").Inc()
			srv.snd.log.Warn("receiver %s sent a malformed header, dropping connection", c.id)
			return
		}
		body := make([]byte, hdr.DataLen)
		if _, err := io.ReadFull(c.nc, body); err != nil {
			return
		}

		switch {
		case hdr.Flags&fmtp.FlagRetransReq != 0:
			req, err := fmtp.DecodeRetransRequest(body)
			if err != nil {
				metrics.ErrorCount.WithLabelValues("malformed_message").Inc()
				continue
			}
			if err := srv.handleRetransReq(c, req); err != nil {
				srv.snd.log.Warn("retransmission to %s failed: %v", c.id, err)
				return
			}
		case hdr.Flags&fmtp.FlagRetransEnd != 0:
			if err := srv.handleRetransEnd(c, hdr.ProductID); err != nil {
				return
			}
		case hdr.Flags&fmtp.FlagHistoryStats != 0:
			srv.handleHistoryStats(c, body)
		default:
			// Unknown control traffic from a receiver is ignored.
		}
	}
}

// handleRetransReq replays [req.Seq, req.Seq+req.DataLen) of a product to
// one receiver, paced by the sender's rate shaper. Expired products get a
// single RETRANS_TIMEOUT instead, recorded in the worker's timeout set.
func (srv *server) handleRetransReq(c *conn, req fmtp.RetransRequest) error {
	p, ok := srv.snd.store.Get(req.ProductID)
	if !ok {
		srv.snd.log.Trace("retransmission request from %s for unknown product %d", c.id, req.ProductID)
		metrics.ErrorCount.WithLabelValues("product_unknown").Inc()
		return nil
	}
	if srv.snd.store.Expired(req.ProductID, time.Now()) {
		if _, seen := c.timeoutSet[req.ProductID]; seen {
			return nil
		}
		c.timeoutSet[req.ProductID] = struct{}{}
		if err := c.sendHeader(fmtp.Header{ProductID: req.ProductID, Flags: fmtp.FlagRetransTimeout}); err != nil {
			return err
		}
		if done := srv.snd.store.RemoveFinishedReceiver(req.ProductID, c.id); done != nil {
			srv.snd.signalDone(done.ID, true)
		}
		return nil
	}

	// Clamp to the product: a request never reads past the declared size.
	start := int64(req.Seq)
	end := start + int64(req.DataLen)
	if end > p.Size {
		end = p.Size
	}

	var packets, bytes uint64
	packet := make([]byte, fmtp.HeaderLen+srv.snd.maxData)
	for off := start; off < end; {
		n := int(end - off)
		if n > srv.snd.maxData {
			n = srv.snd.maxData
		}
		payload := packet[fmtp.HeaderLen : fmtp.HeaderLen+n]
		switch {
		case p.Data != nil:
			copy(payload, p.Data[off:off+int64(n)])
		default:
			f, err := c.file(p.ID, p.Path)
			if err != nil {
				return err
			}
			if _, err := f.ReadAt(payload, off); err != nil {
				return fmt.Errorf("read %s at %d: %w", p.Path, off, err)
			}
		}
		hdr := fmtp.Header{
			ProductID: p.ID,
			Seq:       uint32(off),
			DataLen:   uint32(n),
			Flags:     fmtp.FlagRetransData,
		}
		if err := fmtp.EncodeHeader(&hdr, packet); err != nil {
			return err
		}
		srv.snd.shaper.Retrieve(fmtp.HeaderLen + n + fmtp.LinkOverhead)
		c.wmu.Lock()
		_, err := c.nc.Write(packet[:fmtp.HeaderLen+n])
		c.wmu.Unlock()
		if err != nil {
			return err
		}
		off += int64(n)
		packets++
		bytes += uint64(n)
	}
	srv.snd.store.AddRetransStats(p.ID, packets, bytes)
	metrics.RetransPackets.Add(float64(packets))
	metrics.RetransBytes.Add(float64(bytes))
	return nil
}

// handleRetransEnd acknowledges a receiver's completion of a product:
// echo the RETRANS_END, drop worker-local state, and mark the receiver
// finished. The last acknowledgment releases the product.
func (srv *server) handleRetransEnd(c *conn, productID uint32) error {
	if err := c.sendHeader(fmtp.Header{ProductID: productID, Flags: fmtp.FlagRetransEnd}); err != nil {
		return err
	}
	if f, ok := c.fdCache[productID]; ok {
		f.Close()
		delete(c.fdCache, productID)
	}
	delete(c.timeoutSet, productID)
	if done := srv.snd.store.RemoveFinishedReceiver(productID, c.id); done != nil {
		srv.snd.signalDone(done.ID, false)
	}
	return nil
}

// handleHistoryStats forwards a receiver's history report upward.
func (srv *server) handleHistoryStats(c *conn, body []byte) {
	records, err := stats.ParseCSV(body)
	if err != nil {
		metrics.ErrorCount.WithLabelValues("malformed_message").Inc()
		srv.snd.log.Warn("unparseable history report from %s: %v", c.id, err)
		return
	}
	srv.snd.log.Info("history report from %s: %d products", c.id, len(records))
	if srv.snd.history != nil {
		srv.snd.history(c.id, records)
	}
}

// file returns the worker's cached descriptor for a file product, opening
// it on first use.
func (c *conn) file(productID uint32, path string) (*os.File, error) {
	if f, ok := c.fdCache[productID]; ok {
		return f, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	c.fdCache[productID] = f
	return f, nil
}

// sendHeader writes a bare header packet to the connection.
func (c *conn) sendHeader(hdr fmtp.Header) error {
	buf := make([]byte, fmtp.HeaderLen)
	if err := fmtp.EncodeHeader(&hdr, buf); err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.nc.Write(buf)
	return err
}

// sendSenderMessage writes a SENDER_MSG_EXP control packet.
func (c *conn) sendSenderMessage(msg fmtp.SenderMessage) error {
	hdr := fmtp.Header{
		ProductID: msg.ProductID,
		DataLen:   fmtp.SenderMessageLen,
		Flags:     fmtp.FlagSenderMsgExp,
	}
	buf := make([]byte, fmtp.HeaderLen+fmtp.SenderMessageLen)
	if err := fmtp.EncodeHeader(&hdr, buf); err != nil {
		return err
	}
	if err := fmtp.EncodeSenderMessage(&msg, buf[fmtp.HeaderLen:]); err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.nc.Write(buf)
	return err
}

func (srv *server) numConns() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.conns)
}

func (srv *server) connIDs() []string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	ids := make([]string, 0, len(srv.conns))
	for id := range srv.conns {
		ids = append(ids, id)
	}
	return ids
}

func (srv *server) get(connID string) (*conn, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	c, ok := srv.conns[connID]
	return c, ok
}

// sendTimeout tells one receiver the product is abandoned. A missing
// connection is not an error; the receiver is already gone.
func (srv *server) sendTimeout(connID string, productID uint32) error {
	c, ok := srv.get(connID)
	if !ok {
		return nil
	}
	return c.sendHeader(fmtp.Header{ProductID: productID, Flags: fmtp.FlagRetransTimeout})
}

// sendMessage delivers a control message to one receiver.
func (srv *server) sendMessage(connID string, msg fmtp.SenderMessage) error {
	c, ok := srv.get(connID)
	if !ok {
		return fmt.Errorf("no such connection %s", connID)
	}
	return c.sendSenderMessage(msg)
}

// broadcastMessage delivers a control message to every receiver.
func (srv *server) broadcastMessage(msg fmtp.SenderMessage) {
	srv.mu.Lock()
	conns := make([]*conn, 0, len(srv.conns))
	for _, c := range srv.conns {
		conns = append(conns, c)
	}
	srv.mu.Unlock()
	for _, c := range conns {
		if err := c.sendSenderMessage(msg); err != nil {
			srv.snd.log.Warn("control message to %s: %v", c.id, err)
		}
	}
}

// close stops accepting and drops every connection, which terminates the
// workers.
func (srv *server) close() {
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return
	}
	srv.closed = true
	conns := make([]*conn, 0, len(srv.conns))
	for _, c := range srv.conns {
		conns = append(conns, c)
	}
	srv.mu.Unlock()

	srv.ln.Close()
	for _, c := range conns {
		c.nc.Close()
	}
	srv.wg.Wait()
}
