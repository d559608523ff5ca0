package receiver_test

import (
	"bytes"
	"crypto/sha256"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"

	"github.com/m-lab/fmtp/config"
	"github.com/m-lab/fmtp/fmtp"
	"github.com/m-lab/fmtp/notifier"
	"github.com/m-lab/fmtp/receiver"
	"github.com/m-lab/fmtp/sender"
	"github.com/m-lab/fmtp/stats"
)

// recorder is a threadsafe Notifier that captures every callback.
type recorder struct {
	mu     sync.Mutex
	begins map[uint32]notifier.BeginInfo
	ends   map[uint32]int
	data   map[uint32][]byte
	paths  map[uint32]string
	missed map[uint32]int
	ignore map[uint32]bool
	dests  map[uint32][]byte
}

func newRecorder() *recorder {
	return &recorder{
		begins: make(map[uint32]notifier.BeginInfo),
		ends:   make(map[uint32]int),
		data:   make(map[uint32][]byte),
		paths:  make(map[uint32]string),
		missed: make(map[uint32]int),
		ignore: make(map[uint32]bool),
		dests:  make(map[uint32][]byte),
	}
}

func (r *recorder) OnBegin(info notifier.BeginInfo) notifier.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.begins[info.ProductID] = info
	if r.ignore[info.ProductID] {
		return notifier.Response{Ignore: true}
	}
	return notifier.Response{Dest: r.dests[info.ProductID]}
}

func (r *recorder) OnEnd(info notifier.EndInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends[info.ProductID]++
	r.data[info.ProductID] = info.Data
	r.paths[info.ProductID] = info.Path
}

func (r *recorder) OnMissed(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.missed[id]++
}

func (r *recorder) endCount(id uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ends[id]
}

func (r *recorder) missedCount(id uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.missed[id]
}

func (r *recorder) beginSeen(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.begins[id]
	return ok
}

func (r *recorder) anyBegin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.begins) > 0
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Timed out waiting for", what)
}

// pair wires a sender and a receiver together on loopback.
type pair struct {
	snd *sender.Sender
	rcv *receiver.Receiver
	rec *recorder
}

func newPair(t *testing.T, mcastPort, tcpPort uint16, mutateSnd func(*config.Sender), mutate func(*config.Receiver)) *pair {
	t.Helper()
	scfg := config.DefaultSender()
	scfg.MulticastAddr = "239.77.2.1"
	scfg.MulticastPort = mcastPort
	scfg.BackChannelPort = tcpPort
	scfg.InterfaceIP = "127.0.0.1"
	scfg.SendRateBps = 30e6
	scfg.RetxDeadlineFraction = 1e5
	if mutateSnd != nil {
		mutateSnd(&scfg)
	}

	snd, err := sender.New(scfg, fmtp.NullLogger())
	if err != nil {
		t.Skip("could not create sender (no multicast support?):", err)
	}
	t.Cleanup(func() { snd.Close() })

	rcfg := config.DefaultReceiver()
	rcfg.MulticastAddr = scfg.MulticastAddr
	rcfg.MulticastPort = mcastPort
	rcfg.SenderHost = "127.0.0.1"
	rcfg.SenderPort = tcpPort
	rcfg.InterfaceIP = "127.0.0.1"
	rcfg.OutputDir = t.TempDir()
	if mutate != nil {
		mutate(&rcfg)
	}

	rec := newRecorder()
	rcv, err := receiver.New(rcfg, rec, fmtp.NullLogger())
	rtx.Must(err, "Could not create receiver")
	t.Cleanup(func() { rcv.Stop() })
	rcv.Start()

	waitFor(t, 2*time.Second, "back-channel registration", func() bool {
		return snd.NumReceivers() > 0
	})

	p := &pair{snd: snd, rcv: rcv, rec: rec}
	p.warmUp(t)
	return p
}

// warmUp sends tiny products until one lands, proving the multicast path
// is live. Group joins can take a moment to settle, and environments
// without multicast loopback are skipped here.
func (p *pair) warmUp(t *testing.T) {
	t.Helper()
	for i := 0; i < 20; i++ {
		_, err := p.snd.SendMemory([]byte("warmup"))
		rtx.Must(err, "Could not send warmup product")
		deadline := time.Now().Add(250 * time.Millisecond)
		for time.Now().Before(deadline) {
			if p.rec.anyBegin() {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Skip("multicast loopback did not deliver; skipping")
}

func TestLosslessMemoryProduct(t *testing.T) {
	p := newPair(t, 25201, 25202, nil, nil)

	product := bytes.Repeat(seq256(), 4096) // 1 MiB
	id, err := p.snd.SendMemory(product)
	rtx.Must(err, "Could not send")

	waitFor(t, 10*time.Second, "end-of-product", func() bool {
		return p.rec.endCount(id) > 0
	})
	p.rec.mu.Lock()
	got := p.rec.data[id]
	p.rec.mu.Unlock()
	if !bytes.Equal(got, product) {
		t.Error("Delivered product is not byte-exact")
	}
	if n := p.rec.endCount(id); n != 1 {
		t.Error("Expected exactly one end notification, got", n)
	}
	if n := p.rec.missedCount(id); n != 0 {
		t.Error("Expected no missed notification, got", n)
	}
}

func TestPerProductDestination(t *testing.T) {
	p := newPair(t, 25203, 25204, nil, func(c *config.Receiver) {
		c.NotifierMode = "per_product"
	})

	product := bytes.Repeat([]byte("fmtp!"), 10000) // 50 KB
	dest := make([]byte, len(product))

	// The next product id is predictable: warmup products consumed the
	// earlier ids, and the sender is quiet now.
	idGuess := nextID(t, p)
	p.rec.mu.Lock()
	p.rec.dests[idGuess] = dest
	p.rec.mu.Unlock()

	id, err := p.snd.SendMemory(product)
	rtx.Must(err, "Could not send")
	if id != idGuess {
		t.Fatal("Product id moved underneath the test:", id, "!=", idGuess)
	}

	waitFor(t, 10*time.Second, "end-of-product", func() bool {
		return p.rec.endCount(id) > 0
	})
	if !bytes.Equal(dest, product) {
		t.Error("Product was not assembled into the caller's destination")
	}
}

func TestLossyFileProduct(t *testing.T) {
	p := newPair(t, 25205, 25206, nil, func(c *config.Receiver) {
		c.SimulatedLossPerMille = 50
	})

	// 1 MiB of pseudorandom bytes.
	rng := rand.New(rand.NewSource(0xC0FFEE))
	content := make([]byte, 1<<20)
	rng.Read(content)
	srcPath := filepath.Join(t.TempDir(), "product.dat")
	rtx.Must(os.WriteFile(srcPath, content, 0644), "Could not write source file")

	id, err := p.snd.SendFile(srcPath)
	rtx.Must(err, "Could not send file")

	waitFor(t, 20*time.Second, "end-of-product", func() bool {
		return p.rec.endCount(id) > 0
	})
	p.rec.mu.Lock()
	dstPath := p.rec.paths[id]
	p.rec.mu.Unlock()

	got, err := os.ReadFile(dstPath)
	rtx.Must(err, "Could not read reconstructed file")
	if sha256.Sum256(got) != sha256.Sum256(content) {
		t.Error("Reconstructed file differs from the source")
	}
	if n := p.rec.endCount(id); n != 1 {
		t.Error("Expected exactly one end notification, got", n)
	}

	// With 50 per mille synthetic loss over ~727 packets, gap recovery
	// must have done real work.
	records := p.rcv.History().Records()
	for _, r := range records {
		if r.ProductID == id && r.RetransBytes == 0 {
			t.Error("Expected retransmitted bytes for the lossy product")
		}
	}
}

func TestIgnoreAtBOP(t *testing.T) {
	p := newPair(t, 25207, 25208, nil, nil)

	ignored := nextID(t, p)
	p.rec.mu.Lock()
	p.rec.ignore[ignored] = true
	p.rec.mu.Unlock()

	id1, err := p.snd.SendMemory(bytes.Repeat([]byte{7}, 40000))
	rtx.Must(err, "Could not send")
	if id1 != ignored {
		t.Fatal("Product id moved underneath the test")
	}
	id2, err := p.snd.SendMemory([]byte("the next product"))
	rtx.Must(err, "Could not send")

	waitFor(t, 10*time.Second, "the follow-up product", func() bool {
		return p.rec.endCount(id2) > 0
	})
	// The ignored product saw its begin, then nothing else.
	if !p.rec.beginSeen(id1) {
		t.Error("Ignored product should still deliver its begin")
	}
	if n := p.rec.endCount(id1); n != 0 {
		t.Error("Ignored product must not deliver an end, got", n)
	}
	if n := p.rec.missedCount(id1); n != 0 {
		t.Error("Ignored product that completed must not read as missed, got", n)
	}
	p.rec.mu.Lock()
	got := p.rec.data[id2]
	p.rec.mu.Unlock()
	if string(got) != "the next product" {
		t.Error("Follow-up product corrupted:", got)
	}

	// Both products release on the sender: the ignored one via the
	// receiver's RETRANS_END sentinel at EOP.
	waitFor(t, 5*time.Second, "sender release", func() bool {
		return p.snd.IsTransferFinished(id1) && p.snd.IsTransferFinished(id2)
	})
}

func TestTotalLossEndsInMissed(t *testing.T) {
	p := newPair(t, 25209, 25210, func(c *config.Sender) {
		// Fraction zero selects the minimum deadline (10 ms), far shorter
		// than the ~53 ms multicast of 200 KB at 30 Mbps, so the
		// receiver's terminal-gap request arrives expired and draws
		// RETRANS_TIMEOUT.
		c.RetxDeadlineFraction = 0
	}, func(c *config.Receiver) {
		// Drop every DATA packet; BOP and EOP still arrive.
		c.SimulatedLossPerMille = 1000
	})

	id, err := p.snd.SendMemory(make([]byte, 200000))
	rtx.Must(err, "Could not send")

	waitFor(t, 10*time.Second, "missed notification", func() bool {
		return p.rec.missedCount(id) > 0
	})
	if n := p.rec.missedCount(id); n != 1 {
		t.Error("Expected exactly one missed notification, got", n)
	}
	if n := p.rec.endCount(id); n != 0 {
		t.Error("A missed product must not deliver an end, got", n)
	}
	waitFor(t, 5*time.Second, "sender release", func() bool {
		return p.snd.IsTransferFinished(id)
	})
}

func TestBOPsArriveInOrder(t *testing.T) {
	p := newPair(t, 25211, 25212, nil, nil)

	first := nextID(t, p)
	var ids []uint32
	for i := 0; i < 10; i++ {
		id, err := p.snd.SendMemory(bytes.Repeat([]byte{byte(i)}, 5000))
		rtx.Must(err, "Could not send")
		ids = append(ids, id)
	}
	waitFor(t, 10*time.Second, "all products", func() bool {
		for _, id := range ids {
			if p.rec.endCount(id) == 0 {
				return false
			}
		}
		return true
	})
	for i, id := range ids {
		if id != first+uint32(i) {
			t.Error("Products were not assigned increasing ids:", ids)
			break
		}
	}
}

func TestHistoryCollection(t *testing.T) {
	p := newPair(t, 25215, 25216, nil, nil)

	id, err := p.snd.SendMemory(bytes.Repeat([]byte{3}, 20000))
	rtx.Must(err, "Could not send")
	waitFor(t, 10*time.Second, "end-of-product", func() bool {
		return p.rec.endCount(id) > 0
	})

	var mu sync.Mutex
	var got []stats.ProductRecord
	p.snd.SetHistoryHandler(func(conn string, records []stats.ProductRecord) {
		mu.Lock()
		defer mu.Unlock()
		got = records
	})
	p.snd.CollectStats()

	waitFor(t, 5*time.Second, "history report", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, r := range got {
			if r.ProductID == id && !r.Failed {
				return true
			}
		}
		return false
	})
}

func TestStopIsIdempotent(t *testing.T) {
	p := newPair(t, 25213, 25214, nil, nil)
	p.rcv.Stop()
	p.rcv.Stop()
	// No deadlock or panic == success.
}

// nextID predicts the next product id by sending a probe product.
func nextID(t *testing.T, p *pair) uint32 {
	t.Helper()
	id, err := p.snd.SendMemory([]byte("probe"))
	rtx.Must(err, "Could not send probe")
	return id + 1
}

func seq256() []byte {
	b := make([]byte, 256)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}
