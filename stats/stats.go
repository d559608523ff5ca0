// Package stats keeps per-product transfer records on the receiver and
// serializes them for reporting: CSV for files and tooling, and the same
// CSV text as the body of HISTORY_STATS messages sent to the sender on
// request.
package stats

import (
	"bytes"
	"io"
	"sync"

	"github.com/gocarina/gocsv"
)

// ProductRecord is one product's transfer history on a receiver.
type ProductRecord struct {
	Receiver         string  `csv:"receiver"`
	ProductID        uint32  `csv:"product_id"`
	Name             string  `csv:"name"`
	Size             int64   `csv:"size"`
	MulticastPackets uint64  `csv:"multicast_packets"`
	MulticastBytes   uint64  `csv:"multicast_bytes"`
	RetransPackets   uint64  `csv:"retrans_packets"`
	RetransBytes     uint64  `csv:"retrans_bytes"`
	MulticastSeconds float64 `csv:"multicast_seconds"`
	TotalSeconds     float64 `csv:"total_seconds"`
	RetransPercent   float64 `csv:"retrans_percent"`
	Failed           bool    `csv:"failed"`
}

// History is a threadsafe accumulator of product records. The receiver's
// dispatch goroutine appends; reporting may happen from any goroutine.
type History struct {
	mu       sync.Mutex
	receiver string
	records  []ProductRecord
}

// NewHistory returns an empty history for the named receiver instance.
func NewHistory(receiver string) *History {
	return &History{receiver: receiver}
}

// Add appends a record, stamping it with the receiver id.
func (h *History) Add(r ProductRecord) {
	r.Receiver = h.receiver
	if r.MulticastPackets+r.RetransPackets > 0 {
		total := float64(r.MulticastPackets + r.RetransPackets)
		r.RetransPercent = 100 * float64(r.RetransPackets) / total
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
}

// Reset discards all records.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = nil
}

// Len returns the number of records.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

// Records returns a copy of the accumulated records.
func (h *History) Records() []ProductRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ProductRecord, len(h.records))
	copy(out, h.records)
	return out
}

// WriteCSV writes the history as CSV, header row included.
func (h *History) WriteCSV(w io.Writer) error {
	records := h.Records()
	return gocsv.Marshal(&records, w)
}

// MarshalCSV returns the history as CSV bytes, the payload format of
// HISTORY_STATS messages.
func (h *History) MarshalCSV() ([]byte, error) {
	var buf bytes.Buffer
	if err := h.WriteCSV(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseCSV parses CSV bytes produced by MarshalCSV, as when the sender
// receives a HISTORY_STATS report.
func ParseCSV(b []byte) ([]ProductRecord, error) {
	var records []ProductRecord
	if err := gocsv.Unmarshal(bytes.NewReader(b), &records); err != nil {
		return nil, err
	}
	return records, nil
}
