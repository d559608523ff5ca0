package stats

import (
	"strings"
	"testing"

	"github.com/go-test/deep"
)

func TestHistoryRoundTrip(t *testing.T) {
	h := NewHistory("recv-1")
	h.Add(ProductRecord{
		ProductID:        7,
		Name:             "obs.grib2",
		Size:             1 << 20,
		MulticastPackets: 700,
		MulticastBytes:   1000000,
		RetransPackets:   300,
		RetransBytes:     48576,
		MulticastSeconds: 0.08,
		TotalSeconds:     0.1,
	})
	h.Add(ProductRecord{ProductID: 8, Failed: true})
	if h.Len() != 2 {
		t.Fatal("Len() =", h.Len())
	}

	b, err := h.MarshalCSV()
	if err != nil {
		t.Fatal("MarshalCSV:", err)
	}
	text := string(b)
	if !strings.HasPrefix(text, "receiver,product_id,name,size,") {
		t.Error("Unexpected CSV header:", strings.SplitN(text, "\n", 2)[0])
	}

	records, err := ParseCSV(b)
	if err != nil {
		t.Fatal("ParseCSV:", err)
	}
	if diff := deep.Equal(records, h.Records()); diff != nil {
		t.Error("Records differed after CSV round trip:", diff)
	}
	if records[0].Receiver != "recv-1" {
		t.Error("Receiver id not stamped:", records[0].Receiver)
	}
	if records[0].RetransPercent != 30 {
		t.Error("RetransPercent should be computed at Add, got", records[0].RetransPercent)
	}
}

func TestHistoryReset(t *testing.T) {
	h := NewHistory("recv-2")
	h.Add(ProductRecord{ProductID: 1})
	h.Reset()
	if h.Len() != 0 {
		t.Error("Len after Reset =", h.Len())
	}
}

func TestParseCSVRejectsGarbage(t *testing.T) {
	if _, err := ParseCSV([]byte("receiver,product_id\n\"unterminated\n")); err == nil {
		t.Error("Malformed CSV should fail to parse")
	}
}
