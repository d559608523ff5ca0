// Main package in statcsv implements a command line tool for converting
// the JSONL product-event stream recorded from an fmtprecv event socket
// into a CSV file.
package main

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"os"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/fmtp/eventsocket"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	// A variable to enable mocking for testing.
	logFatal = log.Fatal
)

// row is the CSV projection of one product event.
type row struct {
	Timestamp string  `csv:"timestamp"`
	Event     string  `csv:"event"`
	ProductID uint32  `csv:"product_id"`
	Size      int64   `csv:"size"`
	Name      string  `csv:"name"`
	Duration  float64 `csv:"duration_seconds"`
}

func eventName(k eventsocket.ProductEventKind) string {
	switch k {
	case eventsocket.Begin:
		return "begin"
	case eventsocket.Complete:
		return "complete"
	case eventsocket.Missed:
		return "missed"
	}
	return "unknown"
}

// readEvents parses JSONL product events from the reader.
func readEvents(rdr io.Reader) ([]row, error) {
	var rows []row
	s := bufio.NewScanner(rdr)
	for s.Scan() {
		if len(s.Bytes()) == 0 {
			continue
		}
		var event eventsocket.ProductEvent
		if err := json.Unmarshal(s.Bytes(), &event); err != nil {
			return nil, err
		}
		rows = append(rows, row{
			Timestamp: event.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
			Event:     eventName(event.Event),
			ProductID: event.ProductID,
			Size:      event.Size,
			Name:      event.Name,
			Duration:  event.Duration,
		})
	}
	return rows, s.Err()
}

func main() {
	args := os.Args[1:]

	var source io.ReadCloser
	var err error
	source = os.Stdin
	if len(args) == 1 {
		source, err = os.Open(args[0])
		rtx.Must(err, "Could not open file %q", args[0])
	} else if len(args) > 1 {
		logFatal("Too many command-line arguments.")
	}
	defer source.Close()

	rows, err := readEvents(source)
	rtx.Must(err, "Could not read events")
	rtx.Must(gocsv.Marshal(&rows, os.Stdout), "Could not convert input to CSV")
}
