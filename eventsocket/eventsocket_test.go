package eventsocket

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"testing"
	"time"

	"github.com/go-test/deep"

	"github.com/m-lab/go/rtx"
)

func TestServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir, err := os.MkdirTemp("", "TestEventSocketServer")
	rtx.Must(err, "Could not create tempdir")
	defer os.RemoveAll(dir)

	srv := New(dir + "/fmtpevents.sock").(*server)
	srv.Listen()
	go srv.Serve(ctx)
	c, err := net.Dial("unix", dir+"/fmtpevents.sock")
	rtx.Must(err, "Could not open UNIX domain socket")

	// Busy wait until the server has registered the client
	for {
		srv.mutex.Lock()
		length := len(srv.clients)
		srv.mutex.Unlock()
		if length > 0 {
			break
		}
	}

	// Send an event on the server, to cause the client to be notified by
	// the server.
	srv.ProductMissed(time.Now(), 42)
	r := bufio.NewScanner(c)
	if !r.Scan() {
		t.Error("Should have been able to scan until the next newline, but couldn't")
	}
	var event ProductEvent
	rtx.Must(json.Unmarshal(r.Bytes(), &event), "Could not unmarshal")
	if event.Event != Missed || event.ProductID != 42 {
		t.Error("Event was supposed to be {Missed, 42}, not", event)
	}

	// Send another event on the server, to cause the client to be notified
	// by the server.
	before := time.Now()
	srv.ProductBegun(time.Now(), 43, 1024, "product.dat")
	if !r.Scan() {
		t.Error("Should have been able to scan until the next newline, but couldn't")
	}
	rtx.Must(json.Unmarshal(r.Bytes(), &event), "Could not unmarshal")
	after := time.Now()
	if before.After(event.Timestamp) || after.Before(event.Timestamp) {
		t.Error("It should be true that", before, "<", event.Timestamp, "<", after)
	}
	event.Timestamp = time.Time{}
	want := ProductEvent{Event: Begin, ProductID: 43, Size: 1024, Name: "product.dat"}
	if diff := deep.Equal(event, want); diff != nil {
		t.Error("Event differed from expected:", diff)
	}

	// Close down things on the client side. When the server next tries to
	// send something to the client, the client should get removed from the
	// set of active clients.
	c.Close()

	// Now verify some internal error handling:
	srv.eventC <- nil
	srv.removeClient(nil)
	// No SIGSEGV == success!

	// Send an event to ensure that cleanup should occur.
	srv.ProductMissed(time.Now(), 44)

	// Busy wait until the server has unregistered the client
	for {
		srv.mutex.Lock()
		length := len(srv.clients)
		srv.mutex.Unlock()
		if length == 0 {
			break
		}
	}
	// Cancel the context to shutdown the server.
	cancel()
	// Wait for every component goroutine of the server to complete.
	srv.servingWG.Wait()
	// No timeout == success!
}

func TestNullServer(t *testing.T) {
	// Verify that the null server never crashes or returns a non-null error
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := NullServer()
	rtx.Must(srv.Listen(), "Could not listen")
	rtx.Must(srv.Serve(ctx), "Could not serve")
	srv.ProductBegun(time.Now(), 1, 0, "")
	srv.ProductCompleted(time.Now(), 1, 0, "", 0)
	srv.ProductMissed(time.Now(), 1)
	// No crash == success
}
