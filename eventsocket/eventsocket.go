// Package eventsocket serves FMTP product lifecycle events to local
// applications over a unix-domain socket, as newline-delimited JSON. A
// receiver running in batched mode can broadcast begin/complete/missed
// events here so interested processes observe product delivery without
// linking the transport.
package eventsocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"
)

// ProductEventKind refers to the kind of product event that has occurred.
type ProductEventKind int

const (
	// Begin is sent when a BOP is accepted.
	Begin = ProductEventKind(iota)
	// Complete is sent when a product reaches end-of-product successfully.
	Complete
	// Missed is sent when a product is declared failed.
	Missed
)

// ProductEvent is the data that is sent down the socket in JSONL form to
// the clients. ProductID, Timestamp, and Event are always filled in; the
// rest are optional.
type ProductEvent struct {
	Event     ProductEventKind
	Timestamp time.Time
	ProductID uint32
	Size      int64  `json:",omitempty"`
	Name      string `json:",omitempty"`
	Duration  float64
}

// Server is the interface that has the methods that actually serve the
// events over the unix domain socket. You should make new Server objects
// with eventsocket.New or eventsocket.NullServer.
type Server interface {
	Listen() error
	Serve(context.Context) error
	ProductBegun(timestamp time.Time, id uint32, size int64, name string)
	ProductCompleted(timestamp time.Time, id uint32, size int64, name string, duration time.Duration)
	ProductMissed(timestamp time.Time, id uint32)
}

type server struct {
	eventC       chan *ProductEvent
	filename     string
	clients      map[net.Conn]struct{}
	unixListener net.Listener
	mutex        sync.Mutex
	servingWG    sync.WaitGroup
}

func (s *server) addClient(c net.Conn) {
	log.Println("Adding new product event client", c)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.clients[c] = struct{}{}
}

func (s *server) removeClient(c net.Conn) {
	s.servingWG.Add(1)
	defer s.servingWG.Done()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, ok := s.clients[c]
	if !ok {
		log.Println("Tried to remove product event client", c, "that was not present")
		return
	}
	delete(s.clients, c)
}

func (s *server) sendToAllListeners(data string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for c := range s.clients {
		_, err := fmt.Fprintln(c, data)
		if err != nil {
			log.Println("Write to client", c, "failed with error", err, " - removing the client.")
			// Remove in a goroutine because removeClient needs to grab the
			// mutex, so let the goroutine block until the mutex is released
			// when this method returns. This also prevents mid-iteration
			// modification of s.clients.
			go s.removeClient(c)
			go c.Close()
		}
	}
}

func (s *server) notifyClients(ctx context.Context) {
	s.servingWG.Add(1)
	defer s.servingWG.Done()
	for ctx.Err() == nil {
		event := <-s.eventC
		var b []byte
		var err error
		if event != nil {
			b, err = json.Marshal(*event)
		}
		if event == nil || err != nil {
			log.Printf("WARNING: Bad event received %v (err: %v)\n", event, err)
			continue
		}
		s.sendToAllListeners(string(b))
	}
}

// Listen returns quickly. After Listen has been called, connections to the
// server will not immediately fail. In order for them to succeed, Serve()
// should be called. This function should only be called once for a given
// Server.
func (s *server) Listen() error {
	// Add to the waitgroup inside Listen(), subtract from it in Serve().
	// That way, even if the Serve() goroutine is scheduled weirdly,
	// servingWG.Wait() will definitely wait for Serve() to finish.
	s.servingWG.Add(1)
	var err error
	// Delete any existing socket file before trying to listen on it.
	// Unclean shutdowns can cause orphaned, stale socket files to hang
	// around, causing this service to fail to start because it can't
	// create the socket.
	os.Remove(s.filename)
	s.unixListener, err = net.Listen("unix", s.filename)
	return err
}

// Serve all clients that connect to this server until the context is
// canceled. It is expected that this will be called in a goroutine, after
// Listen has been called. This function should only be called once for a
// given server.
func (s *server) Serve(ctx context.Context) error {
	defer s.servingWG.Done()
	derivedCtx, derivedCancel := context.WithCancel(ctx)
	defer derivedCancel()

	go s.notifyClients(derivedCtx)

	// When the context is canceled (which happens when this function
	// exits, but could happen sooner if the parent context is canceled),
	// close the listener and the internal channel. These two closes, along
	// with the context cancellation, should cause every other goroutine to
	// terminate.
	s.servingWG.Add(1) // Add this cleanup goroutine to the waitgroup.
	go func() {
		<-derivedCtx.Done()
		s.unixListener.Close()
		close(s.eventC)
		s.servingWG.Done()
	}()

	var err error
	for derivedCtx.Err() == nil {
		var conn net.Conn
		conn, err = s.unixListener.Accept()
		if err != nil {
			log.Printf("Could not Accept on socket %q: %s\n", s.filename, err)
			continue
		}
		s.addClient(conn)
	}
	return err
}

// ProductBegun should be called whenever the receiver accepts a BOP.
func (s *server) ProductBegun(timestamp time.Time, id uint32, size int64, name string) {
	s.eventC <- &ProductEvent{
		Event:     Begin,
		Timestamp: timestamp,
		ProductID: id,
		Size:      size,
		Name:      name,
	}
}

// ProductCompleted should be called whenever a product reaches
// end-of-product.
func (s *server) ProductCompleted(timestamp time.Time, id uint32, size int64, name string, duration time.Duration) {
	s.eventC <- &ProductEvent{
		Event:     Complete,
		Timestamp: timestamp,
		ProductID: id,
		Size:      size,
		Name:      name,
		Duration:  duration.Seconds(),
	}
}

// ProductMissed should be called whenever a product is declared failed.
func (s *server) ProductMissed(timestamp time.Time, id uint32) {
	s.eventC <- &ProductEvent{
		Event:     Missed,
		Timestamp: timestamp,
		ProductID: id,
	}
}

// New makes a new server that serves clients on the provided Unix domain
// socket.
func New(filename string) Server {
	c := make(chan *ProductEvent, 100)
	return &server{
		filename: filename,
		eventC:   c,
		clients:  make(map[net.Conn]struct{}),
	}
}

type nullServer struct{}

// Empty implementations that do no harm.
func (nullServer) Listen() error               { return nil }
func (nullServer) Serve(context.Context) error { return nil }
func (nullServer) ProductBegun(timestamp time.Time, id uint32, size int64, name string) {
}
func (nullServer) ProductCompleted(timestamp time.Time, id uint32, size int64, name string, duration time.Duration) {
}
func (nullServer) ProductMissed(timestamp time.Time, id uint32) {}

// NullServer returns a Server that does nothing. It is made so that code
// that may or may not want to use an eventsocket can receive a Server
// interface and not have to worry about whether it is nil.
func NullServer() Server {
	return nullServer{}
}
