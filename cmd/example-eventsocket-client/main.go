// example-eventsocket-client is a minimal reference implementation of an
// fmtp eventsocket client.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/fmtp/eventsocket"
)

var (
	mainCtx, mainCancel = context.WithCancel(context.Background())
)

// handler implements the eventsocket.Handler interface.
type handler struct {
	completed chan *eventsocket.ProductEvent
}

// Begin is called synchronously for every accepted product.
func (h *handler) Begin(ctx context.Context, event *eventsocket.ProductEvent) {
	log.Println("begin   ", event.ProductID, event.Name, event.Size)
}

// Complete is called synchronously for every delivered product.
func (h *handler) Complete(ctx context.Context, event *eventsocket.ProductEvent) {
	h.completed <- event
}

// Missed is called synchronously for every failed product.
func (h *handler) Missed(ctx context.Context, event *eventsocket.ProductEvent) {
	log.Println("missed  ", event.ProductID)
}

// ProcessCompletions reads and processes events received by the complete
// handler.
func (h *handler) ProcessCompletions(ctx context.Context) {
	for {
		select {
		case e := <-h.completed:
			log.Println("complete", e.ProductID, e.Name, e.Size, e.Duration)
		case <-ctx.Done():
			log.Println("shutdown")
			return
		}
	}
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from environment variables")
	defer mainCancel()

	if *eventsocket.Filename == "" {
		panic("-fmtp.eventsocket path is required")
	}

	h := &handler{completed: make(chan *eventsocket.ProductEvent)}

	// Process events received by the eventsocket handler. The goroutine
	// will block until a completion occurs.
	go h.ProcessCompletions(mainCtx)

	// Begin listening on the eventsocket for new events, and dispatch them
	// to the given handler.
	go eventsocket.MustRun(mainCtx, *eventsocket.Filename, h)

	<-mainCtx.Done()
	fmt.Println("ok")
}
