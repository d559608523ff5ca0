// Main package in fmtprecv implements a command line tool that joins an
// FMTP group, assembles products into an output directory, and serves
// product lifecycle events to local applications over a unix-domain
// socket.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/fmtp/config"
	"github.com/m-lab/fmtp/eventsocket"
	"github.com/m-lab/fmtp/fmtp"
	"github.com/m-lab/fmtp/notifier"
	"github.com/m-lab/fmtp/receiver"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	configFile = flag.String("config", "", "Receiver YAML configuration file")
	group      = flag.String("group", "239.0.0.1", "Multicast group address")
	port       = flag.Uint("port", 5001, "Multicast group port")
	senderAddr = flag.String("sender", "", "Sender back-channel host")
	senderPort = flag.Uint("sender-port", 5002, "Sender back-channel port")
	ifaceIP    = flag.String("iface", "", "IP of the interface to join the group on")
	outputDir  = flag.String("output", "", "Directory in which to put received files. Default is the current directory.")
	loss       = flag.Uint("loss", 0, "Synthetic multicast DATA loss in per mille, for testing")
	promPort   = flag.String("prom", ":9091", "Prometheus metrics export address and port")
	verbose    = flag.Bool("verbose", false, "Enable trace logging")

	ctx, cancel = context.WithCancel(context.Background())
)

func loadConfig() config.Receiver {
	if *configFile != "" {
		cfg, err := config.LoadReceiver(*configFile)
		rtx.Must(err, "Could not load %s", *configFile)
		return cfg
	}
	cfg := config.DefaultReceiver()
	cfg.MulticastAddr = *group
	cfg.MulticastPort = uint16(*port)
	cfg.SenderHost = *senderAddr
	cfg.SenderPort = uint16(*senderPort)
	cfg.InterfaceIP = *ifaceIP
	cfg.SimulatedLossPerMille = uint16(*loss)
	cfg.OutputDir = *outputDir
	return cfg
}

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)
	defer cancel()

	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	events := eventsocket.NullServer()
	if *eventsocket.Filename != "" {
		events = eventsocket.New(*eventsocket.Filename)
		rtx.Must(events.Listen(), "Could not listen on %s", *eventsocket.Filename)
		go events.Serve(ctx)
	}

	// Batched discipline: the receiver allocates storage, the application
	// observes completed products through the event socket and the log.
	note := notifier.Funcs{
		Begin: func(info notifier.BeginInfo) notifier.Response {
			events.ProductBegun(time.Now(), info.ProductID, info.Size, info.Name)
			return notifier.Response{}
		},
		End: func(info notifier.EndInfo) {
			events.ProductCompleted(time.Now(), info.ProductID, info.Size, info.Name, info.Duration)
			log.Printf("product %d complete: %s (%d bytes, %d retransmitted packets, %s)",
				info.ProductID, info.Path, info.Size, info.RetransPackets, info.Duration)
		},
		Missed: func(productID uint32) {
			events.ProductMissed(time.Now(), productID)
			log.Printf("product %d missed", productID)
		},
	}

	rcv, err := receiver.New(loadConfig(), note, fmtp.StdLogger(*verbose))
	rtx.Must(err, "Could not create receiver")
	rcv.Start()
	log.Printf("receiver %s joined %s", rcv.ID(), *group)

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
	<-sigC

	// Stop must run on an ordinary goroutine, never inside the signal
	// handler itself.
	rcv.Stop()
	rtx.Must(rcv.History().WriteCSV(os.Stdout), "Could not write history")
}
