// Main package in fmtpsend implements a command line tool that multicasts
// files to an FMTP group at a configured rate and waits for every product
// to reach a terminal state.
package main

import (
	"flag"
	"log"
	"os"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/schollz/progressbar/v3"

	"github.com/m-lab/fmtp/config"
	"github.com/m-lab/fmtp/fmtp"
	"github.com/m-lab/fmtp/sender"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	configFile  = flag.String("config", "", "Sender YAML configuration file. Flags below override nothing when this is set.")
	group       = flag.String("group", "239.0.0.1", "Multicast group address")
	port        = flag.Uint("port", 5001, "Multicast group port")
	tcpPort     = flag.Uint("tcp-port", 5002, "Back-channel TCP port")
	ifaceIP     = flag.String("iface", "", "IP of the interface to multicast on")
	rate        = flag.Float64("rate", 100e6, "Send rate in bits per second")
	fraction    = flag.Float64("deadline-fraction", 0.5, "Retransmission deadline as a fraction of multicast time; 0 selects the protocol minimum")
	ttl         = flag.Uint("ttl", 1, "Multicast TTL")
	settleDelay = flag.Duration("settle", 2*time.Second, "How long to wait for receivers to connect before sending")
	promPort    = flag.String("prom", ":9090", "Prometheus metrics export address and port")
	verbose     = flag.Bool("verbose", false, "Enable trace logging")
)

func loadConfig() config.Sender {
	if *configFile != "" {
		cfg, err := config.LoadSender(*configFile)
		rtx.Must(err, "Could not load %s", *configFile)
		return cfg
	}
	cfg := config.DefaultSender()
	cfg.MulticastAddr = *group
	cfg.MulticastPort = uint16(*port)
	cfg.BackChannelPort = uint16(*tcpPort)
	cfg.InterfaceIP = *ifaceIP
	cfg.SendRateBps = *rate
	cfg.RetxDeadlineFraction = *fraction
	cfg.TTL = uint8(*ttl)
	return cfg
}

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)
	files := flag.Args()
	if len(files) == 0 {
		log.Fatal("No files to send. Usage: fmtpsend [flags] file...")
	}

	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Close()

	snd, err := sender.New(loadConfig(), fmtp.StdLogger(*verbose))
	rtx.Must(err, "Could not create sender")
	defer snd.Close()

	// Give receivers a moment to connect; products snapshot the
	// connection set at BOP time.
	time.Sleep(*settleDelay)
	log.Printf("Sending %d files to %d receivers", len(files), snd.NumReceivers())

	var bar *progressbar.ProgressBar
	snd.SetProgress(func(id uint32, sent, total int64) {
		if bar != nil {
			bar.Set64(sent)
		}
	})

	pending := make(map[uint32]string, len(files))
	for _, file := range files {
		fi, err := os.Stat(file)
		rtx.Must(err, "Could not stat %s", file)
		bar = progressbar.DefaultBytes(fi.Size(), file)
		id, err := snd.SendFile(file)
		rtx.Must(err, "Could not send %s", file)
		bar.Finish()
		pending[id] = file
	}

	// Every product ends: acknowledged by all receivers or abandoned at
	// its deadline. The sweep runs lazily, so nudge it while we wait.
	for len(pending) > 0 {
		select {
		case done := <-snd.Done():
			file := pending[done.ProductID]
			delete(pending, done.ProductID)
			if done.TimedOut {
				log.Printf("product %d (%s) abandoned at deadline", done.ProductID, file)
			} else {
				log.Printf("product %d (%s) delivered", done.ProductID, file)
			}
		case <-time.After(100 * time.Millisecond):
			snd.SweepExpired()
		}
	}
}
