// Package config holds the recognized sender and receiver options, loads
// them from YAML files, and validates them at startup. Validation errors
// wrap ErrInvalid; construction is the only place configuration problems
// surface.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/m-lab/fmtp/fmtp"
	"github.com/m-lab/fmtp/notifier"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Sender is the recognized sender option set.
type Sender struct {
	MulticastAddr   string  `yaml:"multicast_addr"`
	MulticastPort   uint16  `yaml:"multicast_port"`
	BackChannelPort uint16  `yaml:"back_channel_port"`
	InterfaceIP     string  `yaml:"interface_ip"`
	MTUDataLen      uint16  `yaml:"mtu_data_len"`
	SendRateBps     float64 `yaml:"send_rate_bps"`
	// RetxDeadlineFraction scales the retransmission window: deadline =
	// nominal multicast duration times (1 + fraction), floored at the
	// protocol minimum. Zero means "use the minimum".
	RetxDeadlineFraction float64 `yaml:"retx_deadline_fraction"`
	TTL                  uint8   `yaml:"ttl"`
	InitialProductID     uint32  `yaml:"initial_product_id"`
}

// DefaultSender returns a Sender with the documented defaults filled in.
func DefaultSender() Sender {
	return Sender{
		MTUDataLen: fmtp.MaxPacketLen,
		TTL:        1,
	}
}

// Group returns the joined group address ("239.0.0.1:5001").
func (c *Sender) Group() string {
	return fmt.Sprintf("%s:%d", c.MulticastAddr, c.MulticastPort)
}

// Validate checks the option set. All failures wrap ErrInvalid.
func (c *Sender) Validate() error {
	ip := net.ParseIP(c.MulticastAddr)
	if ip == nil || !ip.IsMulticast() {
		return fmt.Errorf("%w: multicast_addr %q is not a multicast IPv4 address", ErrInvalid, c.MulticastAddr)
	}
	if c.MulticastPort == 0 {
		return fmt.Errorf("%w: multicast_port must be set", ErrInvalid)
	}
	if c.BackChannelPort == 0 {
		return fmt.Errorf("%w: back_channel_port must be set", ErrInvalid)
	}
	if c.InterfaceIP != "" && net.ParseIP(c.InterfaceIP) == nil {
		return fmt.Errorf("%w: interface_ip %q is not an IP address", ErrInvalid, c.InterfaceIP)
	}
	if c.MTUDataLen < fmtp.HeaderLen+1 || c.MTUDataLen > fmtp.MaxPacketLen {
		return fmt.Errorf("%w: mtu_data_len %d outside (%d, %d]", ErrInvalid,
			c.MTUDataLen, fmtp.HeaderLen, fmtp.MaxPacketLen)
	}
	if c.SendRateBps <= 0 {
		return fmt.Errorf("%w: send_rate_bps must be positive", ErrInvalid)
	}
	if c.RetxDeadlineFraction < 0 {
		return fmt.Errorf("%w: retx_deadline_fraction must not be negative", ErrInvalid)
	}
	if c.TTL == 0 {
		return fmt.Errorf("%w: ttl must be at least 1", ErrInvalid)
	}
	return nil
}

// Receiver is the recognized receiver option set.
type Receiver struct {
	MulticastAddr string `yaml:"multicast_addr"`
	MulticastPort uint16 `yaml:"multicast_port"`
	SenderHost    string `yaml:"sender_host"`
	SenderPort    uint16 `yaml:"sender_port"`
	InterfaceIP   string `yaml:"interface_ip"`
	NotifierMode  string `yaml:"notifier_mode"`
	// SimulatedLossPerMille discards that fraction (0-1000) of multicast
	// DATA packets before they are written, to exercise the recovery path
	// in tests. Control packets are never dropped.
	SimulatedLossPerMille uint16 `yaml:"simulated_loss_per_mille"`
	// OutputDir is where file products land; empty means the current
	// directory.
	OutputDir string `yaml:"output_dir"`
}

// DefaultReceiver returns a Receiver with the documented defaults.
func DefaultReceiver() Receiver {
	return Receiver{NotifierMode: notifier.Batched.String()}
}

// Group returns the joined group address.
func (c *Receiver) Group() string {
	return fmt.Sprintf("%s:%d", c.MulticastAddr, c.MulticastPort)
}

// SenderAddr returns the back-channel endpoint ("host:port").
func (c *Receiver) SenderAddr() string {
	return fmt.Sprintf("%s:%d", c.SenderHost, c.SenderPort)
}

// Mode returns the parsed notifier mode.
func (c *Receiver) Mode() notifier.Mode {
	if c.NotifierMode == notifier.PerProduct.String() {
		return notifier.PerProduct
	}
	return notifier.Batched
}

// Validate checks the option set. All failures wrap ErrInvalid.
func (c *Receiver) Validate() error {
	ip := net.ParseIP(c.MulticastAddr)
	if ip == nil || !ip.IsMulticast() {
		return fmt.Errorf("%w: multicast_addr %q is not a multicast IPv4 address", ErrInvalid, c.MulticastAddr)
	}
	if c.MulticastPort == 0 {
		return fmt.Errorf("%w: multicast_port must be set", ErrInvalid)
	}
	if c.SenderHost == "" || c.SenderPort == 0 {
		return fmt.Errorf("%w: sender_host and sender_port must be set", ErrInvalid)
	}
	if c.InterfaceIP != "" && net.ParseIP(c.InterfaceIP) == nil {
		return fmt.Errorf("%w: interface_ip %q is not an IP address", ErrInvalid, c.InterfaceIP)
	}
	switch c.NotifierMode {
	case notifier.Batched.String(), notifier.PerProduct.String():
	default:
		return fmt.Errorf("%w: notifier_mode %q (want batched or per_product)", ErrInvalid, c.NotifierMode)
	}
	if c.SimulatedLossPerMille > 1000 {
		return fmt.Errorf("%w: simulated_loss_per_mille %d > 1000", ErrInvalid, c.SimulatedLossPerMille)
	}
	return nil
}

// LoadSender reads and validates a sender YAML file.
func LoadSender(path string) (Sender, error) {
	c := DefaultSender()
	if err := loadYAML(path, &c); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// LoadReceiver reads and validates a receiver YAML file.
func LoadReceiver(path string) (Receiver, error) {
	c := DefaultReceiver()
	if err := loadYAML(path, &c); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func loadYAML(path string, out interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
