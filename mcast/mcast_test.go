package mcast

import (
	"bytes"
	"testing"
	"time"
)

// join returns a channel on the loopback interface, skipping the test on
// hosts where multicast is unavailable.
func join(t *testing.T, group string) *Channel {
	t.Helper()
	c, err := Join(group, "127.0.0.1", 1)
	if err != nil {
		t.Skip("multicast unavailable on this host:", err)
	}
	return c
}

func TestSendRecv(t *testing.T) {
	c := join(t, "239.88.7.6:15601")
	defer c.Close()

	payload := []byte("one small datagram")
	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 1500)
		n, err := c.RecvPacket(buf)
		if err == nil {
			done <- buf[:n]
		}
	}()

	// The group join may take a moment to settle; keep sending until the
	// reader sees a datagram or we give up.
	deadline := time.After(2 * time.Second)
	for {
		if _, err := c.SendPacket(payload); err != nil {
			t.Fatal("SendPacket:", err)
		}
		select {
		case got := <-done:
			if !bytes.Equal(got, payload) {
				t.Errorf("RecvPacket returned %q, want %q", got, payload)
			}
			return
		case <-deadline:
			t.Skip("multicast loopback did not deliver; skipping")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestRecvPacketNoWaitEmpty(t *testing.T) {
	c := join(t, "239.88.7.7:15602")
	defer c.Close()

	buf := make([]byte, 1500)
	start := time.Now()
	n, err := c.RecvPacketNoWait(buf)
	if err != nil {
		t.Fatal("RecvPacketNoWait:", err)
	}
	if n != 0 {
		t.Error("Empty socket should return 0 bytes, got", n)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Error("Non-blocking receive blocked for", elapsed)
	}
}

func TestJoinRejectsUnicastAddress(t *testing.T) {
	if _, err := Join("10.0.0.1:5001", "", 1); err == nil {
		t.Error("Joining a unicast address should fail")
	}
	if _, err := Join("not-an-address", "", 1); err == nil {
		t.Error("Joining garbage should fail")
	}
}

func TestInterfaceByIP(t *testing.T) {
	if _, err := InterfaceByIP("not-an-ip"); err == nil {
		t.Error("Garbage IP should fail")
	}
	if iface, err := InterfaceByIP(""); err != nil || iface != nil {
		t.Error("Empty IP should select the default interface")
	}
	iface, err := InterfaceByIP("127.0.0.1")
	if err != nil {
		t.Skip("no loopback interface:", err)
	}
	if iface == nil {
		t.Error("Loopback lookup returned nil interface")
	}
}
