package netmon

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func testLogger() *log.Logger { return log.New(io.Discard) }

func TestProberReportsGoodAgainstLiveListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	p := New(Config{Target: ln.Addr().String(), Interval: 20 * time.Millisecond}, testLogger())
	defer p.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.IsGood() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("prober never reported good against a live listener")
}

func TestProberReportsBadEdgeAfterListenerCloses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	p := New(Config{Target: addr, Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond}, testLogger())
	defer p.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !p.IsGood() {
		time.Sleep(5 * time.Millisecond)
	}
	if !p.IsGood() {
		t.Fatal("prober never reported good before closing the listener")
	}

	ln.Close()

	select {
	case good := <-p.Changes():
		if good {
			t.Fatal("expected a false edge after the listener closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("prober never reported the false edge")
	}
	if p.IsGood() {
		t.Fatal("IsGood still true after listener closed")
	}
}

func TestNewDefaultsTargetToAlwaysGood(t *testing.T) {
	p := New(Config{Interval: 10 * time.Millisecond}, testLogger())
	defer p.Close()
	time.Sleep(30 * time.Millisecond)
	if !p.IsGood() {
		t.Fatal("empty target should be treated as always reachable")
	}
}
