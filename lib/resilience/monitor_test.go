package resilience

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func TestEndpointMonitorWithListener(t *testing.T) {
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

	m := NewEndpointMonitor("sam", ln.Addr().String(), MonitorConfig{ProbeTimeout: time.Second})
	if !m.Check(context.Background()) {
		t.Fatal("Expected the probe to succeed")
	}
	if !m.Healthy() || !m.Allow() {
		t.Error("Expected a healthy, allowed endpoint")
	}
	if m.Stats().LastHealthy.IsZero() {
		t.Error("Expected LastHealthy to be recorded")
	}
}

func TestEndpointMonitorOpensAndRecovers(t *testing.T) {
	clock := newFakeClock()
	m := NewEndpointMonitor("proxy", "127.0.0.1:1", MonitorConfig{
		Breaker: Config{FailureThreshold: 2, OpenTimeout: 10 * time.Second, Now: clock.Now},
	})
	var up atomic.Bool
	m.probe = func(context.Context) error {
		if up.Load() {
			return nil
		}
		return errors.New("connection refused")
	}

	downCalled := make(chan struct{}, 1)
	m.SetCallbacks(func() { downCalled <- struct{}{} }, nil)

	m.Check(context.Background())
	m.Check(context.Background())
	if m.Allow() {
		t.Fatal("Expected the monitor to reject after repeated probe failures")
	}
	select {
	case <-downCalled:
	case <-time.After(time.Second):
		t.Error("Expected the down callback")
	}

	clock.Advance(10 * time.Second)
	m.Check(context.Background())
	if m.Allow() {
		t.Error("Expected a failing probe after the open period to reopen the breaker")
	}

	up.Store(true)
	m.Check(context.Background())
	if !m.Allow() || !m.Healthy() {
		t.Error("Expected a successful probe to close the breaker")
	}
}

func TestEndpointMonitorStartStop(t *testing.T) {
	m := NewEndpointMonitor("x", "127.0.0.1:1", MonitorConfig{CheckInterval: time.Hour})
	var probes atomic.Int32
	m.probe = func(context.Context) error {
		probes.Add(1)
		return nil
	}

	m.Start(context.Background())
	m.Start(context.Background())
	deadline := time.Now().Add(time.Second)
	for probes.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()
	m.Stop()

	if probes.Load() != 1 {
		t.Errorf("Expected one initial probe, got %d", probes.Load())
	}
}
