// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"errors"
	"io"
	"math"
	"net"
	"os"
	"syscall"
	"testing"
	"time"
)

func TestRetryDelay(t *testing.T) {
	// The first failed dial waits 2ms, growth is monotone, and the delay
	// never exceeds 100ms no matter how long dialing keeps failing.
	if got, want := retryDelay(retryInit+1), 2*time.Millisecond; got != want {
		t.Errorf("retryDelay(%d): got %v, want %v", retryInit+1, got, want)
	}
	var prev time.Duration
	for counter := retryInit; counter <= retryMax; counter++ {
		d := retryDelay(counter)
		if d < prev {
			t.Fatalf("retryDelay(%d) = %v, less than previous %v", counter, d, prev)
		}
		prev = d
	}
	if got, want := retryDelay(retryMax), 100*time.Millisecond; got != want {
		t.Errorf("retryDelay(%d): got %v, want %v", retryMax, got, want)
	}
}

func TestNextHandle(t *testing.T) {
	var last uint32
	if got := nextHandle(&last); got != 1 {
		t.Errorf("first handle: got %d, want 1", got)
	}
	last = math.MaxUint32 - 1
	if got := nextHandle(&last); got != math.MaxUint32 {
		t.Errorf("handle before wrap: got %d, want %d", got, uint32(math.MaxUint32))
	}
	// Zero marks "no connection" and is skipped at wraparound.
	if got := nextHandle(&last); got != 1 {
		t.Errorf("handle after wrap: got %d, want 1", got)
	}
}

func TestIsPeerClosed(t *testing.T) {
	peer := []error{
		io.EOF,
		syscall.EPIPE,
		syscall.ECONNRESET,
		net.ErrClosed,
		&net.OpError{Op: "write", Err: os.NewSyscallError("write", syscall.EPIPE)},
	}
	for _, err := range peer {
		if !isPeerClosed(err) {
			t.Errorf("isPeerClosed(%v): got false, want true", err)
		}
	}
	other := []error{
		errors.New("bang"),
		syscall.EADDRINUSE,
	}
	for _, err := range other {
		if isPeerClosed(err) {
			t.Errorf("isPeerClosed(%v): got true, want false", err)
		}
	}
}
