// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package duplex_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/duplex"
)

func BenchmarkInvoke(b *testing.B) {
	payload := []byte("fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?")

	b.Run("Noop", func(b *testing.B) {
		cli, done := benchPair(b, func([]byte) []byte { return nil })
		defer done()
		runInvoke(b, cli, nil)
	})
	b.Run("Echo-small", func(b *testing.B) {
		cli, done := benchPair(b, func(body []byte) []byte { return body })
		defer done()
		runInvoke(b, cli, []byte("x"))
	})
	b.Run("Echo-payload", func(b *testing.B) {
		cli, done := benchPair(b, func(body []byte) []byte { return body })
		defer done()
		runInvoke(b, cli, payload)
	})
}

func BenchmarkSend(b *testing.B) {
	var received atomic.Int64
	ep := testEndpoint(b)
	srv := duplex.NewServer(duplex.ServerOptions{Endpoint: ep})
	defer srv.Close()
	srv.OnReceived(func([]byte) { received.Add(1) })
	if got := srv.Listen(); got != duplex.Connected {
		b.Fatalf("Listen: got %v, want %v", got, duplex.Connected)
	}

	cli, done := benchDial(b, ep)
	defer done()

	payload := []byte("0123456789abcdef0123456789abcdef")
	var sent int64
	for b.Loop() {
		cli.Send(payload)
		sent++
	}
	for received.Load() < sent {
		time.Sleep(time.Millisecond)
	}
}

// benchPair starts an echo-style server and a connected client, and
// returns the client with a cleanup closing both.
func benchPair(b *testing.B, handler func([]byte) []byte) (*duplex.Client, func()) {
	b.Helper()
	ep := testEndpoint(b)
	srv := duplex.NewServer(duplex.ServerOptions{Endpoint: ep})
	srv.OnInvokedImmediate(handler)
	if got := srv.Listen(); got != duplex.Connected {
		b.Fatalf("Listen: got %v, want %v", got, duplex.Connected)
	}
	cli, done := benchDial(b, ep)
	return cli, func() { done(); srv.Close() }
}

func benchDial(b *testing.B, ep string) (*duplex.Client, func()) {
	b.Helper()
	cli := duplex.NewClient(duplex.Options{Endpoint: ep})
	ready := make(chan struct{})
	var once sync.Once
	cli.OnConnect(func() { once.Do(func() { close(ready) }) })
	cli.Connect()
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		b.Fatal("timed out waiting for connection")
	}
	return cli, func() { cli.Close() }
}

func runInvoke(b *testing.B, cli *duplex.Client, payload []byte) {
	b.Helper()
	for b.Loop() {
		done := make(chan duplex.ResultCode, 1)
		cli.Invoke(payload, func(_ []byte, code duplex.ResultCode) { done <- code })
		if code := <-done; code != duplex.CodeGood {
			b.Fatalf("invoke failed: %v", code)
		}
	}
}
