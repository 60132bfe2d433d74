// Program duplex is a command-line utility for exercising duplex
// sessions: it can serve an echo endpoint, send one-way messages, and
// issue invocations against a running server.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/command"
	"github.com/creachadair/duplex"
	"github.com/creachadair/flax"
	"go.uber.org/zap"
)

var settings struct {
	Endpoint  string `flag:"endpoint,Endpoint to dial or listen on"`
	Config    string `flag:"config,Path to an optional TOML configuration file"`
	LogLevel  string `flag:"log,Minimum log level (debug, info, warning, error, none)"`
	Multiuser bool   `flag:"multiuser,Allow clients of other users (Unix-domain sockets only)"`
}

var sendFlags struct {
	Wait time.Duration `flag:"wait,default=5s,How long to wait for the connection"`
}

var callFlags struct {
	Wait    time.Duration `flag:"wait,default=5s,How long to wait for the connection"`
	Timeout time.Duration `flag:"timeout,default=30s,How long to wait for the response"`
}

var pingFlags struct {
	Wait     time.Duration `flag:"wait,default=5s,How long to wait for the connection"`
	Count    int           `flag:"n,default=5,Number of round trips to measure"`
	Size     int           `flag:"size,default=64,Payload size in bytes"`
	Interval time.Duration `flag:"interval,Delay between round trips"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Utilities for exercising duplex message sessions.",
		SetFlags: command.Flags(flax.MustBind, &settings),
		Commands: []*command.C{
			{
				Name: "serve",
				Help: `Run an echo server at the given endpoint.

The server prints each one-way message it receives, and answers each
invocation with a copy of the request body. It runs until the process
is interrupted.`,
				Run: runServe,
			},
			{
				Name:     "send",
				Usage:    "<message>...",
				Help:     "Send each argument, or each stdin line if there are none, as a one-way message.",
				SetFlags: command.Flags(flax.MustBind, &sendFlags),
				Run:      runSend,
			},
			{
				Name:     "call",
				Usage:    "<message>",
				Help:     "Send one invocation and print the response body to stdout.",
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			{
				Name:     "ping",
				Help:     "Measure invocation round-trip latency against an echo server.",
				SetFlags: command.Flags(flax.MustBind, &pingFlags),
				Run:      runPing,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// fileConfig is the schema of the optional -config TOML file. Values
// from the file apply only where the corresponding flag was not set.
type fileConfig struct {
	Endpoint  string `toml:"endpoint"`
	LogLevel  string `toml:"log_level"`
	Multiuser bool   `toml:"multiuser"`
}

// loadSettings folds the config file, if any, into the flag settings and
// verifies that an endpoint was specified.
func loadSettings(env *command.Env) error {
	if settings.Config != "" {
		var raw fileConfig
		meta, err := toml.DecodeFile(settings.Config, &raw)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if settings.Endpoint == "" && meta.IsDefined("endpoint") {
			settings.Endpoint = raw.Endpoint
		}
		if settings.LogLevel == "" && meta.IsDefined("log_level") {
			settings.LogLevel = raw.LogLevel
		}
		if !settings.Multiuser && meta.IsDefined("multiuser") {
			settings.Multiuser = raw.Multiuser
		}
	}
	if settings.Endpoint == "" {
		return env.Usagef("missing required -endpoint")
	}
	return nil
}

// logWriter returns a log handler that renders session logs through a
// zap console logger, and the minimum level selected by the -log flag.
func logWriter() (func(duplex.LogLevel, string, string), duplex.LogLevel, error) {
	min := duplex.LogWarning
	if settings.LogLevel != "" {
		var err error
		min, err = duplex.ParseLogLevel(settings.LogLevel)
		if err != nil {
			return nil, 0, err
		}
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel) // session already filters
	logger := zap.Must(cfg.Build(zap.WithCaller(false)))
	return func(level duplex.LogLevel, message, category string) {
		log := logger.Named(category)
		switch level {
		case duplex.LogDebug:
			log.Debug(message)
		case duplex.LogInfo:
			log.Info(message)
		case duplex.LogWarning:
			log.Warn(message)
		default:
			log.Error(message)
		}
	}, min, nil
}

func runServe(env *command.Env) error {
	if err := loadSettings(env); err != nil {
		return err
	}
	logf, min, err := logWriter()
	if err != nil {
		return err
	}
	srv := duplex.NewServer(duplex.ServerOptions{
		Endpoint:             settings.Endpoint,
		AllowMultiuserAccess: settings.Multiuser,
	})
	defer srv.Close()
	srv.OnLog(logf, min).
		OnConnect(func() { fmt.Println("client connected") }).
		OnDisconnect(func() { fmt.Println("client disconnected") }).
		OnReceived(func(body []byte) { fmt.Printf("recv: %s\n", body) }).
		OnInvokedImmediate(func(body []byte) []byte {
			fmt.Printf("echo: %s\n", body)
			return body
		}).
		OnError(func(err error) { fmt.Fprintf(os.Stderr, "server error: %v\n", err) })
	if r := srv.Listen(); r != duplex.Connected {
		return fmt.Errorf("listen at %q: %v", settings.Endpoint, r)
	}
	fmt.Printf("listening at %q\n", settings.Endpoint)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	fmt.Println("interrupt received, shutting down")
	return nil
}

// dialClient connects a client to the configured endpoint and waits up
// to the given duration for the connection to be established.
func dialClient(wait time.Duration) (*duplex.Client, error) {
	logf, min, err := logWriter()
	if err != nil {
		return nil, err
	}
	ready := make(chan struct{})
	var once sync.Once
	cli := duplex.NewClient(duplex.Options{Endpoint: settings.Endpoint})
	cli.OnLog(logf, min).
		OnConnect(func() { once.Do(func() { close(ready) }) })
	if r := cli.Connect(); r != duplex.Connecting && r != duplex.Connected {
		cli.Close()
		return nil, fmt.Errorf("connect to %q: %v", settings.Endpoint, r)
	}
	select {
	case <-ready:
		return cli, nil
	case <-time.After(wait):
		cli.Close()
		return nil, fmt.Errorf("no connection to %q after %v", settings.Endpoint, wait)
	}
}

func runSend(env *command.Env) error {
	if err := loadSettings(env); err != nil {
		return err
	}
	cli, err := dialClient(sendFlags.Wait)
	if err != nil {
		return err
	}
	defer cli.Close()
	if len(env.Args) != 0 {
		for _, msg := range env.Args {
			cli.Send([]byte(msg))
		}
		return nil
	}
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		cli.Send([]byte(sc.Text()))
	}
	return sc.Err()
}

func runCall(env *command.Env) error {
	if err := loadSettings(env); err != nil {
		return err
	} else if len(env.Args) != 1 {
		return env.Usagef("exactly one message is required")
	}
	cli, err := dialClient(callFlags.Wait)
	if err != nil {
		return err
	}
	defer cli.Close()

	type outcome struct {
		body []byte
		code duplex.ResultCode
	}
	done := make(chan outcome, 1)
	cli.Invoke([]byte(env.Args[0]), func(body []byte, code duplex.ResultCode) {
		done <- outcome{body, code}
	})
	select {
	case out := <-done:
		if out.code != duplex.CodeGood {
			return fmt.Errorf("call failed: %v", out.code)
		}
		os.Stdout.Write(append(out.body, '\n'))
		return nil
	case <-time.After(callFlags.Timeout):
		return fmt.Errorf("no response after %v", callFlags.Timeout)
	}
}

func runPing(env *command.Env) error {
	if err := loadSettings(env); err != nil {
		return err
	}
	cli, err := dialClient(pingFlags.Wait)
	if err != nil {
		return err
	}
	defer cli.Close()

	payload := make([]byte, pingFlags.Size)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	var total, minRTT, maxRTT time.Duration
	for i := range pingFlags.Count {
		if i > 0 && pingFlags.Interval > 0 {
			time.Sleep(pingFlags.Interval)
		}
		done := make(chan duplex.ResultCode, 1)
		start := time.Now()
		cli.Invoke(payload, func(_ []byte, code duplex.ResultCode) { done <- code })
		code := <-done
		rtt := time.Since(start)
		if code != duplex.CodeGood {
			return fmt.Errorf("round trip %d failed: %v", i+1, code)
		}
		fmt.Printf("reply %d from %s: %d bytes in %v\n", i+1, settings.Endpoint, pingFlags.Size, rtt)
		total += rtt
		if minRTT == 0 || rtt < minRTT {
			minRTT = rtt
		}
		if rtt > maxRTT {
			maxRTT = rtt
		}
	}
	if pingFlags.Count > 0 {
		fmt.Printf("%d round trips: min=%v avg=%v max=%v\n",
			pingFlags.Count, minRTT, total/time.Duration(pingFlags.Count), maxRTT)
	}
	return nil
}
