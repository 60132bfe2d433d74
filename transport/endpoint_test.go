// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package transport_test

import (
	"testing"

	"github.com/creachadair/duplex/transport"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		endpoint    string
		wantNetwork string
		wantDial    string
		wantListen  string
	}{
		// Bare names are decorated into paths under /tmp.
		{"ipc-demo", "unix", "/tmp/ipc-demo", "/tmp/ipc-demo"},
		{"demo.2", "unix", "/tmp/demo.2", "/tmp/demo.2"},

		// Paths are used verbatim.
		{"/run/duplex/svc.sock", "unix", "/run/duplex/svc.sock", "/run/duplex/svc.sock"},
		{"./rel/dir.sock", "unix", "./rel/dir.sock", "./rel/dir.sock"},
		{"/sock/with:colon", "unix", "/sock/with:colon", "/sock/with:colon"},

		// TCP addresses, with and without an explicit host.
		{"127.0.0.1:9000", "tcp", "127.0.0.1:9000", "127.0.0.1:9000"},
		{"example.com:8080", "tcp", "example.com:8080", "example.com:8080"},
		{":9000", "tcp", "127.0.0.1:9000", "0.0.0.0:9000"},
	}
	for _, tc := range tests {
		network, address, err := transport.ResolveDial(tc.endpoint)
		if err != nil {
			t.Errorf("ResolveDial(%q): unexpected error: %v", tc.endpoint, err)
		} else if network != tc.wantNetwork || address != tc.wantDial {
			t.Errorf("ResolveDial(%q): got %s %q, want %s %q",
				tc.endpoint, network, address, tc.wantNetwork, tc.wantDial)
		}

		network, address, err = transport.ResolveListen(tc.endpoint)
		if err != nil {
			t.Errorf("ResolveListen(%q): unexpected error: %v", tc.endpoint, err)
		} else if network != tc.wantNetwork || address != tc.wantListen {
			t.Errorf("ResolveListen(%q): got %s %q, want %s %q",
				tc.endpoint, network, address, tc.wantNetwork, tc.wantListen)
		}
	}
}

func TestResolveErrors(t *testing.T) {
	tests := []string{
		"",               // empty endpoint
		":0",             // port must be positive
		"host:-1",        // negative port
		"localhost:http", // service names are not accepted
	}
	for _, ep := range tests {
		if network, address, err := transport.ResolveDial(ep); err == nil {
			t.Errorf("ResolveDial(%q): got %s %q, want error", ep, network, address)
		}
		if network, address, err := transport.ResolveListen(ep); err == nil {
			t.Errorf("ResolveListen(%q): got %s %q, want error", ep, network, address)
		}
	}
}
