// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ResolveDial resolves an endpoint into the network and address to dial.
//
// An endpoint names either a Unix-domain socket or a TCP address, chosen
// by heuristic: if the text after the last ":" looks like a service name
// (ASCII letters, digits, and "-") and the text before it contains no
// "/", the endpoint is TCP; otherwise it is a Unix socket.
//
// A Unix socket name containing no "/" is placed under /tmp, so that two
// processes naming the same endpoint meet at the same path. A TCP
// endpoint must have a positive numeric port; an empty host means the
// loopback interface when dialing and all interfaces when listening.
func ResolveDial(endpoint string) (network, address string, err error) {
	return resolve(endpoint, "127.0.0.1")
}

// ResolveListen resolves an endpoint into the network and address to
// listen on. See ResolveDial for the accepted forms.
func ResolveListen(endpoint string) (network, address string, err error) {
	return resolve(endpoint, "0.0.0.0")
}

func resolve(endpoint, defaultHost string) (network, address string, err error) {
	if endpoint == "" {
		return "", "", errors.New("empty endpoint")
	}
	if host, port, ok := splitTCP(endpoint); ok {
		if p, err := strconv.Atoi(port); err != nil || p <= 0 {
			return "", "", fmt.Errorf(`invalid address %q (want "127.0.0.1:10000" or ":10000")`, endpoint)
		}
		if host == "" {
			host = defaultHost
		}
		return "tcp", net.JoinHostPort(host, port), nil
	}
	if !strings.Contains(endpoint, "/") {
		return "unix", "/tmp/" + endpoint, nil
	}
	return "unix", endpoint, nil
}

// splitTCP reports whether endpoint has the shape of a TCP [host]:port
// address, and if so returns its parts.
func splitTCP(endpoint string) (host, port string, ok bool) {
	i := strings.LastIndex(endpoint, ":")
	if i < 0 {
		return "", "", false
	}
	host, port = endpoint[:i], endpoint[i+1:]
	if port == "" || !isServiceName(port) || strings.IndexByte(host, '/') >= 0 {
		return "", "", false
	}
	return host, port, true
}

// isServiceName reports whether s looks like a legal service name from
// the services(5) file: letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
