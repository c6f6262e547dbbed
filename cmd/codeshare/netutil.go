package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"tarun-kavipurapu/p2p-codeshare/pkg/discovery"
	"tarun-kavipurapu/p2p-codeshare/pkg/logger"
	"tarun-kavipurapu/p2p-codeshare/pkg/protocol"
)

const brokerDiscoveryTimeout = 3 * time.Second

// outboundIP returns the local address the kernel would route public
// traffic from. The UDP dial sends no packets.
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// advertisedAddress builds the address other peers should dial for a server
// bound to listenAddr.
func advertisedAddress(listenAddr, host string) (protocol.PeerAddress, error) {
	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return protocol.PeerAddress{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return protocol.PeerAddress{}, err
	}
	if host == "" {
		if host, err = outboundIP(); err != nil {
			logger.Sugar.Warnf("LAN address detection failed, falling back to 127.0.0.1: %v", err)
			host = "127.0.0.1"
		}
	}
	addr := protocol.PeerAddress{Host: host, Port: uint16(port)}
	return addr, addr.Validate()
}

// brokerURL resolves "auto" through mDNS and passes anything else through.
func brokerURL(ctx context.Context, configured string) (string, error) {
	if configured != "auto" {
		return configured, nil
	}
	ctx, cancel := context.WithTimeout(ctx, brokerDiscoveryTimeout)
	defer cancel()
	url, err := discovery.FindBroker(ctx)
	if err != nil {
		return "", fmt.Errorf("broker discovery: %w", err)
	}
	logger.Sugar.Infof("Using broker %s", url)
	return url, nil
}
