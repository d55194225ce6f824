// Package discovery advertises the collab server over mDNS and finds it
// from an agent.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"

	"collabtext/internal/config"
)

var ErrNotFound = errors.New("discovery: no server found")

// Advertise registers the server listening on port until ctx is done.
func Advertise(ctx context.Context, cfg config.DiscoveryConfig, port int, log *slog.Logger) error {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("%s-%s", "CollabText", host),
		cfg.Service,
		cfg.Domain,
		port,
		[]string{"txtv=0", "proto=frames"},
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	defer server.Shutdown()
	log.Info("mDNS service registered", "service", cfg.Service, "port", port)
	<-ctx.Done()
	return nil
}

// Peer is an advertised server.
type Peer struct {
	Instance string
	Addr     string
}

// Lookup browses for cfg.Service and returns the first server that
// resolves to an address, giving up after cfg.Timeout.
func Lookup(ctx context.Context, cfg config.DiscoveryConfig, log *slog.Logger) (Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return Peer{}, fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan Peer, 1)
	go func(results <-chan *zeroconf.ServiceEntry) {
		for entry := range results {
			p, ok := peerFromEntry(entry)
			if !ok {
				continue
			}
			log.Info("mDNS discovered server", "instance", p.Instance, "addr", p.Addr)
			select {
			case found <- p:
				cancel()
			default:
			}
		}
	}(entries)

	if err := resolver.Browse(ctx, cfg.Service, cfg.Domain, entries); err != nil {
		return Peer{}, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}
	<-ctx.Done()
	select {
	case p := <-found:
		return p, nil
	default:
		return Peer{}, fmt.Errorf("%w: %s after %s", ErrNotFound, cfg.Service, cfg.Timeout)
	}
}

// peerFromEntry prefers an IPv4 address.
func peerFromEntry(e *zeroconf.ServiceEntry) (Peer, bool) {
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return Peer{}, false
	}
	return Peer{
		Instance: e.Instance,
		Addr:     net.JoinHostPort(ip.String(), strconv.Itoa(e.Port)),
	}, true
}
