package peerconn

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

// seed resolves every DNS seed of the network concurrently and adds the
// results to the address book. A failing seed publishes a SeedError and does
// not affect the others.
func (p *Pool) seed(ctx context.Context) {
	params := p.cfg.ChainParams
	port, err := strconv.ParseUint(params.DefaultPort, 10, 16)
	if err != nil {
		log.Errorf("Invalid default port %v: %v", params.DefaultPort, err)
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range params.DNSSeeds {
		host := s.Host

		g.Go(func() error {
			ips, err := p.lookupSeed(ctx, host)
			if err != nil {
				seedErr := &SeedError{Seed: host, Err: err}
				log.Warnf("%v", seedErr)

				_ = p.seedErrorServer.SendUpdate(seedErr)

				return nil
			}

			var added int
			for _, ip := range ips {
				if p.AddAddress(NewAddress(ip, uint16(port))) {
					added++
				}
			}
			log.Infof("Added %d addresses from seed %v", added, host)

			return nil
		})
	}

	_ = g.Wait()
}

// lookupSeed resolves a seed host to its addresses, either through the
// configured DNS server or through the dialer's resolver.
func (p *Pool) lookupSeed(ctx context.Context, host string) ([]net.IP, error) {
	if p.cfg.DNSServer != "" {
		return queryDNSServer(ctx, p.cfg.DNSServer, host)
	}

	hosts, err := p.cfg.Net.LookupHost(host)
	if err != nil {
		return nil, err
	}

	ips := make([]net.IP, 0, len(hosts))
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
		}
	}

	return ips, nil
}

// queryDNSServer asks server for the A records of host.
func queryDNSServer(ctx context.Context, server, host string) ([]net.IP,
	error) {

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)

	client := new(dns.Client)
	resp, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, err
	}

	// If the message response code was not the success code, fail.
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("unsuccessful A request, received: %v",
			dns.RcodeToString[resp.Rcode])
	}

	var ips []net.IP
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}

	return ips, nil
}

// resolve turns a host[:port] entry into address book entries, using the
// network's default port when none is given.
func (p *Pool) resolve(hostPort string) ([]*Address, error) {
	hostPort = p.cfg.ChainParams.NormalizeAddr(hostPort)

	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %v: %w", portStr, err)
	}

	if ip := net.ParseIP(host); ip != nil {
		return []*Address{NewAddress(ip, uint16(port))}, nil
	}

	hosts, err := p.cfg.Net.LookupHost(host)
	if err != nil {
		return nil, err
	}

	var addrs []*Address
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			addrs = append(addrs, NewAddress(ip, uint16(port)))
		}
	}

	return addrs, nil
}
