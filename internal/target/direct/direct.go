/*
Maildeck - Multi-tenant mail delivery core.
Copyright © 2024-2026 Maildeck contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package direct delivers outbound mail straight to the recipient domain's
// MX hosts, with transport-level fallback across MX preference levels.
package direct

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/maildeck/maildeck/framework/address"
	"github.com/maildeck/maildeck/framework/dns"
	"github.com/maildeck/maildeck/framework/log"
	"github.com/maildeck/maildeck/internal/smtpconn"
	"github.com/maildeck/maildeck/internal/target"
)

var (
	attemptsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maildeck_direct_attempts_total",
		Help: "Number of per-host delivery attempts made by the direct transport.",
	}, []string{"result"})
	mxFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maildeck_direct_mx_fallbacks_total",
		Help: "Number of times delivery moved to a lower-priority MX.",
	})
)

const maxConcurrentDomains = 8

type Target struct {
	Resolver dns.Resolver

	// Port is the SMTP port on MX hosts, 25 unless overridden by tests.
	Port string

	SenderHostname string
	Proxies        []string
	TLSConfig      *tls.Config
	Log            log.Logger

	proxyIdx atomic.Uint32
}

func New(resolver dns.Resolver, senderHostname string, proxies []string, l log.Logger) *Target {
	return &Target{
		Resolver:       resolver,
		Port:           "25",
		SenderHostname: senderHostname,
		Proxies:        proxies,
		Log:            l,
	}
}

// Deliver groups recipients by domain and runs MX delivery per group.
func (t *Target) Deliver(ctx context.Context, envelopeFrom string, recipients []string, raw []byte) map[string]target.Result {
	results := make(map[string]target.Result, len(recipients))

	byDomain := map[string][]string{}
	for _, rcpt := range recipients {
		_, domain, err := address.Split(rcpt)
		if err != nil {
			results[rcpt] = target.Result{Error: "malformed recipient address"}
			continue
		}
		byDomain[domain] = append(byDomain[domain], rcpt)
	}

	// Domains are independent, deliver to them concurrently.
	var (
		mu sync.Mutex
		eg errgroup.Group
	)
	eg.SetLimit(maxConcurrentDomains)
	for domain, rcpts := range byDomain {
		domain, rcpts := domain, rcpts
		eg.Go(func() error {
			attempt := t.deliverDomain(ctx, domain, envelopeFrom, rcpts, raw)
			mu.Lock()
			defer mu.Unlock()
			for rcpt, res := range attempt {
				results[rcpt] = res
			}
			return nil
		})
	}
	eg.Wait()
	return results
}

func (t *Target) deliverDomain(ctx context.Context, domain, envelopeFrom string, rcpts []string, raw []byte) map[string]target.Result {
	results := make(map[string]target.Result, len(rcpts))

	mxs, err := t.lookupMXs(ctx, domain)
	if err != nil {
		for _, rcpt := range rcpts {
			results[rcpt] = target.Result{Error: err.Error(), Retry: true}
		}
		return results
	}

	pending := rcpts
	for i, mx := range mxs {
		if len(pending) == 0 {
			break
		}
		if i > 0 {
			mxFallbacks.Inc()
		}

		ips, err := t.Resolver.LookupHost(ctx, mx.Host)
		if err != nil || len(ips) == 0 {
			// MX without address records, try the next one.
			t.Log.DebugMsg("mx has no address records", "mx", mx.Host, "domain", domain)
			continue
		}

		attempt := target.SendToHost(ctx, target.HostParams{
			Endpoint:       t.endpoint(mx.Host, ips[0]),
			EnvelopeFrom:   envelopeFrom,
			Recipients:     pending,
			Raw:            raw,
			SenderHostname: t.SenderHostname,
			ProxyURL:       t.pickProxy(),
			TLSConfig:      t.TLSConfig,
			Log:            t.Log,
		})

		var next []string
		for _, rcpt := range pending {
			res := attempt[rcpt]
			results[rcpt] = res
			if res.Delivered {
				attemptsCounter.WithLabelValues("delivered").Inc()
				continue
			}
			if res.Retry {
				attemptsCounter.WithLabelValues("retry").Inc()
				// Retryable failures move on to the next MX.
				next = append(next, rcpt)
			} else {
				attemptsCounter.WithLabelValues("failed").Inc()
			}
		}
		pending = next
	}

	for _, rcpt := range rcpts {
		if _, ok := results[rcpt]; !ok {
			results[rcpt] = target.Result{Error: "no reachable MX for " + domain, Retry: true}
		}
	}
	return results
}

// lookupMXs resolves the domain's MX records sorted by preference. A domain
// without MX records but with an A record gets an implicit MX of itself.
func (t *Target) lookupMXs(ctx context.Context, domain string) ([]*net.MX, error) {
	lookupDomain, err := dns.ForLookup(domain)
	if err != nil {
		return nil, err
	}

	mxs, err := t.Resolver.LookupMX(ctx, lookupDomain)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if len(mxs) == 0 {
		if _, aErr := t.Resolver.LookupHost(ctx, lookupDomain); aErr != nil {
			return nil, errors.New("no MX or A records for " + domain)
		}
		return []*net.MX{{Host: lookupDomain, Pref: 0}}, nil
	}

	sort.SliceStable(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })
	return mxs, nil
}

func (t *Target) endpoint(mxHost, ip string) smtpconn.Endpoint {
	return smtpconn.Endpoint{Host: mxHost, Port: t.Port, IP: ip}
}

func (t *Target) pickProxy() string {
	if len(t.Proxies) == 0 {
		return ""
	}
	n := t.proxyIdx.Add(1)
	return t.Proxies[int(n-1)%len(t.Proxies)]
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
