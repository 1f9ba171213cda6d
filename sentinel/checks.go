package sentinel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/net/publicsuffix"

	"github.com/Colombia-Blockchain/snowrail-core/utils"
)

// Check categories
const (
	CategoryTransport  = "transport"
	CategoryReputation = "reputation"
	CategoryContent    = "content"
	CategoryPayment    = "payment"
	CategoryNetwork    = "network"
)

// Check types
const (
	CheckTLS              = "tls"
	CheckDomainReputation = "domain_reputation"
	CheckBlacklist        = "blacklist"
	CheckPhishing         = "phishing_patterns"
	CheckAmountAnomaly    = "amount_anomaly"
	CheckDNS              = "dns"
	CheckTLSProbe         = "tls_probe"
)

// DefaultWeights are used for any check without a configured weight.
var DefaultWeights = map[string]int{
	CheckTLS:              25,
	CheckDomainReputation: 25,
	CheckBlacklist:        20,
	CheckPhishing:         20,
	CheckAmountAnomaly:    10,
	CheckDNS:              10,
	CheckTLSProbe:         10,
}

const (
	// anomalyFactor times the median confirmed amount triggers a warning.
	anomalyFactor = 10
	// anomalyMinSamples is the history size below which no anomaly is reported.
	anomalyMinSamples = 3
)

// Target is the parsed input every check sees.
type Target struct {
	URL    *url.URL
	Host   string
	Domain string // registrable domain; the host itself for IP literals
	TLD    string
	IsIP   bool
	Amount int64
}

func newTarget(u *url.URL, amount int64) *Target {
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	t := &Target{URL: u, Host: host, Domain: host, Amount: amount, IsIP: utils.IsIPHost(host)}
	if t.IsIP {
		return t
	}
	if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		t.Domain = d
	}
	suffix, _ := publicsuffix.PublicSuffix(host)
	t.TLD = suffix
	return t
}

// RegistrableDomain returns the eTLD+1 of rawURL's host, the host itself when
// that cannot be derived, or "" for an unparseable URL.
func RegistrableDomain(rawURL string) string {
	u, err := utils.ParsePaymentURL(rawURL)
	if err != nil {
		return ""
	}
	return newTarget(u, 0).Domain
}

// Outcome is what a check reports before the evaluator scores it.
type Outcome struct {
	Score   int
	Warning string
	// Block is a hard-block reason. It is only honoured for blocking checks.
	Block   string
	Details map[string]interface{}
}

// Check is one entry of the battery.
type Check struct {
	Type     string
	Category string
	Name     string
	Weight   int
	Blocking bool
	Run      func(ctx context.Context, t *Target) (Outcome, error)
}

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// TLSProber dials host and completes a verified TLS handshake.
type TLSProber func(ctx context.Context, host string) error

func defaultTLSProbe(ctx context.Context, host string) error {
	d := &tls.Dialer{Config: &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, "443"))
	if err != nil {
		return err
	}
	return conn.Close()
}

func tlsCheck(requireHTTPS bool) Check {
	return Check{
		Type:     CheckTLS,
		Category: CategoryTransport,
		Name:     "TLS Transport",
		Blocking: requireHTTPS,
		Run: func(_ context.Context, t *Target) (Outcome, error) {
			scheme := strings.ToLower(t.URL.Scheme)
			if scheme == "https" {
				return Outcome{Score: 100, Details: map[string]interface{}{"scheme": scheme}}, nil
			}
			o := Outcome{
				Score:   0,
				Warning: "connection is not encrypted",
				Details: map[string]interface{}{"scheme": scheme},
			}
			if requireHTTPS {
				o.Block = "insecure transport: https required"
			}
			return o, nil
		},
	}
}

func reputationCheck(trusted, suspiciousTLDs map[string]struct{}) Check {
	return Check{
		Type:     CheckDomainReputation,
		Category: CategoryReputation,
		Name:     "Domain Reputation",
		Run: func(_ context.Context, t *Target) (Outcome, error) {
			details := map[string]interface{}{"domain": t.Domain}
			switch {
			case t.IsIP:
				details["reason"] = "ip_literal"
				return Outcome{Score: 10, Warning: "url uses a raw IP address", Details: details}, nil
			case has(trusted, t.Domain):
				details["reason"] = "trusted"
				return Outcome{Score: 100, Details: details}, nil
			case has(suspiciousTLDs, t.TLD):
				details["reason"] = "suspicious_tld"
				details["tld"] = t.TLD
				return Outcome{Score: 20, Warning: fmt.Sprintf("suspicious top-level domain .%s", t.TLD), Details: details}, nil
			default:
				details["reason"] = "unknown"
				return Outcome{Score: 60, Details: details}, nil
			}
		},
	}
}

func blacklistCheck(bl Blacklist) Check {
	return Check{
		Type:     CheckBlacklist,
		Category: CategoryReputation,
		Name:     "Blacklist",
		Blocking: true,
		Run: func(ctx context.Context, t *Target) (Outcome, error) {
			hit, err := bl.Contains(ctx, t.Host, t.Domain)
			if err != nil {
				return Outcome{}, err
			}
			if hit {
				return Outcome{
					Score:   0,
					Block:   fmt.Sprintf("domain %s is blacklisted", t.Domain),
					Details: map[string]interface{}{"listed": true},
				}, nil
			}
			return Outcome{Score: 100, Details: map[string]interface{}{"listed": false}}, nil
		},
	}
}

func phishingCheck(keywords []string) Check {
	return Check{
		Type:     CheckPhishing,
		Category: CategoryContent,
		Name:     "Phishing Patterns",
		Run: func(_ context.Context, t *Target) (Outcome, error) {
			haystack := strings.ToLower(t.Host + t.URL.EscapedPath())
			var matched []string
			for _, k := range keywords {
				if strings.Contains(haystack, k) {
					matched = append(matched, k)
				}
			}
			if len(matched) > 0 {
				return Outcome{
					Score:   0,
					Warning: fmt.Sprintf("suspicious pattern in url: %s", strings.Join(matched, ", ")),
					Details: map[string]interface{}{"matched": matched},
				}, nil
			}
			return Outcome{Score: 100}, nil
		},
	}
}

func amountCheck(maxAmount int64, history History) Check {
	return Check{
		Type:     CheckAmountAnomaly,
		Category: CategoryPayment,
		Name:     "Amount Anomaly",
		Blocking: true,
		Run: func(ctx context.Context, t *Target) (Outcome, error) {
			details := map[string]interface{}{"amount": t.Amount, "max": maxAmount}
			if maxAmount > 0 && t.Amount > maxAmount {
				return Outcome{
					Score:   0,
					Block:   fmt.Sprintf("amount %d exceeds maximum %d", t.Amount, maxAmount),
					Details: details,
				}, nil
			}
			if history == nil {
				return Outcome{Score: 100, Details: details}, nil
			}

			median, samples, err := history.Median(ctx, t.Domain)
			if err != nil {
				return Outcome{}, err
			}
			details["samples"] = samples
			if samples >= anomalyMinSamples {
				details["median"] = median.String()
				limit := median.Mul(decimal.NewFromInt(anomalyFactor))
				if decimal.NewFromInt(t.Amount).GreaterThan(limit) {
					return Outcome{
						Score:   40,
						Warning: fmt.Sprintf("amount is more than %dx the usual amount for %s", anomalyFactor, t.Domain),
						Details: details,
					}, nil
				}
			}
			return Outcome{Score: 100, Details: details}, nil
		},
	}
}

func dnsCheck(r Resolver) Check {
	return Check{
		Type:     CheckDNS,
		Category: CategoryNetwork,
		Name:     "DNS Resolution",
		Run: func(ctx context.Context, t *Target) (Outcome, error) {
			if t.IsIP {
				return Outcome{Score: 100, Details: map[string]interface{}{"skipped": "ip_literal"}}, nil
			}
			addrs, err := r.LookupHost(ctx, t.Host)
			if err != nil {
				if ctx.Err() != nil {
					return Outcome{}, ctx.Err()
				}
				return Outcome{Score: 0, Warning: fmt.Sprintf("host %s does not resolve", t.Host)}, nil
			}
			return Outcome{Score: 100, Details: map[string]interface{}{"addresses": len(addrs)}}, nil
		},
	}
}

func tlsProbeCheck(probe TLSProber) Check {
	return Check{
		Type:     CheckTLSProbe,
		Category: CategoryNetwork,
		Name:     "TLS Certificate",
		Run: func(ctx context.Context, t *Target) (Outcome, error) {
			if !strings.EqualFold(t.URL.Scheme, "https") {
				return Outcome{Score: 0, Details: map[string]interface{}{"skipped": "not_https"}}, nil
			}
			if err := probe(ctx, t.Host); err != nil {
				if ctx.Err() != nil {
					return Outcome{}, ctx.Err()
				}
				return Outcome{Score: 0, Warning: "tls certificate could not be verified"}, nil
			}
			return Outcome{Score: 100}, nil
		},
	}
}

func toSet(list []string) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, s := range list {
		s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "."))
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}

func has(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}
