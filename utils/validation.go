package utils

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// Struct validates s against its `validate` tags.
func Struct(s interface{}) error {
	return validate.Struct(s)
}

// NormalizeAddress returns the EIP-55 checksummed form, or "" when invalid.
func NormalizeAddress(address string) string {
	if !common.IsHexAddress(address) {
		return ""
	}
	return common.HexToAddress(address).Hex()
}

// ValidateAmount checks that amount is a positive integer no larger than max.
// A max of 0 disables the upper bound.
func ValidateAmount(amount, max int64) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be greater than zero")
	}
	if max > 0 && amount > max {
		return fmt.Errorf("amount %d exceeds maximum %d", amount, max)
	}
	return nil
}

// ParsePaymentURL parses raw and requires an http(s) scheme and a host.
func ParsePaymentURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("url cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("url has no host")
	}
	return u, nil
}

// IsIPHost reports whether host is an IP literal.
func IsIPHost(host string) bool {
	return net.ParseIP(strings.Trim(host, "[]")) != nil
}

// FormatAmount renders a smallest-unit amount in token units, e.g. 1500000 with
// 6 decimals becomes "1.5".
func FormatAmount(amount int64, decimals int32) string {
	return decimal.New(amount, -decimals).String()
}
