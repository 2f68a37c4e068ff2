package model

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrInvalidCandidate is returned by Candidate.Normalize for malformed input.
var ErrInvalidCandidate = errors.New("invalid proxy candidate")

// Candidate is a proxy reported by an ingestion source and not yet confirmed
// reachable. Optional fields are nil when the source did not provide them.
type Candidate struct {
	Source   string
	Protocol string
	IP       string
	Port     int

	Username *string
	Password *string
	Country  *string
	Address  *string
}

func (c Candidate) Key() Key {
	return Key{Protocol: c.Protocol, IP: c.IP, Port: c.Port}
}

// Normalize validates the candidate and canonicalises its fields in place.
func (c *Candidate) Normalize() error {
	c.Source = strings.TrimSpace(c.Source)
	if c.Source == "" {
		return fmt.Errorf("%w: missing source", ErrInvalidCandidate)
	}

	c.Protocol = strings.ToLower(strings.TrimSpace(c.Protocol))
	if !IsSupportedProtocol(c.Protocol) {
		return fmt.Errorf("%w: unsupported protocol %q", ErrInvalidCandidate, c.Protocol)
	}

	c.IP = strings.TrimSpace(c.IP)
	ip := net.ParseIP(c.IP)
	if ip == nil {
		return fmt.Errorf("%w: bad ip %q", ErrInvalidCandidate, c.IP)
	}
	c.IP = ip.String()

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidCandidate, c.Port)
	}

	c.Username = trimOptional(c.Username)
	c.Password = trimOptional(c.Password)
	c.Country = trimOptional(c.Country)
	c.Address = trimOptional(c.Address)
	return nil
}

// IsSupportedProtocol reports whether p is one of Protocols.
func IsSupportedProtocol(p string) bool {
	for _, known := range Protocols {
		if p == known {
			return true
		}
	}
	return false
}

func trimOptional(s *string) *string {
	if s == nil {
		return nil
	}
	return StrPtr(strings.TrimSpace(*s))
}
