// Package dnsutil provides DNS wire format utilities for dohguard.
package dnsutil

import (
	"encoding/base64"
	"encoding/binary"
	"net"
	"strings"

	"github.com/miekg/dns"
)

const (
	// DefaultMsgSize EDNS0 message size
	DefaultMsgSize = 1232

	ecsV4Prefix = 24
	ecsV6Prefix = 56
)

// SetECS appends an RFC 7871 EDNS client subnet option carrying the
// client's network to the message. An existing ECS option is never
// overwritten; in that case the message is left untouched and false is
// returned. IPv4 addresses are masked to /24, IPv6 to /56.
func SetECS(msg *dns.Msg, ip net.IP) bool {
	opt := msg.IsEdns0()

	if opt != nil {
		for _, option := range opt.Option {
			if option.Option() == dns.EDNS0SUBNET {
				return false
			}
		}
	}

	ecs := &dns.EDNS0_SUBNET{Code: dns.EDNS0SUBNET}

	if v4 := ip.To4(); v4 != nil {
		ecs.Family = 1
		ecs.SourceNetmask = ecsV4Prefix
		ecs.Address = v4.Mask(net.CIDRMask(ecsV4Prefix, 32))
	} else if v6 := ip.To16(); v6 != nil {
		ecs.Family = 2
		ecs.SourceNetmask = ecsV6Prefix
		ecs.Address = v6.Mask(net.CIDRMask(ecsV6Prefix, 128))
	} else {
		return false
	}

	if opt == nil {
		opt = new(dns.OPT)
		opt.Hdr.Name = "."
		opt.Hdr.Rrtype = dns.TypeOPT
		opt.SetUDPSize(DefaultMsgSize)

		msg.Extra = append(msg.Extra, opt)
	}

	opt.Option = append(opt.Option, ecs)

	return true
}

// HandleTCPData consumes DNS-over-TCP stream data. Messages are prefixed
// by a 2-byte big-endian length. Every complete message in data is
// unpacked and delivered to cb; the unconsumed remainder is returned so
// the caller can prepend it to the next read.
func HandleTCPData(data []byte, cb func(*dns.Msg)) ([]byte, error) {
	for {
		if len(data) < 2 {
			return data, nil
		}

		msglen := int(binary.BigEndian.Uint16(data[:2]))
		if msglen+2 > len(data) {
			return data, nil
		}

		msg := new(dns.Msg)
		if err := msg.Unpack(data[2 : msglen+2]); err != nil {
			return data, err
		}

		cb(msg)

		data = data[msglen+2:]
	}
}

// B64Encode returns the base64url encoding of buf without padding.
func B64Encode(buf []byte) string {
	return base64.RawURLEncoding.EncodeToString(buf)
}

// B64Decode decodes a base64url string, re-padding to the next multiple
// of four as the DOH spec allows padding to be stripped.
func B64Decode(s string) ([]byte, error) {
	if pad := len(s) % 4; pad != 0 {
		s += strings.Repeat("=", 4-pad)
	}

	return base64.URLEncoding.DecodeString(s)
}

// MinimalTTL returns the smallest TTL over the answer section.
func MinimalTTL(msg *dns.Msg) (uint32, bool) {
	if len(msg.Answer) == 0 {
		return 0, false
	}

	ttl := msg.Answer[0].Header().Ttl
	for _, rr := range msg.Answer[1:] {
		if rr.Header().Ttl < ttl {
			ttl = rr.Header().Ttl
		}
	}

	return ttl, true
}

// FormatQuestion returns a readable excerpt of a question for logging.
func FormatQuestion(q dns.Question) string {
	return strings.ToLower(q.Name) + " " + dns.ClassToString[q.Qclass] + " " + dns.TypeToString[q.Qtype]
}

// FormatFlags returns the header flags set on msg joined by slashes.
func FormatFlags(msg *dns.Msg) string {
	var flags []string

	if msg.Response {
		flags = append(flags, "qr")
	}
	if msg.Authoritative {
		flags = append(flags, "aa")
	}
	if msg.Truncated {
		flags = append(flags, "tc")
	}
	if msg.RecursionDesired {
		flags = append(flags, "rd")
	}
	if msg.RecursionAvailable {
		flags = append(flags, "ra")
	}
	if msg.AuthenticatedData {
		flags = append(flags, "ad")
	}
	if msg.CheckingDisabled {
		flags = append(flags, "cd")
	}

	return strings.Join(flags, "/")
}
