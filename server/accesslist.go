package server

import (
	"net"

	"github.com/semihalev/zlog/v2"
	"github.com/yl2chen/cidranger"
)

// AccessList restricts which client networks may query the proxy.
// An empty list allows everyone.
type AccessList struct {
	ranger cidranger.Ranger
}

// NewAccessList return accesslist
func NewAccessList(cidrs []string) *AccessList {
	a := new(AccessList)

	if len(cidrs) == 0 {
		return a
	}

	a.ranger = cidranger.NewPCTrieRanger()
	for _, cidr := range cidrs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			zlog.Error("Access list parse cidr failed", "cidr", cidr, "error", err.Error())
			continue
		}

		_ = a.ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet))
	}

	return a
}

// Allowed reports whether the client may query.
func (a *AccessList) Allowed(ip net.IP) bool {
	if a.ranger == nil {
		return true
	}

	if ip == nil {
		return false
	}

	allowed, _ := a.ranger.Contains(ip)

	return allowed
}
