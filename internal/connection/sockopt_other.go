//go:build !linux

package connection

import (
	"errors"
	"net/netip"
)

var errUnsupported = errors.New("connection: socket option not supported on this platform")

func setReuseAddr(fd uintptr) error { return nil }

func setMD5Signature(fd uintptr, peer netip.Addr, key string) error { return errUnsupported }

func setTTL(fd uintptr, ipv6 bool, ttl uint8) error { return errUnsupported }

func setMinTTL(fd uintptr, ipv6 bool, ttl uint8) error { return errUnsupported }
