//go:build linux

package connection

import (
	"fmt"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

func setReuseAddr(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

// setMD5Signature installs a TCP MD5 signature key (RFC 2385) for the peer
// address on the socket.
func setMD5Signature(fd uintptr, peer netip.Addr, key string) error {
	if len(key) > unix.TCP_MD5SIG_MAXKEYLEN {
		return fmt.Errorf("connection: md5 key longer than %d bytes", unix.TCP_MD5SIG_MAXKEYLEN)
	}
	sig := unix.TCPMD5Sig{Keylen: uint16(len(key))}
	copy(sig.Key[:], key)
	if peer.Is4() {
		sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(&sig.Addr))
		sa.Family = unix.AF_INET
		a := peer.As4()
		copy(sa.Addr[:], a[:])
	} else {
		sa := (*unix.RawSockaddrInet6)(unsafe.Pointer(&sig.Addr))
		sa.Family = unix.AF_INET6
		a := peer.As16()
		copy(sa.Addr[:], a[:])
	}
	return unix.SetsockoptTCPMD5Sig(int(fd), unix.IPPROTO_TCP, unix.TCP_MD5SIG, &sig)
}

func setTTL(fd uintptr, ipv6 bool, ttl uint8) error {
	if ipv6 {
		return unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, int(ttl))
	}
	return unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TTL, int(ttl))
}

// setMinTTL enables GTSM (RFC 5082): packets arriving with a lower TTL are
// dropped by the kernel.
func setMinTTL(fd uintptr, ipv6 bool, ttl uint8) error {
	if ipv6 {
		return unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_MINHOPCOUNT, int(ttl))
	}
	return unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MINTTL, int(ttl))
}
