package message

import "fmt"

// AFI is the 16-bit Address Family Identifier.
type AFI uint16

// SAFI is the 8-bit Subsequent Address Family Identifier.
type SAFI uint8

const (
	AFIIPv4  AFI = 1
	AFIIPv6  AFI = 2
	AFIL2VPN AFI = 25
)

const (
	SAFIUnicast   SAFI = 1
	SAFIMulticast SAFI = 2
	SAFILabeled   SAFI = 4
	SAFIVPLS      SAFI = 65
	SAFIEVPN      SAFI = 70
	SAFIMPLSVPN   SAFI = 128
	SAFIFlowIP    SAFI = 133
	SAFIFlowVPN   SAFI = 134
)

func (a AFI) String() string {
	switch a {
	case AFIIPv4:
		return "ipv4"
	case AFIIPv6:
		return "ipv6"
	case AFIL2VPN:
		return "l2vpn"
	}
	return fmt.Sprintf("afi(%d)", uint16(a))
}

func (s SAFI) String() string {
	switch s {
	case SAFIUnicast:
		return "unicast"
	case SAFIMulticast:
		return "multicast"
	case SAFILabeled:
		return "nlri-mpls"
	case SAFIVPLS:
		return "vpls"
	case SAFIEVPN:
		return "evpn"
	case SAFIMPLSVPN:
		return "mpls-vpn"
	case SAFIFlowIP:
		return "flow"
	case SAFIFlowVPN:
		return "flow-vpn"
	}
	return fmt.Sprintf("safi(%d)", uint8(s))
}

// Family names an (AFI, SAFI) pair.
type Family struct {
	AFI  AFI
	SAFI SAFI
}

func (f Family) String() string {
	return f.AFI.String() + " " + f.SAFI.String()
}

// SupportedFamilies lists every family this speaker can negotiate and encode.
var SupportedFamilies = []Family{
	{AFIIPv4, SAFIUnicast},
	{AFIIPv4, SAFIMulticast},
	{AFIIPv4, SAFILabeled},
	{AFIIPv4, SAFIMPLSVPN},
	{AFIIPv4, SAFIFlowIP},
	{AFIIPv4, SAFIFlowVPN},
	{AFIIPv6, SAFIUnicast},
	{AFIIPv6, SAFIMulticast},
	{AFIIPv6, SAFILabeled},
	{AFIIPv6, SAFIMPLSVPN},
	{AFIIPv6, SAFIFlowIP},
	{AFIIPv6, SAFIFlowVPN},
	{AFIL2VPN, SAFIVPLS},
	{AFIL2VPN, SAFIEVPN},
}

// Supported reports whether the family is in the supported set.
func (f Family) Supported() bool {
	for _, s := range SupportedFamilies {
		if s == f {
			return true
		}
	}
	return false
}

// bits returns the host length of the AFI in bits, 0 when not an IP family.
func (a AFI) bits() int {
	switch a {
	case AFIIPv4:
		return 32
	case AFIIPv6:
		return 128
	}
	return 0
}
