package api

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-speaker/internal/config"
	"github.com/route-beacon/bgp-speaker/internal/message"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/route-beacon/bgp-speaker/internal/peer"
)

// Backend is what the command engine needs from the reactor.
type Backend interface {
	Peers() []*peer.Peer
	Shutdown()
	Reload() error
}

// Engine parses control channel lines and dispatches them against the
// reactor's peer set.
type Engine struct {
	backend Backend
	logger  *zap.Logger
}

func NewEngine(backend Backend, logger *zap.Logger) *Engine {
	return &Engine{backend: backend, logger: logger}
}

// Dispatch handles one command line. Response lines go through reply; the
// returned string is the concluding ack marker.
func (e *Engine) Dispatch(line string, reply func(string)) string {
	fields := tokenize(line)
	if len(fields) == 0 {
		return AckDone
	}

	name := fields[0]
	ack := e.dispatch(fields, reply)
	result := "ok"
	if ack == AckError {
		result = "error"
	}
	metrics.APICommandsTotal.WithLabelValues(name, result).Inc()
	return ack
}

func (e *Engine) dispatch(fields []string, reply func(string)) string {
	// selector: repeated "neighbor <ip>" prefixes plus optional filters
	sel, rest, err := parseSelector(fields)
	if err != nil {
		reply(err.Error())
		return AckError
	}
	if len(rest) == 0 {
		reply("missing command")
		return AckError
	}

	switch rest[0] {
	case "shutdown":
		e.backend.Shutdown()
		return AckShutdown

	case "reload":
		if err := e.backend.Reload(); err != nil {
			reply(err.Error())
			return AckError
		}
		return AckDone

	case "announce":
		return e.announce(sel, rest[1:], reply)

	case "withdraw":
		return e.withdraw(sel, rest[1:], reply)

	case "teardown":
		code := message.SubcodeAdministrativeShutdown
		if len(rest) > 1 {
			v, err := strconv.ParseUint(rest[1], 10, 8)
			if err != nil {
				reply(fmt.Sprintf("bad teardown code %q", rest[1]))
				return AckError
			}
			code = uint8(v)
		}
		for _, p := range e.match(sel) {
			p.Teardown(code)
		}
		return AckDone

	case "flush":
		if len(rest) >= 3 && rest[1] == "adj-rib" && rest[2] == "out" {
			for _, p := range e.match(sel) {
				p.FlushAdjRIBOut()
			}
			return AckDone
		}
		reply("usage: flush adj-rib out")
		return AckError

	case "clear":
		if len(rest) >= 3 && rest[1] == "adj-rib" && rest[2] == "out" {
			for _, p := range e.match(sel) {
				p.ClearAdjRIBOut()
			}
			return AckDone
		}
		reply("usage: clear adj-rib out")
		return AckError

	case "show":
		return e.show(sel, rest[1:], reply)
	}

	reply(fmt.Sprintf("unknown command %q", rest[0]))
	return AckError
}

func (e *Engine) announce(sel *selector, rest []string, reply func(string)) string {
	if len(rest) == 0 {
		reply("announce what?")
		return AckError
	}
	peers := e.match(sel)
	if len(peers) == 0 {
		reply("no neighbor matching")
		return AckError
	}
	switch rest[0] {
	case "route":
		r, err := parseRoute(rest[1:])
		if err != nil {
			reply(err.Error())
			return AckError
		}
		for _, p := range peers {
			if aerr := p.Announce(r); aerr != nil {
				reply(aerr.Error())
				return AckError
			}
		}
		return AckDone

	case "flow":
		r, err := parseFlow(rest[1:])
		if err != nil {
			reply(err.Error())
			return AckError
		}
		for _, p := range peers {
			if aerr := p.Announce(r); aerr != nil {
				reply(aerr.Error())
				return AckError
			}
		}
		return AckDone

	case "route-refresh":
		f, err := parseFamilyArgs(rest[1:])
		if err != nil {
			reply(err.Error())
			return AckError
		}
		for _, p := range peers {
			p.SendRefresh(f)
		}
		return AckDone

	case "eor":
		f, err := parseFamilyArgs(rest[1:])
		if err != nil {
			reply(err.Error())
			return AckError
		}
		for _, p := range peers {
			p.SendEOR(f)
		}
		return AckDone

	case "operational":
		op, err := parseOperational(rest[1:])
		if err != nil {
			reply(err.Error())
			return AckError
		}
		for _, p := range peers {
			p.SendOperational(op)
		}
		return AckDone
	}
	reply(fmt.Sprintf("cannot announce %q", rest[0]))
	return AckError
}

func (e *Engine) withdraw(sel *selector, rest []string, reply func(string)) string {
	if len(rest) == 0 {
		reply("withdraw what?")
		return AckError
	}
	peers := e.match(sel)
	if len(peers) == 0 {
		reply("no neighbor matching")
		return AckError
	}
	switch rest[0] {
	case "route":
		r, err := parseRoute(rest[1:])
		if err != nil {
			reply(err.Error())
			return AckError
		}
		for _, p := range peers {
			p.Withdraw(r.NLRI)
		}
		return AckDone
	case "flow":
		r, err := parseFlow(rest[1:])
		if err != nil {
			reply(err.Error())
			return AckError
		}
		for _, p := range peers {
			p.Withdraw(r.NLRI)
		}
		return AckDone
	}
	reply(fmt.Sprintf("cannot withdraw %q", rest[0]))
	return AckError
}

func (e *Engine) show(sel *selector, rest []string, reply func(string)) string {
	if len(rest) == 0 {
		reply("show what?")
		return AckError
	}
	switch rest[0] {
	case "neighbor":
		summary := len(rest) > 1 && rest[1] == "summary"
		for _, p := range e.match(sel) {
			s := p.Settings()
			if summary {
				reply(fmt.Sprintf("%s %s %d %s", s.Name, s.PeerAddress, s.PeerAS, p.State()))
				continue
			}
			reply(fmt.Sprintf("neighbor %s", s.PeerAddress))
			reply(fmt.Sprintf("  state %s", p.State()))
			reply(fmt.Sprintf("  local-as %d peer-as %d", s.LocalAS, s.PeerAS))
			reply(fmt.Sprintf("  router-id %s hold-time %d", s.RouterID, s.HoldTime))
			if neg := p.Negotiated(); neg != nil {
				fams := make([]string, 0, len(neg.Families))
				for _, f := range neg.Families {
					fams = append(fams, f.String())
				}
				reply(fmt.Sprintf("  negotiated families [%s] msg-size %d", strings.Join(fams, ", "), neg.MsgSize))
			}
			if lastErr := p.LastError(); lastErr != "" {
				reply(fmt.Sprintf("  last-error %s", lastErr))
			}
		}
		return AckDone

	case "adj-rib":
		if len(rest) < 2 {
			reply("usage: show adj-rib in|out")
			return AckError
		}
		for _, p := range e.match(sel) {
			switch rest[1] {
			case "in":
				for _, r := range p.AdjIn().Routes() {
					reply(fmt.Sprintf("neighbor %s %s", p.Settings().PeerAddress, r))
				}
			case "out":
				for _, r := range p.AdjOut().Advertised() {
					reply(fmt.Sprintf("neighbor %s %s", p.Settings().PeerAddress, r))
				}
			default:
				reply("usage: show adj-rib in|out")
				return AckError
			}
		}
		return AckDone
	}
	reply(fmt.Sprintf("cannot show %q", rest[0]))
	return AckError
}

// selector names the peers a command applies to.
type selector struct {
	addrs    []netip.Addr
	localAS  uint32
	peerAS   uint32
	routerID netip.Addr
	family   *message.Family
	all      bool
}

func parseSelector(fields []string) (*selector, []string, error) {
	sel := &selector{}
	i := 0
	for i < len(fields) {
		switch fields[i] {
		case "neighbor":
			if i+1 >= len(fields) {
				return nil, nil, fmt.Errorf("neighbor requires an address")
			}
			if fields[i+1] == "*" {
				sel.all = true
			} else {
				a, err := netip.ParseAddr(fields[i+1])
				if err != nil {
					return nil, nil, fmt.Errorf("bad neighbor address %q", fields[i+1])
				}
				sel.addrs = append(sel.addrs, a)
			}
			i += 2
		case "local-as", "peer-as":
			if i+1 >= len(fields) {
				return nil, nil, fmt.Errorf("%s requires a value", fields[i])
			}
			v, err := strconv.ParseUint(fields[i+1], 10, 32)
			if err != nil {
				return nil, nil, fmt.Errorf("bad %s %q", fields[i], fields[i+1])
			}
			if fields[i] == "local-as" {
				sel.localAS = uint32(v)
			} else {
				sel.peerAS = uint32(v)
			}
			i += 2
		case "router-id":
			if i+1 >= len(fields) {
				return nil, nil, fmt.Errorf("router-id requires a value")
			}
			a, err := netip.ParseAddr(fields[i+1])
			if err != nil {
				return nil, nil, fmt.Errorf("bad router-id %q", fields[i+1])
			}
			sel.routerID = a
			i += 2
		default:
			return sel, fields[i:], nil
		}
	}
	return sel, nil, nil
}

func (e *Engine) match(sel *selector) []*peer.Peer {
	var out []*peer.Peer
	for _, p := range e.backend.Peers() {
		s := p.Settings()
		if len(sel.addrs) > 0 {
			found := false
			for _, a := range sel.addrs {
				if a == s.PeerAddress {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		if sel.localAS != 0 && sel.localAS != s.LocalAS {
			continue
		}
		if sel.peerAS != 0 && sel.peerAS != s.PeerAS {
			continue
		}
		if sel.routerID.IsValid() && sel.routerID != s.RouterID {
			continue
		}
		if sel.family != nil {
			found := false
			for _, f := range s.Families {
				if f == *sel.family {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

// tokenize splits a command line, keeping bracketed lists as runs of plain
// tokens delimited by "[" and "]".
func tokenize(line string) []string {
	line = strings.ReplaceAll(line, "[", " [ ")
	line = strings.ReplaceAll(line, "]", " ] ")
	return strings.Fields(line)
}

// takeList consumes either one value or a bracketed list starting at i.
func takeList(fields []string, i int) ([]string, int, error) {
	if i >= len(fields) {
		return nil, i, fmt.Errorf("missing value")
	}
	if fields[i] != "[" {
		return fields[i : i+1], i + 1, nil
	}
	var out []string
	for j := i + 1; j < len(fields); j++ {
		if fields[j] == "]" {
			return out, j + 1, nil
		}
		out = append(out, fields[j])
	}
	return nil, i, fmt.Errorf("unterminated list")
}

// parseRoute understands the textual route grammar:
//
//	<prefix> next-hop <ip|self> [origin igp|egp|incomplete] [med N]
//	[local-preference N] [as-path [N ...]] [community [A:B ...]]
//	[large-community [A:B:C ...]] [label [N ...]] [rd X] [path-id N] [aigp N]
func parseRoute(fields []string) (*message.Route, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("missing prefix")
	}
	rc := config.RouteConfig{Prefix: fields[0]}
	i := 1
	for i < len(fields) {
		key := fields[i]
		i++
		switch key {
		case "next-hop":
			if i >= len(fields) {
				return nil, fmt.Errorf("next-hop requires a value")
			}
			rc.NextHop = fields[i]
			i++
		case "origin":
			if i >= len(fields) {
				return nil, fmt.Errorf("origin requires a value")
			}
			rc.Origin = fields[i]
			i++
		case "med":
			v, err := takeUint32(fields, &i)
			if err != nil {
				return nil, err
			}
			rc.MED = &v
		case "local-preference":
			v, err := takeUint32(fields, &i)
			if err != nil {
				return nil, err
			}
			rc.LocalPref = &v
		case "path-id":
			v, err := takeUint32(fields, &i)
			if err != nil {
				return nil, err
			}
			rc.PathID = v
		case "aigp":
			if i >= len(fields) {
				return nil, fmt.Errorf("aigp requires a value")
			}
			v, err := strconv.ParseUint(fields[i], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad aigp %q", fields[i])
			}
			i++
			rc.AIGP = &v
		case "as-path":
			vals, next, err := takeList(fields, i)
			if err != nil {
				return nil, err
			}
			i = next
			for _, v := range vals {
				asn, err := strconv.ParseUint(v, 10, 32)
				if err != nil {
					return nil, fmt.Errorf("bad asn %q", v)
				}
				rc.ASPath = append(rc.ASPath, uint32(asn))
			}
		case "community":
			vals, next, err := takeList(fields, i)
			if err != nil {
				return nil, err
			}
			i = next
			rc.Communities = append(rc.Communities, vals...)
		case "large-community":
			vals, next, err := takeList(fields, i)
			if err != nil {
				return nil, err
			}
			i = next
			rc.LargeCommunities = append(rc.LargeCommunities, vals...)
		case "label":
			vals, next, err := takeList(fields, i)
			if err != nil {
				return nil, err
			}
			i = next
			for _, v := range vals {
				l, err := strconv.ParseUint(v, 10, 32)
				if err != nil {
					return nil, fmt.Errorf("bad label %q", v)
				}
				rc.Labels = append(rc.Labels, uint32(l))
			}
		case "rd":
			if i >= len(fields) {
				return nil, fmt.Errorf("rd requires a value")
			}
			rc.RD = fields[i]
			i++
		default:
			return nil, fmt.Errorf("unknown route token %q", key)
		}
	}
	if rc.NextHop == "" {
		return nil, fmt.Errorf("next-hop is required")
	}
	if _, err := netip.ParsePrefix(rc.Prefix); err != nil {
		return nil, fmt.Errorf("bad prefix %q", rc.Prefix)
	}
	return rc.BuildRoute()
}

func takeUint32(fields []string, i *int) (uint32, error) {
	if *i >= len(fields) {
		return 0, fmt.Errorf("missing value")
	}
	v, err := strconv.ParseUint(fields[*i], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad value %q", fields[*i])
	}
	*i++
	return uint32(v), nil
}

// parseFlow understands:
//
//	[afi ipv6] [rd X] [destination P] [source P] [protocol [=N ...]]
//	[destination-port [=N ...]] [source-port [=N ...]] [port [=N ...]]
//	[tcp-flags ...] [icmp-type ...] [icmp-code ...] [packet-length ...]
//	[dscp ...] [fragment ...] [flow-label ...] [rate-limit N]
func parseFlow(fields []string) (*message.Route, error) {
	fc := config.FlowConfig{}
	i := 0
	numeric := func(dst *[]uint32) error {
		vals, next, err := takeList(fields, i)
		if err != nil {
			return err
		}
		i = next
		for _, v := range vals {
			v = strings.TrimPrefix(v, "=")
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return fmt.Errorf("bad numeric value %q", v)
			}
			*dst = append(*dst, uint32(n))
		}
		return nil
	}
	for i < len(fields) {
		key := fields[i]
		i++
		var err error
		switch key {
		case "afi":
			if i >= len(fields) {
				return nil, fmt.Errorf("afi requires a value")
			}
			fc.AFI = fields[i]
			i++
		case "rd":
			if i >= len(fields) {
				return nil, fmt.Errorf("rd requires a value")
			}
			fc.RD = fields[i]
			i++
		case "destination":
			if i >= len(fields) {
				return nil, fmt.Errorf("destination requires a value")
			}
			fc.Destination = fields[i]
			i++
		case "source":
			if i >= len(fields) {
				return nil, fmt.Errorf("source requires a value")
			}
			fc.Source = fields[i]
			i++
		case "protocol":
			err = numeric(&fc.Protocols)
		case "port":
			err = numeric(&fc.Ports)
		case "destination-port":
			err = numeric(&fc.DestinationPort)
		case "source-port":
			err = numeric(&fc.SourcePort)
		case "tcp-flags":
			err = numeric(&fc.TCPFlags)
		case "icmp-type":
			err = numeric(&fc.ICMPTypes)
		case "icmp-code":
			err = numeric(&fc.ICMPCodes)
		case "packet-length":
			err = numeric(&fc.PacketLengths)
		case "dscp":
			err = numeric(&fc.DSCP)
		case "fragment":
			err = numeric(&fc.Fragments)
		case "flow-label":
			err = numeric(&fc.FlowLabels)
		case "rate-limit":
			if i >= len(fields) {
				return nil, fmt.Errorf("rate-limit requires a value")
			}
			fc.ExtendedCommunities = append(fc.ExtendedCommunities, "rate-limit:"+fields[i])
			i++
		default:
			return nil, fmt.Errorf("unknown flow token %q", key)
		}
		if err != nil {
			return nil, err
		}
	}
	return fc.BuildFlow()
}

func parseFamilyArgs(fields []string) (message.Family, error) {
	if len(fields) < 2 {
		return message.Family{}, fmt.Errorf("usage: <afi> <safi>")
	}
	return config.ParseFamily(fields[0] + " " + fields[1])
}

// parseOperational understands: adm|asm <afi> <safi> <text...>
func parseOperational(fields []string) (*message.Operational, error) {
	if len(fields) < 4 {
		return nil, fmt.Errorf("usage: operational adm|asm <afi> <safi> <message>")
	}
	var cat message.OperationalCategory
	switch strings.ToLower(fields[0]) {
	case "adm":
		cat = message.OperationalADM
	case "asm":
		cat = message.OperationalASM
	default:
		return nil, fmt.Errorf("unknown operational category %q", fields[0])
	}
	f, err := config.ParseFamily(fields[1] + " " + fields[2])
	if err != nil {
		return nil, err
	}
	data := strings.Join(fields[3:], " ")
	data = strings.Trim(data, `"`)
	return &message.Operational{Category: cat, Family: f, Data: []byte(data)}, nil
}
