// Package config loads and validates the declarative speaker configuration:
// the speaker identity, the peers with their address families and
// capability toggles, the routes and flow rules to advertise, the control
// channel, the helper processes, and the optional event export.
package config

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service   ServiceConfig            `koanf:"service"`
	Speaker   SpeakerConfig            `koanf:"speaker"`
	API       APIConfig                `koanf:"api"`
	Export    ExportConfig             `koanf:"export"`
	Peers     map[string]PeerConfig    `koanf:"peers"`
	Processes map[string]ProcessConfig `koanf:"processes"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type SpeakerConfig struct {
	RouterID string   `koanf:"router_id"`
	Listen   []string `koanf:"listen"`
	Port     uint16   `koanf:"port"`
}

type APIConfig struct {
	// Transport is "socket" (local stream socket) or "pipe" (named pipe
	// pair); the BGP_SPEAKER_API__TRANSPORT environment variable overrides.
	Transport string `koanf:"transport"`
	Socket    string `koanf:"socket"`
	PipeIn    string `koanf:"pipe_in"`
	PipeOut   string `koanf:"pipe_out"`
	// Encoding is "text" or "json", selectable per session at connect time.
	Encoding string `koanf:"encoding"`
}

type ExportConfig struct {
	Enabled       bool     `koanf:"enabled"`
	Brokers       []string `koanf:"brokers"`
	Topic         string   `koanf:"topic"`
	ClientID      string   `koanf:"client_id"`
	IncludeRaw    bool     `koanf:"include_raw"`
	CompressRaw   bool     `koanf:"compress_raw"`
	FlushTimeoutS int      `koanf:"flush_timeout_seconds"`
}

type PeerConfig struct {
	PeerAddress  string `koanf:"peer_address"`
	LocalAddress string `koanf:"local_address"` // empty or "auto": resolved after connect
	PeerAS       uint32 `koanf:"peer_as"`
	LocalAS      uint32 `koanf:"local_as"`
	RouterID     string `koanf:"router_id"`
	HoldTime     uint16 `koanf:"hold_time"`

	Families []string `koanf:"families"`

	Passive     bool   `koanf:"passive"`
	Port        uint16 `koanf:"port"`
	ListenPort  uint16 `koanf:"listen_port"`
	SourceIface string `koanf:"source_interface"`

	MD5Password string `koanf:"md5_password"`
	TTL         uint8  `koanf:"ttl"`
	GTSM        uint8  `koanf:"gtsm"`

	RouteRefresh         bool              `koanf:"route_refresh"`
	EnhancedRouteRefresh bool              `koanf:"enhanced_route_refresh"`
	GracefulRestart      bool              `koanf:"graceful_restart"`
	GracefulRestartTime  uint16            `koanf:"graceful_restart_time"`
	AddPath              map[string]string `koanf:"add_path"` // family -> send|receive|both
	ASN4                 bool              `koanf:"asn4"`
	AIGP                 bool              `koanf:"aigp"`
	ExtendedMessage      bool              `koanf:"extended_message"`
	MultiSession         bool              `koanf:"multi_session"`
	Operational          bool              `koanf:"operational"`

	Once      bool `koanf:"once"`
	RateLimit int  `koanf:"rate_limit"`
	AdjRIBIn  bool `koanf:"adj_rib_in"`
	AdjRIBOut bool `koanf:"adj_rib_out"`

	// APISubscriptions filters which peer events reach the control channel
	// and helper processes; empty means everything.
	APISubscriptions []string `koanf:"api_subscriptions"`

	Routes []RouteConfig `koanf:"routes"`
	Flows  []FlowConfig  `koanf:"flows"`
}

type RouteConfig struct {
	Prefix           string   `koanf:"prefix"`
	NextHop          string   `koanf:"next_hop"` // address or "self"
	Origin           string   `koanf:"origin"`
	ASPath           []uint32 `koanf:"as_path"`
	MED              *uint32  `koanf:"med"`
	LocalPref        *uint32  `koanf:"local_preference"`
	Communities      []string `koanf:"communities"`
	LargeCommunities []string `koanf:"large_communities"`
	Labels           []uint32 `koanf:"labels"`
	RD               string   `koanf:"rd"`
	PathID           uint32   `koanf:"path_id"`
	AIGP             *uint64  `koanf:"aigp"`
}

type FlowConfig struct {
	AFI             string   `koanf:"afi"` // ipv4 (default) or ipv6
	RD              string   `koanf:"rd"`  // presence selects the flow-vpn family
	Destination     string   `koanf:"destination"`
	Source          string   `koanf:"source"`
	Protocols       []uint32 `koanf:"protocols"`
	Ports           []uint32 `koanf:"ports"`
	DestinationPort []uint32 `koanf:"destination_ports"`
	SourcePort      []uint32 `koanf:"source_ports"`
	TCPFlags        []uint32 `koanf:"tcp_flags"`
	ICMPTypes       []uint32 `koanf:"icmp_types"`
	ICMPCodes       []uint32 `koanf:"icmp_codes"`
	PacketLengths   []uint32 `koanf:"packet_lengths"`
	DSCP            []uint32 `koanf:"dscp"`
	Fragments       []uint32 `koanf:"fragments"`
	FlowLabels      []uint32 `koanf:"flow_labels"`
	// Actions, encoded as extended communities (rate-limit, redirect).
	ExtendedCommunities []string `koanf:"extended_communities"`
}

type ProcessConfig struct {
	Run       []string `koanf:"run"`
	Neighbors []string `koanf:"neighbors"` // peer names this helper receives events for; empty = all
	Encoding  string   `koanf:"encoding"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: BGP_SPEAKER_API__TRANSPORT → api.transport
	if err := k.Load(env.Provider("BGP_SPEAKER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "BGP_SPEAKER_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "bgp-speaker-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Speaker: SpeakerConfig{
			Port: 179,
		},
		API: APIConfig{
			Transport: "socket",
			Socket:    "/run/bgp-speaker/api.sock",
			PipeIn:    "/run/bgp-speaker/api.in",
			PipeOut:   "/run/bgp-speaker/api.out",
			Encoding:  "text",
		},
		Export: ExportConfig{
			ClientID:      "bgp-speaker",
			CompressRaw:   true,
			FlushTimeoutS: 5,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Speaker.RouterID == "" {
		return fmt.Errorf("config: speaker.router_id is required")
	}
	id, err := netip.ParseAddr(c.Speaker.RouterID)
	if err != nil || !id.Is4() {
		return fmt.Errorf("config: speaker.router_id must be an IPv4 address (got %q)", c.Speaker.RouterID)
	}
	for _, l := range c.Speaker.Listen {
		if _, err := netip.ParseAddr(l); err != nil {
			return fmt.Errorf("config: speaker.listen address %q: %w", l, err)
		}
	}
	switch c.API.Transport {
	case "socket", "pipe":
	default:
		return fmt.Errorf("config: api.transport must be socket or pipe (got %q)", c.API.Transport)
	}
	switch c.API.Encoding {
	case "text", "json":
	default:
		return fmt.Errorf("config: api.encoding must be text or json (got %q)", c.API.Encoding)
	}
	if c.Export.Enabled {
		if len(c.Export.Brokers) == 0 {
			return fmt.Errorf("config: export.brokers is required when export is enabled")
		}
		if c.Export.Topic == "" {
			return fmt.Errorf("config: export.topic is required when export is enabled")
		}
	}
	if len(c.Peers) == 0 {
		return fmt.Errorf("config: at least one peer is required")
	}
	for name, p := range c.Peers {
		if err := p.validate(); err != nil {
			return fmt.Errorf("config: peer %s: %w", name, err)
		}
	}
	for name, p := range c.Processes {
		if len(p.Run) == 0 {
			return fmt.Errorf("config: process %s: run is required", name)
		}
	}
	return nil
}

func (p *PeerConfig) validate() error {
	if p.PeerAddress == "" {
		return fmt.Errorf("peer_address is required")
	}
	if _, err := netip.ParseAddr(p.PeerAddress); err != nil {
		return fmt.Errorf("peer_address %q: %w", p.PeerAddress, err)
	}
	if p.LocalAddress != "" && p.LocalAddress != "auto" {
		if _, err := netip.ParseAddr(p.LocalAddress); err != nil {
			return fmt.Errorf("local_address %q: %w", p.LocalAddress, err)
		}
	}
	if p.LocalAS == 0 {
		return fmt.Errorf("local_as is required")
	}
	if p.PeerAS == 0 {
		return fmt.Errorf("peer_as is required")
	}
	if p.HoldTime != 0 && p.HoldTime < 3 {
		return fmt.Errorf("hold_time must be 0 or >= 3 (got %d)", p.HoldTime)
	}
	if p.RouterID != "" {
		id, err := netip.ParseAddr(p.RouterID)
		if err != nil || !id.Is4() {
			return fmt.Errorf("router_id must be an IPv4 address (got %q)", p.RouterID)
		}
	}
	for _, f := range p.Families {
		if _, err := ParseFamily(f); err != nil {
			return err
		}
	}
	for fam, dir := range p.AddPath {
		if _, err := ParseFamily(fam); err != nil {
			return err
		}
		switch dir {
		case "send", "receive", "both":
		default:
			return fmt.Errorf("add_path direction must be send, receive or both (got %q)", dir)
		}
	}
	for i, r := range p.Routes {
		if err := r.validate(); err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}
	}
	for i, f := range p.Flows {
		if err := f.validate(); err != nil {
			return fmt.Errorf("flow %d: %w", i, err)
		}
	}
	return nil
}

func (r *RouteConfig) validate() error {
	if r.Prefix == "" {
		return fmt.Errorf("prefix is required")
	}
	if _, err := netip.ParsePrefix(r.Prefix); err != nil {
		return fmt.Errorf("prefix %q: %w", r.Prefix, err)
	}
	if r.NextHop == "" {
		return fmt.Errorf("next_hop is required")
	}
	if r.NextHop != "self" {
		if _, err := netip.ParseAddr(r.NextHop); err != nil {
			return fmt.Errorf("next_hop %q: %w", r.NextHop, err)
		}
	}
	switch r.Origin {
	case "", "igp", "egp", "incomplete":
	default:
		return fmt.Errorf("origin must be igp, egp or incomplete (got %q)", r.Origin)
	}
	for _, l := range r.Labels {
		if l >= 1<<20 {
			return fmt.Errorf("label %d exceeds 20 bits", l)
		}
	}
	if r.RD != "" {
		if _, err := ParseRD(r.RD); err != nil {
			return err
		}
	}
	for _, c := range r.Communities {
		if _, err := ParseCommunity(c); err != nil {
			return err
		}
	}
	return nil
}

func (f *FlowConfig) validate() error {
	switch f.AFI {
	case "", "ipv4", "ipv6":
	default:
		return fmt.Errorf("afi must be ipv4 or ipv6 (got %q)", f.AFI)
	}
	if f.Destination == "" && f.Source == "" && len(f.Protocols) == 0 &&
		len(f.Ports) == 0 && len(f.DestinationPort) == 0 && len(f.SourcePort) == 0 &&
		len(f.TCPFlags) == 0 && len(f.ICMPTypes) == 0 && len(f.ICMPCodes) == 0 &&
		len(f.PacketLengths) == 0 && len(f.DSCP) == 0 && len(f.Fragments) == 0 &&
		len(f.FlowLabels) == 0 {
		return fmt.Errorf("flow has no components")
	}
	if f.Destination != "" {
		if _, err := netip.ParsePrefix(f.Destination); err != nil {
			return fmt.Errorf("destination %q: %w", f.Destination, err)
		}
	}
	if f.Source != "" {
		if _, err := netip.ParsePrefix(f.Source); err != nil {
			return fmt.Errorf("source %q: %w", f.Source, err)
		}
	}
	if f.RD != "" {
		if _, err := ParseRD(f.RD); err != nil {
			return err
		}
	}
	return nil
}
