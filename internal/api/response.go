// Package api implements the control channel: a line-oriented command
// surface over a local socket or named-pipe pair, the structured event
// stream delivered to subscribers and helper processes, and the helper
// process lifecycle.
package api

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/route-beacon/bgp-speaker/internal/message"
	"github.com/route-beacon/bgp-speaker/internal/peer"
)

// Ack markers concluding a command response.
const (
	AckDone     = "done"
	AckError    = "error"
	AckShutdown = "shutdown"
)

// Encoding selects the response and event rendering.
type Encoding int

const (
	EncodingText Encoding = iota
	EncodingJSON
)

func ParseEncoding(s string) Encoding {
	if strings.EqualFold(s, "json") {
		return EncodingJSON
	}
	return EncodingText
}

// jsonEvent is the stable one-line JSON schema of the event stream.
type jsonEvent struct {
	Version  string       `json:"version"`
	Host     string       `json:"host"`
	Time     int64        `json:"time"`
	Type     string       `json:"type"`
	Neighbor jsonNeighbor `json:"neighbor"`
}

type jsonNeighbor struct {
	Name      string          `json:"name"`
	State     string          `json:"state,omitempty"`
	Direction string          `json:"direction,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Raw       string          `json:"raw,omitempty"`
}

var hostname, _ = os.Hostname()

// EncodeEvent renders one peer event as a single line.
func EncodeEvent(ev peer.Event, enc Encoding) string {
	if enc == EncodingText {
		return encodeEventText(ev)
	}
	out := jsonEvent{
		Version: "1.0",
		Host:    hostname,
		Time:    ev.Time.Unix(),
		Type:    ev.Type,
		Neighbor: jsonNeighbor{
			Name:      ev.Peer,
			State:     ev.State.String(),
			Direction: ev.Direction,
			Reason:    ev.Reason,
		},
	}
	switch {
	case ev.Update != nil:
		out.Neighbor.Message = encodeUpdateJSON(ev.Update)
		if len(ev.Raw) > 0 {
			out.Neighbor.Raw = hex.EncodeToString(ev.Raw)
		}
	case ev.Notification != nil:
		b, _ := json.Marshal(map[string]any{
			"code":    ev.Notification.Code,
			"subcode": ev.Notification.Subcode,
			"data":    hex.EncodeToString(ev.Notification.Data),
		})
		out.Neighbor.Message = b
	case ev.Open != nil:
		b, _ := json.Marshal(map[string]any{
			"asn":       ev.Open.EffectiveASN(),
			"hold_time": ev.Open.HoldTime,
			"router_id": ev.Open.RouterID.String(),
		})
		out.Neighbor.Message = b
	case ev.Refresh != nil:
		b, _ := json.Marshal(map[string]any{"family": ev.Refresh.Family.String(), "subtype": ev.Refresh.Subtype})
		out.Neighbor.Message = b
	case ev.Operational != nil:
		b, _ := json.Marshal(map[string]any{
			"category": ev.Operational.Category.String(),
			"family":   ev.Operational.Family.String(),
			"data":     string(ev.Operational.Data),
		})
		out.Neighbor.Message = b
	case ev.Negotiated != nil:
		fams := make([]string, 0, len(ev.Negotiated.Families))
		for _, f := range ev.Negotiated.Families {
			fams = append(fams, f.String())
		}
		b, _ := json.Marshal(map[string]any{
			"peer_as":   ev.Negotiated.PeerAS,
			"hold_time": ev.Negotiated.HoldTime,
			"families":  fams,
			"msg_size":  ev.Negotiated.MsgSize,
		})
		out.Neighbor.Message = b
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func encodeUpdateJSON(u *message.UpdateCollection) json.RawMessage {
	announces := make([]string, 0, len(u.Announces))
	for _, a := range u.Announces {
		announces = append(announces, a.String())
	}
	withdraws := make([]string, 0, len(u.Withdraws))
	for _, w := range u.Withdraws {
		withdraws = append(withdraws, w.String())
	}
	body := map[string]any{
		"attributes": u.Attributes.String(),
		"announce":   announces,
		"withdraw":   withdraws,
	}
	if u.EORFamily != nil {
		body["eor"] = u.EORFamily.String()
	}
	b, _ := json.Marshal(body)
	return b
}

func encodeEventText(ev peer.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "neighbor %s %s", ev.Peer, ev.Type)
	if ev.Direction != "" {
		fmt.Fprintf(&b, " %s", ev.Direction)
	}
	switch {
	case ev.Type == peer.EventState:
		fmt.Fprintf(&b, " %s", ev.State)
	case ev.Reason != "":
		fmt.Fprintf(&b, " %s", ev.Reason)
	case ev.Update != nil:
		fmt.Fprintf(&b, " %s", ev.Update.Attributes)
		for _, a := range ev.Update.Announces {
			fmt.Fprintf(&b, " announce %s", a)
		}
		for _, w := range ev.Update.Withdraws {
			fmt.Fprintf(&b, " withdraw %s", w)
		}
		if ev.Update.EORFamily != nil {
			fmt.Fprintf(&b, " eor %s", ev.Update.EORFamily)
		}
	case ev.Notification != nil:
		fmt.Fprintf(&b, " %s", ev.Notification)
	case ev.Refresh != nil:
		fmt.Fprintf(&b, " %s", ev.Refresh)
	}
	return b.String()
}
