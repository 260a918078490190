package message

import (
	"bytes"
	"net/netip"
	"testing"
)

// Components are emitted in RFC order (source=2, protocol=3,
// destination-port=5) regardless of construction order, and the last
// operand of each numeric test carries the end-of-list bit.
func TestFlowComponentOrdering(t *testing.T) {
	f := NewFlow(AFIIPv4, SAFIFlowIP, RD{}, []FlowComponent{
		NewFlowNumeric(FlowDestPort, []FlowOp{{Op: FlowNumericEQ, Value: 80}}),
		NewFlowNumeric(FlowProtocol, []FlowOp{{Op: FlowNumericEQ, Value: 6}}),
		NewFlowPrefix(FlowSource, netip.MustParsePrefix("10.0.0.0/24")),
	})

	want := []byte{
		11,               // nlri length
		2, 24, 10, 0, 0, // source 10.0.0.0/24
		3, 0x81, 6, // protocol =6, EOL
		5, 0x81, 80, // destination-port =80, EOL
	}
	got := f.Pack(false)
	if !bytes.Equal(got, want) {
		t.Fatalf("flow pack mismatch\n got %x\nwant %x", got, want)
	}
}

func TestFlowRoundTrip(t *testing.T) {
	f := NewFlow(AFIIPv4, SAFIFlowIP, RD{}, []FlowComponent{
		NewFlowPrefix(FlowDestination, netip.MustParsePrefix("192.0.2.0/24")),
		NewFlowPrefix(FlowSource, netip.MustParsePrefix("10.0.0.0/24")),
		NewFlowNumeric(FlowProtocol, []FlowOp{{Op: FlowNumericEQ, Value: 6}}),
		NewFlowNumeric(FlowDestPort, []FlowOp{
			{Op: FlowNumericGT | FlowNumericEQ, Value: 1024},
			{Op: FlowOpAND | FlowNumericLT, Value: 2048},
		}),
	})
	packed := f.Pack(false)
	nlris, err := UnpackNLRI(Family{AFIIPv4, SAFIFlowIP}, packed, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nlris) != 1 {
		t.Fatalf("expected 1 nlri, got %d", len(nlris))
	}
	got := nlris[0].(*Flow)
	if len(got.Components()) != 4 {
		t.Fatalf("expected 4 components, got %d", len(got.Components()))
	}
	if !bytes.Equal(got.Pack(false), packed) {
		t.Errorf("flow does not round-trip\n got %x\nwant %x", got.Pack(false), packed)
	}
	// multi-byte operand uses the 2-byte length encoding
	ports := got.Components()[3].(*FlowNumericComponent)
	if ports.Ops()[0].Value != 1024 || ports.Ops()[1].Value != 2048 {
		t.Errorf("port operands mismatch: %+v", ports.Ops())
	}
	if ports.Ops()[1].Op&FlowOpAND == 0 {
		t.Errorf("AND bit lost on second operand")
	}
}

func TestFlowVPNCarriesRD(t *testing.T) {
	rd := NewRD(65000, 7)
	f := NewFlow(AFIIPv4, SAFIFlowVPN, rd, []FlowComponent{
		NewFlowPrefix(FlowDestination, netip.MustParsePrefix("192.0.2.0/24")),
	})
	packed := f.Pack(false)
	nlris, err := UnpackNLRI(Family{AFIIPv4, SAFIFlowVPN}, packed, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := nlris[0].(*Flow)
	if got.RD() != rd {
		t.Errorf("rd mismatch: %s", got.RD())
	}
}

func TestFlowIPv6(t *testing.T) {
	f := NewFlow(AFIIPv6, SAFIFlowIP, RD{}, []FlowComponent{
		NewFlowPrefix(FlowDestination, netip.MustParsePrefix("2001:db8::/32")),
		NewFlowNumeric(FlowLabel, []FlowOp{{Op: FlowNumericEQ, Value: 1000}}),
	})
	packed := f.Pack(false)
	nlris, err := UnpackNLRI(Family{AFIIPv6, SAFIFlowIP}, packed, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := nlris[0].(*Flow)
	if got.Family() != (Family{AFIIPv6, SAFIFlowIP}) {
		t.Errorf("family mismatch: %s", got.Family())
	}
	if len(got.Components()) != 2 {
		t.Errorf("expected 2 components, got %d", len(got.Components()))
	}
}
