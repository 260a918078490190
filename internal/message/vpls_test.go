package message

import (
	"bytes"
	"encoding/hex"
	"net/netip"
	"testing"
)

// Known-good encoding produced by a Juniper router:
// endpoint 3, base 262145, offset 1, size 8, rd 172.30.5.4:13.
func TestVPLSKnownEncoding(t *testing.T) {
	encoded, _ := hex.DecodeString("00110001ac1e0504000d000300010008400011")

	rd := NewRDFromIP(netip.MustParseAddr("172.30.5.4"), 13)
	v, err := NewVPLS(rd, 3, 262145, 1, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(v.Pack(false), encoded) {
		t.Fatalf("vpls pack mismatch\n got %x\nwant %x", v.Pack(false), encoded)
	}

	nlris, err := UnpackNLRI(Family{AFIL2VPN, SAFIVPLS}, encoded, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := nlris[0].(*VPLS)
	if got.Endpoint() != 3 {
		t.Errorf("endpoint mismatch: %d", got.Endpoint())
	}
	base, offset, size := got.Block()
	if base != 262145 || offset != 1 || size != 8 {
		t.Errorf("label block mismatch: base=%d offset=%d size=%d", base, offset, size)
	}
	if got.RD().String() != "172.30.5.4:13" {
		t.Errorf("rd mismatch: %s", got.RD())
	}
}

func TestVPLSLabelBlockBounds(t *testing.T) {
	rd := NewRD(65000, 1)
	if _, err := NewVPLS(rd, 1, 1<<20-4, 0, 8); err == nil {
		t.Fatal("expected error for label block exceeding 20 bits")
	}
	if _, err := NewVPLS(rd, 1, 1<<20-8, 0, 8); err != nil {
		t.Fatalf("unexpected error at the boundary: %v", err)
	}
}

func TestVPLSBadLength(t *testing.T) {
	_, _, err := unpackVPLS([]byte{0, 16, 1, 2, 3})
	if err == nil {
		t.Fatal("expected error for bad vpls length")
	}
}
