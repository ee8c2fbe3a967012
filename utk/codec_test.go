package utk

import (
	"encoding/base64"
	"testing"
)

func b64Pub() string {
	return base64.StdEncoding.EncodeToString(make([]byte, 32))
}

func TestDecodeCompact(t *testing.T) {
	k, err := DecodeCompact("utk-abc123:" + b64Pub())
	if err != nil {
		t.Fatalf("DecodeCompact failed: %v", err)
	}
	if k.ID != "utk-abc123" {
		t.Errorf("ID = %q, want utk-abc123", k.ID)
	}
	if len(k.PublicKey) != 32 {
		t.Errorf("PublicKey length = %d, want 32", len(k.PublicKey))
	}
	if k.Algorithm != AlgorithmX25519 {
		t.Errorf("Algorithm = %q, want %q", k.Algorithm, AlgorithmX25519)
	}
}

func TestDecodeCompactRejectsMalformed(t *testing.T) {
	cases := []string{
		"no-separator",
		":" + b64Pub(),
		"utk-1:!!!not-base64!!!",
		"utk-1:" + base64.StdEncoding.EncodeToString(make([]byte, 16)),
	}
	for _, c := range cases {
		if _, err := DecodeCompact(c); err == nil {
			t.Errorf("DecodeCompact(%q) succeeded, want error", c)
		}
	}
}

func TestDecodeCompactListSkipsMalformed(t *testing.T) {
	list := []string{
		"utk-1:" + b64Pub(),
		"broken",
		"utk-2:" + b64Pub(),
	}
	keys := DecodeCompactList(list)
	if len(keys) != 2 {
		t.Fatalf("decoded %d keys, want 2", len(keys))
	}
	if keys[0].ID != "utk-1" || keys[1].ID != "utk-2" {
		t.Errorf("unexpected ids: %s, %s", keys[0].ID, keys[1].ID)
	}
}

func TestDecodeWire(t *testing.T) {
	k, err := DecodeWire(WireKey{ID: "utk-w1", PublicKey: b64Pub()})
	if err != nil {
		t.Fatalf("DecodeWire failed: %v", err)
	}
	if k.ID != "utk-w1" || len(k.PublicKey) != 32 {
		t.Errorf("unexpected key: %+v", k)
	}

	if _, err := DecodeWire(WireKey{ID: "", PublicKey: b64Pub()}); err == nil {
		t.Error("DecodeWire accepted an empty id")
	}
	if _, err := DecodeWire(WireKey{ID: "utk-w2", PublicKey: "bad"}); err == nil {
		t.Error("DecodeWire accepted undecodable key material")
	}
}
