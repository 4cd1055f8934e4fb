package core

import "testing"

func headerFixture() Header {
	h := NewHeader(NewPrimaryKey())
	h.TypeName = "widget"
	h.Authorization = Authorization{
		Read:  ReadPolicy{Kind: ReadEveryone},
		Write: WritePolicy{Kind: WriteNobody},
	}
	return h
}

func TestEncodeDecodeWireAllFormats(t *testing.T) {
	for _, format := range []WireFormat{WireJSON, WireMessagePack, WireRLP} {
		format := format
		t.Run(format.String(), func(t *testing.T) {
			h := headerFixture()
			b, err := encodeWire(format, h)
			if err != nil {
				t.Fatalf("encodeWire(%s): %v", format, err)
			}
			var got Header
			if err := decodeWire(format, b, &got); err != nil {
				t.Fatalf("decodeWire(%s): %v", format, err)
			}
			if got.PrimaryKey != h.PrimaryKey || got.TypeName != h.TypeName {
				t.Fatalf("round trip mismatch for %s: got %+v want %+v", format, got, h)
			}
		})
	}
}

func TestWireFormatStringUnknown(t *testing.T) {
	f := WireFormat(99)
	if f.String() == "" {
		t.Fatalf("expected non-empty string for unknown format")
	}
}

func TestComputeEventHashStableAcrossCalls(t *testing.T) {
	h := headerFixture()
	a, err := ComputeEventHash(WireMessagePack, h)
	if err != nil {
		t.Fatalf("ComputeEventHash: %v", err)
	}
	b, err := ComputeEventHash(WireMessagePack, h)
	if err != nil {
		t.Fatalf("ComputeEventHash: %v", err)
	}
	if a != b {
		t.Fatalf("ComputeEventHash not stable: %v != %v", a, b)
	}
}

func TestComputeEventHashDiffersByFormat(t *testing.T) {
	h := headerFixture()
	j, err := ComputeEventHash(WireJSON, h)
	if err != nil {
		t.Fatalf("ComputeEventHash json: %v", err)
	}
	m, err := ComputeEventHash(WireMessagePack, h)
	if err != nil {
		t.Fatalf("ComputeEventHash msgpack: %v", err)
	}
	if j == m {
		t.Fatalf("expected different hashes across wire formats")
	}
}
