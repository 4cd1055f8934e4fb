package core

import "testing"

func TestAntiReplayRejectsDuplicate(t *testing.T) {
	ar := NewAntiReplay()
	h := HashBytes([]byte("evt"))
	evt := &Event{Hash: h}

	if err := ar.Validate(evt); err != nil {
		t.Fatalf("expected first occurrence to validate, got %v", err)
	}
	ar.Record(h)

	if err := ar.Validate(evt); err == nil {
		t.Fatalf("expected duplicate hash to be rejected")
	}
}

func TestAntiReplayForget(t *testing.T) {
	ar := NewAntiReplay()
	h := HashBytes([]byte("evt"))
	ar.Record(h)
	if ar.Len() != 1 {
		t.Fatalf("expected Len() == 1")
	}
	ar.Forget(h)
	if ar.Len() != 0 {
		t.Fatalf("expected Len() == 0 after Forget")
	}
	if err := ar.Validate(&Event{Hash: h}); err != nil {
		t.Fatalf("expected forgotten hash to validate again, got %v", err)
	}
}

func TestAntiReplayRelevanceCheck(t *testing.T) {
	ar := NewAntiReplay()
	h := HashBytes([]byte("evt"))
	if ar.RelevanceCheck(h) {
		t.Fatalf("expected RelevanceCheck false before Record")
	}
	ar.Record(h)
	if !ar.RelevanceCheck(h) {
		t.Fatalf("expected RelevanceCheck true after Record")
	}
}
