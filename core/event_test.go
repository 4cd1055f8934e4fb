package core

import "testing"

func TestEventValidateDataHashMatch(t *testing.T) {
	data := []byte("payload")
	dh := HashBytes(data)
	h := headerFixture()
	h.DataHash = &dh
	e := Event{Header: h, Data: data}
	if err := e.Validate(); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}
}

func TestEventValidateDataHashMismatch(t *testing.T) {
	h := headerFixture()
	dh := HashBytes([]byte("other"))
	h.DataHash = &dh
	e := Event{Header: h, Data: []byte("payload")}
	if err := e.Validate(); err == nil {
		t.Fatalf("expected data_hash mismatch error")
	}
}

func TestEventValidateDataWithoutHash(t *testing.T) {
	h := headerFixture()
	e := Event{Header: h, Data: []byte("payload")}
	if err := e.Validate(); err == nil {
		t.Fatalf("expected error for data present without DataHash")
	}
}

func TestEventValidateTombstoneRejectsData(t *testing.T) {
	h := headerFixture()
	h.Tombstone = true
	e := Event{Header: h, Data: []byte("oops")}
	if err := e.Validate(); err == nil {
		t.Fatalf("expected error for tombstone carrying data")
	}
}

func TestEventValidateTombstoneRequiresPrimaryKey(t *testing.T) {
	h := Header{Tombstone: true}
	e := Event{Header: h}
	if err := e.Validate(); err == nil {
		t.Fatalf("expected error for tombstone missing primary key")
	}
}

func TestSerializeDeserializeEventRoundTrip(t *testing.T) {
	h := headerFixture()
	data := []byte("blob")
	hb, db, err := SerializeEvent(WireMessagePack, h, data)
	if err != nil {
		t.Fatalf("SerializeEvent: %v", err)
	}
	if string(db) != string(data) {
		t.Fatalf("data bytes altered by SerializeEvent")
	}
	got, err := DeserializeEvent(WireMessagePack, hb, db)
	if err != nil {
		t.Fatalf("DeserializeEvent: %v", err)
	}
	if got.PrimaryKey != h.PrimaryKey {
		t.Fatalf("deserialized header mismatch")
	}
}
