package objfmt

import "testing"

func TestMetadataRoundTrip(t *testing.T) {
	m := Metadata{
		Mode:      0o100644,
		UID:       1000,
		GID:       1000,
		OwnerName: "ada",
		GroupName: "staff",
		MtimeSec:  1700000000,
		MtimeNsec: 123456,
		Xattrs: map[string][]byte{
			"user.note": []byte("hello"),
			"user.tag":  []byte("world"),
		},
	}
	encoded, err := EncodeMetadata(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeMetadata(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.OwnerName != m.OwnerName || decoded.MtimeSec != m.MtimeSec {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, m)
	}
	if len(decoded.Xattrs) != 2 || string(decoded.Xattrs["user.note"]) != "hello" {
		t.Fatalf("xattrs lost in round trip: %+v", decoded.Xattrs)
	}
}

func TestMetadataDeterministicEncoding(t *testing.T) {
	m := Metadata{
		Mode: 0o100644,
		Xattrs: map[string][]byte{
			"z.last":  []byte("1"),
			"a.first": []byte("2"),
		},
	}
	a, err := EncodeMetadata(m)
	if err != nil {
		t.Fatal(err)
	}
	b, err := EncodeMetadata(m)
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatal("encoding the same metadata twice produced different bytes")
	}
}
