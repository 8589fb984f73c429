package bencode

import (
	"reflect"
	"testing"
)

func TestDecode_Primitives(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"string", "4:spam", "spam"},
		{"empty-string", "0:", ""},
		{"int-positive", "i42e", int64(42)},
		{"int-negative", "i-1e", int64(-1)},
		{"int-zero", "i0e", int64(0)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Unmarshal([]byte(tc.in))
			if err != nil {
				t.Fatalf("Unmarshal(%q) error: %v", tc.in, err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestDecode_Collections(t *testing.T) {
	got, err := Unmarshal([]byte("li1e4:spami0el6:nestedi2eee"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []any{int64(1), "spam", int64(0), []any{"nested", int64(2)}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}

	gotDict, err := Unmarshal([]byte("d1:ai1e1:bi2eee"))
	if err == nil {
		t.Fatalf("expected trailing-data error, got %#v", gotDict)
	}
}

func TestDecode_RejectsMalformedDicts(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"out-of-order-keys", "d1:bi1e1:ai2ee"},
		{"duplicate-keys", "d1:ai1e1:ai2ee"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Unmarshal([]byte(tc.in)); err == nil {
				t.Fatalf("expected malformed-dictionary error, got nil")
			}
		})
	}
}

func TestDecode_RejectsNonCanonicalIntegers(t *testing.T) {
	tests := []string{"i03e", "i-0e", "i-e", "ie"}

	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			if _, err := Unmarshal([]byte(in)); err == nil {
				t.Fatalf("expected error decoding %q, got nil", in)
			}
		})
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	in := map[string]any{
		"announce": "http://tracker.local/announce",
		"info": map[string]any{
			"name":         "file.bin",
			"length":       int64(300000),
			"piece length": int64(262144),
			"pieces":       string(make([]byte, 40)),
		},
	}

	encoded, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	decoded, err := Unmarshal(encoded)
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	reEncoded, err := Marshal(decoded)
	if err != nil {
		t.Fatalf("re-Marshal error: %v", err)
	}

	if string(reEncoded) != string(encoded) {
		t.Fatalf("round trip mismatch:\n got: %q\nwant: %q", reEncoded, encoded)
	}
}

func TestDecoder_DecodeWithSpan(t *testing.T) {
	raw := []byte("d8:announce3:foo4:infod4:name3:baree")
	d := NewDecoder(raw)

	v, err := d.Decode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dict, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("want map[string]any, got %T", v)
	}
	if dict["announce"] != "foo" {
		t.Fatalf("announce = %v", dict["announce"])
	}

	// Decode the same bytes with a fresh decoder via DecodeWithSpan and
	// confirm the reported span covers the whole top-level dictionary.
	d2 := NewDecoder(raw)
	top, start, end, err := d2.DecodeWithSpan()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := top.(map[string]any); !ok {
		t.Fatalf("want map[string]any, got %T", top)
	}
	if start != 0 || end != len(raw) {
		t.Fatalf("span = [%d,%d), want [0,%d)", start, end, len(raw))
	}
}
