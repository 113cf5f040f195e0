package address

import "testing"

func TestParseRoundTrip(t *testing.T) {
	a := FromSeed("alice")
	got, err := Parse(a.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != a {
		t.Fatalf("round trip mismatch: %s vs %s", got, a)
	}
	if _, err := Parse("0x" + a.String()); err != nil {
		t.Fatalf("0x prefix should parse: %v", err)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	for _, s := range []string{"", "abcd", "zz" + FromSeed("x").String()[2:]} {
		if _, err := Parse(s); err == nil {
			t.Fatalf("expected parse failure for %q", s)
		}
	}
}

func TestDeriveDeterministicAndDistinct(t *testing.T) {
	prog := FromSeed("program")
	a := Derive(prog, []byte("project"), U64Seed(1))
	b := Derive(prog, []byte("project"), U64Seed(1))
	if a != b {
		t.Fatalf("derive not deterministic")
	}
	seen := map[Address]string{a: "project/1"}
	for name, addr := range map[string]Address{
		"project/2":      Derive(prog, []byte("project"), U64Seed(2)),
		"vault/1":        Derive(prog, []byte("vault"), U64Seed(1)),
		"other-program":  Derive(FromSeed("other"), []byte("project"), U64Seed(1)),
		"split-boundary": Derive(prog, []byte("projec"), append([]byte("t"), U64Seed(1)...)),
	} {
		if prev, ok := seen[addr]; ok {
			t.Fatalf("collision between %s and %s", prev, name)
		}
		seen[addr] = name
	}
}

func TestDedupe(t *testing.T) {
	a, b := FromSeed("a"), FromSeed("b")
	got := Dedupe([]Address{b, a, b, a})
	if len(got) != 2 {
		t.Fatalf("expected 2 unique, got %d", len(got))
	}
	if got[0].Compare(got[1]) >= 0 {
		t.Fatalf("expected ascending order")
	}
}

func TestTextMarshal(t *testing.T) {
	a := FromSeed("bob")
	b, _ := a.MarshalText()
	var c Address
	if err := c.UnmarshalText(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c != a {
		t.Fatalf("mismatch")
	}
}
