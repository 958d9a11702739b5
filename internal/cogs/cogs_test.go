package cogs

import (
	"math/big"
	"testing"
)

func TestParseRejectsBadInput(t *testing.T) {
	for _, s := range []string{"", "-1", "1.5", "0x10", "1e18", "ten"} {
		if _, err := Parse(s); err == nil {
			t.Fatalf("expected parse error for %q", s)
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	// Larger than any fixed-width integer.
	const raw = "115792089237316195423570985008687907853269984665640564039457584007913129639936"
	a, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.String() != raw {
		t.Fatalf("round trip mismatch: %s", a)
	}
}

func TestZeroValueUsable(t *testing.T) {
	var a Amount
	if !a.IsZero() {
		t.Fatalf("zero value should be zero cogs")
	}
	if a.String() != "0" {
		t.Fatalf("zero value string: %s", a)
	}
	if a.Cmp(New(0)) != 0 {
		t.Fatalf("zero value should equal New(0)")
	}
}

func TestSubUnderflow(t *testing.T) {
	if _, err := New(1).Sub(New(2)); err == nil {
		t.Fatalf("expected underflow error")
	}
	got, err := New(5).Sub(New(3))
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	if got.Cmp(New(2)) != 0 {
		t.Fatalf("expected 2 got %s", got)
	}
}

func TestFromBigCopies(t *testing.T) {
	v := big.NewInt(42)
	a, err := FromBig(v)
	if err != nil {
		t.Fatalf("from big: %v", err)
	}
	v.SetInt64(7)
	if a.String() != "42" {
		t.Fatalf("amount aliased caller's big.Int: %s", a)
	}
	if _, err := FromBig(big.NewInt(-1)); err == nil {
		t.Fatalf("expected negative rejection")
	}
}

func TestBigIntCopy(t *testing.T) {
	a := New(10)
	a.BigInt().SetInt64(99)
	if a.String() != "10" {
		t.Fatalf("BigInt leaked internal state: %s", a)
	}
}
