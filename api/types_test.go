package api

import "testing"

func TestCanonicalLicenceID(t *testing.T) {
	cases := map[string]string{
		"c1":          "licence@c1",
		"licence@c1":  "licence@c1",
		"  c2 ":       "licence@c2",
		"":            "",
		"licence@":    "licence@",
		"usage@x":     "licence@usage@x",
		"licence@a@b": "licence@a@b",
	}
	for in, want := range cases {
		if got := CanonicalLicenceID(in); got != want {
			t.Fatalf("CanonicalLicenceID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUsageKeyCanonicalises(t *testing.T) {
	if got := UsageKey("c1"); got != "usage@licence@c1" {
		t.Fatalf("unexpected usage key %q", got)
	}
	if got := UsageKey("licence@c1"); got != "usage@licence@c1" {
		t.Fatalf("unexpected usage key %q", got)
	}
}

func TestOperationValidate(t *testing.T) {
	valid := []Operation{
		RegisterOp("c1", "token:A"),
		UseOp("c1", "host1"),
		ReleaseOp("c1"),
		ReleaseHeldOp("c1", "host1"),
	}
	for _, op := range valid {
		if err := op.Validate(); err != nil {
			t.Fatalf("expected %+v to validate: %v", op, err)
		}
	}
	invalid := []Operation{
		{Type: OpRegister},
		{Type: OpUse, LicenceID: "licence@c1"},
		{Type: OpUse, User: "host1"},
		{Type: OpRelease},
		{Type: "grant", LicenceID: "licence@c1"},
	}
	for _, op := range invalid {
		if err := op.Validate(); err == nil {
			t.Fatalf("expected %+v to fail validation", op)
		}
	}
}
