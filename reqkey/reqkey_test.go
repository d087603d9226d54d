package reqkey

import (
	"strings"
	"testing"
)

func TestDeriveDeterministic(t *testing.T) {
	params := map[string]string{"jobId": "job-42", "target": "podcast"}
	first := Derive("generateRecommendations", params)
	for i := 0; i < 5; i++ {
		if next := Derive("generateRecommendations", params); next != first {
			t.Fatalf("key changed between iterations: %q -> %q", first, next)
		}
	}
	if !strings.HasPrefix(first, "generateRecommendations:") {
		t.Fatalf("key missing operation prefix: %q", first)
	}
}

func TestDeriveIgnoresParamOrder(t *testing.T) {
	a := map[string]string{}
	a["jobId"] = "job-42"
	a["target"] = "podcast"
	b := map[string]string{}
	b["target"] = "podcast"
	b["jobId"] = "job-42"
	if Derive("op", a) != Derive("op", b) {
		t.Fatalf("insertion order must not affect the key")
	}
}

func TestDeriveDistinguishesParams(t *testing.T) {
	base := Derive("op", map[string]string{"jobId": "job-42"})
	cases := []map[string]string{
		{"jobId": "job-43"},
		{"jobId": "job-42", "force": "true"},
		{},
	}
	for i, params := range cases {
		if Derive("op", params) == base {
			t.Fatalf("case %d: parameter difference produced identical key", i)
		}
	}
}

func TestDeriveDistinguishesOperations(t *testing.T) {
	params := map[string]string{"jobId": "job-42"}
	if Derive("generatePodcast", params) == Derive("generateVideo", params) {
		t.Fatalf("different operations produced identical key")
	}
}

func TestDeriveSeparatorsPreventOverlap(t *testing.T) {
	a := Derive("op", map[string]string{"ab": "c"})
	b := Derive("op", map[string]string{"a": "bc"})
	if a == b {
		t.Fatalf("adjacent field overlap produced identical key")
	}
}
