package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{name: "nil", err: nil, want: NoError},
		{name: "untagged", err: errors.New("boom"), want: ServerError},
		{name: "assertion", err: Coded(AssertionError, "bad gradient"), want: AssertionError},
		{name: "client", err: Coded(InvalidClientRequest, "bad input"), want: InvalidClientRequest},
		{name: "wrapped", err: fmt.Errorf("outer: %w", Coded(AssertionError, "inner")), want: AssertionError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CodeOf(tc.err); got != tc.want {
				t.Fatalf("CodeOf = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCodedErrorMessage(t *testing.T) {
	err := Coded(ServerError, "open %s: %d", "file", 7)
	if err.Error() != "server_error: open file: 7" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestFatalCodes(t *testing.T) {
	if !AssertionError.Fatal() {
		t.Fatal("assertion errors must abort the run")
	}
	if ServerError.Fatal() {
		t.Fatal("server errors must not abort the run")
	}
	if NoError.Fatal() {
		t.Fatal("no-error must not abort the run")
	}
}

func TestFeatureStatsObserveAndMerge(t *testing.T) {
	var a, b FeatureStats
	for _, v := range []float64{1, 2, 3} {
		a.Observe(v)
	}
	for _, v := range []float64{-1, 5} {
		b.Observe(v)
	}
	a.Merge(b)
	if a.Min != -1 || a.Max != 5 {
		t.Fatalf("merged range [%v, %v], want [-1, 5]", a.Min, a.Max)
	}
	if a.Count != 5 {
		t.Fatalf("merged count %d, want 5", a.Count)
	}
	if got := a.Mean(); got != 2 {
		t.Fatalf("merged mean %v, want 2", got)
	}
}
