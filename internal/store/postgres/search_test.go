package postgres

import "testing"

func TestBuildTSQueryJoinsTokensWithExplicitAnd(t *testing.T) {
	got := buildTSQuery("Fixed race condition!")
	want := "Fixed:* & race:* & condition:*"
	if got != want {
		t.Fatalf("buildTSQuery() = %q, want %q", got, want)
	}
}

func TestBuildTSQueryEmptyOnNoTokens(t *testing.T) {
	if got := buildTSQuery("   ***   "); got != "" {
		t.Fatalf("expected no tokens to produce an empty query, got %q", got)
	}
}
