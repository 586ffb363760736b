package auth

import "testing"

func TestHashAPIKeyDeterministic(t *testing.T) {
	a := HashAPIKey("abc", "pepper")
	b := HashAPIKey("abc", "pepper")
	if a != b {
		t.Fatalf("expected deterministic hash")
	}
	if a == HashAPIKey("abc", "other") {
		t.Fatalf("expected pepper to change the hash")
	}
}

func TestConstantTimeHashEquals(t *testing.T) {
	if !ConstantTimeHashEquals("abc", "abc") {
		t.Fatalf("expected equal hashes")
	}
	if ConstantTimeHashEquals("abc", "abd") {
		t.Fatalf("expected non-equal hashes")
	}
}

func TestParseAccessToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want AccessToken
	}{
		{"key", AccessToken{Key: "key"}},
		{"key:team-a", AccessToken{Key: "key", Namespace: "team-a"}},
		{" key:team-a ", AccessToken{Key: "key", Namespace: "team-a"}},
		{"key:", AccessToken{Key: "key"}},
		{":team-a", AccessToken{Key: ":team-a"}},
	}
	for _, tc := range cases {
		if got := ParseAccessToken(tc.raw); got != tc.want {
			t.Fatalf("ParseAccessToken(%q) = %+v, want %+v", tc.raw, got, tc.want)
		}
	}
	if s := (AccessToken{Key: "k", Namespace: "ns"}).String(); s != "k:ns" {
		t.Fatalf("String() = %q", s)
	}
}

func TestGeneratedKeysHaveNoColon(t *testing.T) {
	t.Parallel()

	for i := 0; i < 32; i++ {
		k, err := GenerateAPIKey()
		if err != nil {
			t.Fatal(err)
		}
		if ParseAccessToken(k).Key != k {
			t.Fatalf("generated key %q does not round-trip", k)
		}
	}
}
