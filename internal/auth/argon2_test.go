package auth

import (
	"strings"
	"testing"
)

func TestHashVerifyRoundTrip(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=3,p=1$") {
		t.Errorf("unexpected hash prefix: %s", hash)
	}

	ok, err := VerifyPassword(hash, "s3cret")
	if err != nil {
		t.Fatalf("VerifyPassword failed: %v", err)
	}
	if !ok {
		t.Error("correct password did not verify")
	}

	ok, err = VerifyPassword(hash, "wrong")
	if err != nil {
		t.Fatalf("VerifyPassword failed: %v", err)
	}
	if ok {
		t.Error("wrong password verified")
	}
}

func TestHashIsSalted(t *testing.T) {
	h1, err := HashPassword("same")
	if err != nil {
		t.Fatal(err)
	}
	h2, err := HashPassword("same")
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("two hashes of the same password are identical; salt is not random")
	}
}

func TestVerifyEmptyPassword(t *testing.T) {
	hash, err := HashPassword("")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := VerifyPassword(hash, "")
	if err != nil || !ok {
		t.Errorf("empty password round trip failed: ok=%v err=%v", ok, err)
	}
}

func TestVerifyMalformedHash(t *testing.T) {
	cases := []string{
		"",
		"plaintext",
		"$argon2id$v=19$m=65536,t=3,p=1$onlyonefield",
		"$argon2i$v=19$m=65536,t=3,p=1$c2FsdA$dGFn",
		"$argon2id$v=18$m=65536,t=3,p=1$c2FsdA$dGFn",
		"$argon2id$v=19$m=65536,t=3,p=1$!!!$dGFn",
	}
	for _, c := range cases {
		if ok, err := VerifyPassword(c, "pw"); err == nil || ok {
			t.Errorf("hash %q: expected parse error, got ok=%v err=%v", c, ok, err)
		}
	}
}
