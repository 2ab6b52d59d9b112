package identity

import "testing"

func TestIssueAndVerifyOpaqueToken(t *testing.T) {
	keys := NewKeys("test-pepper")

	token, prefix, hash := keys.IssueOpaqueToken("worker")
	if token == "" || prefix == "" || hash == "" {
		t.Fatal("IssueOpaqueToken returned an empty part")
	}
	if token[:len(prefix)] != prefix {
		t.Errorf("token %q does not start with its own prefix %q", token, prefix)
	}

	if !keys.VerifyOpaqueToken("worker", token, hash) {
		t.Error("freshly issued token should verify against its own hash")
	}
}

func TestVerifyOpaqueTokenRejectsWrongAudience(t *testing.T) {
	keys := NewKeys("test-pepper")
	token, _, hash := keys.IssueOpaqueToken("worker")

	if keys.VerifyOpaqueToken("buyer", token, hash) {
		t.Error("a worker-audience token must not verify under the buyer audience key")
	}
}

func TestVerifyOpaqueTokenRejectsTamperedSecret(t *testing.T) {
	keys := NewKeys("test-pepper")
	token, prefix, hash := keys.IssueOpaqueToken("worker")
	tampered := prefix + ".not-the-real-secret"

	if keys.VerifyOpaqueToken("worker", tampered, hash) {
		t.Error("a tampered secret must not verify")
	}
	if keys.VerifyOpaqueToken("worker", token+"x", hash) {
		t.Error("an altered token must not verify")
	}
}

func TestVerifyOpaqueTokenRejectsMalformedToken(t *testing.T) {
	keys := NewKeys("test-pepper")
	if keys.VerifyOpaqueToken("worker", "no-dot-here", "somehash") {
		t.Error("a token missing the prefix.secret separator must not verify")
	}
}

func TestDifferentPeppersProduceDifferentHashes(t *testing.T) {
	a := NewKeys("pepper-a")
	b := NewKeys("pepper-b")

	_, _, hashA := a.IssueOpaqueToken("worker")
	_, _, hashB := b.IssueOpaqueToken("worker")
	if hashA == hashB {
		t.Error("two independently issued tokens should not collide, regardless of pepper")
	}

	token, _, hash := a.IssueOpaqueToken("worker")
	if b.VerifyOpaqueToken("worker", token, hash) {
		t.Error("a token signed under one pepper must not verify under a different pepper")
	}
}

func TestCookieValueRoundTrip(t *testing.T) {
	sessionID := "sess_abc123"
	encoded := EncodeCookieValue(sessionID)
	decoded, err := DecodeCookieValue(encoded)
	if err != nil {
		t.Fatalf("unexpected error decoding cookie value: %v", err)
	}
	if decoded != sessionID {
		t.Errorf("decoded = %q, want %q", decoded, sessionID)
	}
}

func TestDecodeCookieValueRejectsGarbage(t *testing.T) {
	if _, err := DecodeCookieValue("not valid base64url!!"); err == nil {
		t.Error("garbage cookie value should fail to decode")
	}
}

func TestServiceTokens(t *testing.T) {
	st := NewServiceTokens("admin-secret", "verifier-secret")

	if !st.IsAdmin("admin-secret") {
		t.Error("correct admin token should authenticate")
	}
	if st.IsAdmin("verifier-secret") {
		t.Error("verifier token must not authenticate as admin")
	}
	if !st.IsVerifier("verifier-secret") {
		t.Error("correct verifier token should authenticate")
	}
	if st.IsVerifier("") {
		t.Error("empty token must never authenticate")
	}
}

func TestServiceTokensEmptyConfigNeverAuthenticates(t *testing.T) {
	st := NewServiceTokens("", "")
	if st.IsAdmin("") || st.IsVerifier("") {
		t.Error("an unconfigured service token must never match an empty presented token")
	}
}
