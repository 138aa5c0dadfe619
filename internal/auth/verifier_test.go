package auth

import (
    "crypto/hmac"
    "crypto/sha256"
    "encoding/base64"
    "testing"
)

func TestNewDefaults(t *testing.T) {
    v := New(Settings{})
    if v.Mode != "dev" { t.Fatalf("default mode: got %q", v.Mode) }
    if v.SubjectClaim != "sub" || v.RoleClaim != "role" {
        t.Fatalf("default claims: got %q %q", v.SubjectClaim, v.RoleClaim)
    }
}

func TestVerifyDevToken(t *testing.T) {
    v := New(Settings{Mode: "dev"})
    p, err := v.Verify("ops:Admin")
    if err != nil { t.Fatalf("verify: %v", err) }
    if p.Subject != "ops" || p.Role != "admin" {
        t.Fatalf("unexpected principal: %+v", p)
    }
    if _, err := v.Verify("nocolon"); err == nil {
        t.Fatal("expected error for malformed dev token")
    }
}

func hs256Token(secret, payload string) string {
    enc := base64.RawURLEncoding
    header := enc.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
    body := enc.EncodeToString([]byte(payload))
    mac := hmac.New(sha256.New, []byte(secret))
    mac.Write([]byte(header + "." + body))
    return header + "." + body + "." + enc.EncodeToString(mac.Sum(nil))
}

func TestVerifyHMACToken(t *testing.T) {
    v := New(Settings{Mode: "hmac", HMACSecret: "topsecret"})
    tok := hs256Token("topsecret", `{"sub":"ops","role":"Operator"}`)
    p, err := v.Verify(tok)
    if err != nil { t.Fatalf("verify: %v", err) }
    if p.Subject != "ops" || p.Role != "operator" {
        t.Fatalf("unexpected principal: %+v", p)
    }

    if _, err := v.Verify(hs256Token("wrongsecret", `{"sub":"ops"}`)); err == nil {
        t.Fatal("expected bad signature error")
    }
    if _, err := v.Verify(hs256Token("topsecret", `{"role":"admin"}`)); err == nil {
        t.Fatal("expected missing subject error")
    }
}

func TestVerifyHMACDefaultRole(t *testing.T) {
    v := New(Settings{Mode: "hmac", HMACSecret: "topsecret"})
    p, err := v.Verify(hs256Token("topsecret", `{"sub":"ops"}`))
    if err != nil { t.Fatalf("verify: %v", err) }
    if p.Role != "operator" { t.Fatalf("default role: got %q", p.Role) }
}
