package token

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMintVerify(t *testing.T) {
	m := NewMinter("secret", "block", time.Hour)
	tok, exp, err := m.Mint(Claims{Identity: "user-1", Name: "Ann", Room: "support-acme-user_1-0badf00d", SessionID: "s-1"})
	if err != nil {
		t.Fatal(err)
	}
	if d := time.Until(exp); d < 59*time.Minute || d > time.Hour+time.Second {
		t.Fatalf("expires in %v", d)
	}
	c, err := m.Verify(tok)
	if err != nil {
		t.Fatal(err)
	}
	if c.Identity != "user-1" || c.Room != "support-acme-user_1-0badf00d" || c.SessionID != "s-1" || c.ExpiresAt != exp.Unix() {
		t.Fatalf("claims = %+v", c)
	}
}

func TestVerifyRejectsTamperedAndForeign(t *testing.T) {
	m := NewMinter("secret", "", time.Hour)
	tok, _, _ := m.Mint(Claims{Identity: "u", Room: "r"})

	if _, err := m.Verify(tok[:len(tok)-2] + "xx"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("tampered err = %v", err)
	}
	other := NewMinter("other-secret", "", time.Hour)
	if _, err := other.Verify(tok); !errors.Is(err, ErrInvalid) {
		t.Fatalf("foreign err = %v", err)
	}
	if _, err := m.Verify(""); err == nil {
		t.Fatal("empty token accepted")
	}
}

func TestVerifyExpired(t *testing.T) {
	m := NewMinter("secret", "", time.Hour)
	base := time.Now()
	m.now = func() time.Time { return base }
	tok, _, _ := m.Mint(Claims{Identity: "u", Room: "r"})
	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, err := m.Verify(tok)
	if err == nil {
		t.Fatal("expired token accepted")
	}
	// securecookie's own max-age check uses the wall clock, so only ours fires here
	if !errors.Is(err, ErrExpired) && !strings.Contains(err.Error(), "expired") {
		t.Fatalf("err = %v", err)
	}
}

func TestVerifyRequiresRoomAndIdentity(t *testing.T) {
	m := NewMinter("secret", "", time.Hour)
	tok, _, _ := m.Mint(Claims{Identity: "u"})
	if _, err := m.Verify(tok); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v", err)
	}
}
