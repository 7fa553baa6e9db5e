package vault

import (
	"errors"
	"testing"
)

func TestDisabledVaultPassesThrough(t *testing.T) {
	v := New(false)
	if v.IsLocked() {
		t.Fatal("disabled vault should never report locked")
	}
	if err := v.SetCredential("openai", "sk-plain"); err != nil {
		t.Fatal(err)
	}
	got, err := v.Credential("openai")
	if err != nil || got != "sk-plain" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestEnabledVaultRequiresUnlock(t *testing.T) {
	v := New(true)
	if !v.IsLocked() {
		t.Fatal("enabled vault should start locked")
	}
	if err := v.SetCredential("openai", "sk-1"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	if err := v.Unlock([]byte("short")); err == nil {
		t.Fatal("short passwords must be rejected")
	}
	if err := v.Unlock([]byte("correct horse battery")); err != nil {
		t.Fatal(err)
	}

	if err := v.SetCredential("openai", "sk-1"); err != nil {
		t.Fatal(err)
	}
	got, err := v.Credential("openai")
	if err != nil || got != "sk-1" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestLockScrubsAccess(t *testing.T) {
	v := New(true)
	_ = v.Unlock([]byte("correct horse battery"))
	_ = v.SetCredential("vllm", "sk-2")

	v.Lock()
	if _, err := v.Credential("vllm"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked after lock, got %v", err)
	}

	// Unlocking with the same password restores access.
	if err := v.Unlock([]byte("correct horse battery")); err != nil {
		t.Fatal(err)
	}
	if got, err := v.Credential("vllm"); err != nil || got != "sk-2" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestWrongPasswordFailsDecrypt(t *testing.T) {
	v := New(true)
	_ = v.Unlock([]byte("correct horse battery"))
	_ = v.SetCredential("anthropic", "sk-3")

	v.Lock()
	_ = v.Unlock([]byte("totally different pw"))
	if _, err := v.Credential("anthropic"); err == nil {
		t.Fatal("wrong password must not decrypt")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	v := New(true)
	_ = v.Unlock([]byte("correct horse battery"))
	_ = v.SetCredential("openai", "sk-4")

	salt := v.Salt()
	data := v.Export()

	restored := New(true)
	restored.SetSalt(salt)
	if err := restored.Import(data); err != nil {
		t.Fatal(err)
	}
	if err := restored.Unlock([]byte("correct horse battery")); err != nil {
		t.Fatal(err)
	}
	if got, err := restored.Credential("openai"); err != nil || got != "sk-4" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestMissingCredential(t *testing.T) {
	v := New(false)
	if _, err := v.Credential("unknown"); err == nil {
		t.Fatal("unknown arm must error")
	}
}
