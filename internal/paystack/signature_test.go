package paystack

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"testing"
)

func TestSign(t *testing.T) {
	body := []byte(`{"event":"charge.success"}`)
	mac := hmac.New(sha512.New, []byte("sk_test_secret"))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	if got := Sign("sk_test_secret", body); got != want {
		t.Errorf("Sign mismatch: got %s want %s", got, want)
	}
}

func TestVerifySignature(t *testing.T) {
	const secret = "sk_test_secret"
	body := []byte(`{"event":"charge.success","data":{"reference":"ARTSY-1","amount":10000}}`)
	signature := Sign(secret, body)

	t.Run("accepts the matching signature", func(t *testing.T) {
		if !VerifySignature(secret, body, signature) {
			t.Fatal("expected signature to verify")
		}
	})

	t.Run("rejects a different secret", func(t *testing.T) {
		if VerifySignature("sk_test_other", body, signature) {
			t.Fatal("expected signature from another secret to fail")
		}
	})

	t.Run("rejects empty signature and empty secret", func(t *testing.T) {
		if VerifySignature(secret, body, "") {
			t.Error("empty signature verified")
		}
		if VerifySignature("", body, Sign("", body)) {
			t.Error("empty secret verified")
		}
	})

	t.Run("any single byte mutation of the body fails", func(t *testing.T) {
		for i := range body {
			mutated := append([]byte(nil), body...)
			mutated[i] ^= 0x01
			if VerifySignature(secret, mutated, signature) {
				t.Fatalf("mutation at body byte %d still verified", i)
			}
		}
	})

	t.Run("any single byte mutation of the signature fails", func(t *testing.T) {
		for i := range signature {
			mutated := []byte(signature)
			mutated[i] ^= 0x01
			if VerifySignature(secret, body, string(mutated)) {
				t.Fatalf("mutation at signature byte %d still verified", i)
			}
		}
	})

	t.Run("truncated signature fails", func(t *testing.T) {
		if VerifySignature(secret, body, signature[:len(signature)-2]) {
			t.Fatal("truncated signature verified")
		}
	})

	t.Run("client uses its secret key", func(t *testing.T) {
		c := NewClient(secret)
		if !c.VerifySignature(body, signature) {
			t.Fatal("client rejected a valid signature")
		}
	})
}
