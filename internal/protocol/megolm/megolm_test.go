package megolm_test

import (
	"errors"
	"testing"

	"e2eed/internal/crypto"
	"e2eed/internal/protocol/megolm"
)

func newOutbound(t *testing.T) *megolm.OutboundSession {
	t.Helper()
	out, err := megolm.NewOutboundSession()
	if err != nil {
		t.Fatalf("NewOutboundSession: %v", err)
	}
	return out
}

func TestOutboundToInbound(t *testing.T) {
	out := newOutbound(t)
	in, err := megolm.NewInboundSession(out.SessionKey())
	if err != nil {
		t.Fatalf("NewInboundSession: %v", err)
	}
	if in.ID() != out.ID() {
		t.Fatalf("session ids differ")
	}

	var msgs []string
	for _, pt := range []string{"a", "b", "c"} {
		ct, err := out.Encrypt([]byte(pt))
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		msgs = append(msgs, ct)
	}
	if out.Index() != 3 {
		t.Fatalf("outbound index = %d, want 3", out.Index())
	}

	// Out of order, and repeated, both decrypt at the protocol level.
	for _, i := range []int{2, 0, 1, 2} {
		pt, idx, err := in.Decrypt(msgs[i])
		if err != nil {
			t.Fatalf("Decrypt(%d): %v", i, err)
		}
		if int(idx) != i || string(pt) != string(rune('a'+i)) {
			t.Fatalf("message %d: got idx=%d pt=%q", i, idx, pt)
		}
	}
}

func TestLateJoinerCannotReadEarlierMessages(t *testing.T) {
	out := newOutbound(t)
	early, err := out.Encrypt([]byte("before"))
	if err != nil {
		t.Fatal(err)
	}
	in, err := megolm.NewInboundSession(out.SessionKey())
	if err != nil {
		t.Fatal(err)
	}
	if in.FirstKnownIndex() != 1 {
		t.Fatalf("first known index = %d", in.FirstKnownIndex())
	}
	if _, _, err := in.Decrypt(early); !errors.Is(err, megolm.ErrIndexTooLow) {
		t.Fatalf("want ErrIndexTooLow, got %v", err)
	}
}

func TestExportRoundTrip(t *testing.T) {
	out := newOutbound(t)
	in, err := megolm.NewInboundSession(out.SessionKey())
	if err != nil {
		t.Fatal(err)
	}
	m0, _ := out.Encrypt([]byte("zero"))
	m1, _ := out.Encrypt([]byte("one"))

	exported, err := in.Export(1)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	fwd, err := megolm.NewInboundSession(exported)
	if err != nil {
		t.Fatalf("import export: %v", err)
	}
	if _, _, err := fwd.Decrypt(m0); !errors.Is(err, megolm.ErrIndexTooLow) {
		t.Fatalf("forwarded session decrypted below its index: %v", err)
	}
	pt, _, err := fwd.Decrypt(m1)
	if err != nil || string(pt) != "one" {
		t.Fatalf("forwarded decrypt: %q %v", pt, err)
	}
}

func TestTamperedSessionKeyRejected(t *testing.T) {
	out := newOutbound(t)
	raw, err := crypto.DecodeB64(out.SessionKey())
	if err != nil {
		t.Fatal(err)
	}
	raw[10] ^= 0x01
	if _, err := megolm.NewInboundSession(crypto.B64(raw)); !errors.Is(err, crypto.ErrSignatureVerificationFailed) {
		t.Fatalf("want signature failure, got %v", err)
	}
	if _, err := megolm.NewInboundSession(crypto.B64([]byte{9, 9, 9})); !errors.Is(err, megolm.ErrMalformedSessionKey) {
		t.Fatalf("want ErrMalformedSessionKey, got %v", err)
	}
}

func TestTamperedMessageRejected(t *testing.T) {
	out := newOutbound(t)
	in, _ := megolm.NewInboundSession(out.SessionKey())
	ct, _ := out.Encrypt([]byte("hello"))

	raw, _ := crypto.DecodeB64(ct)
	raw[6] ^= 0x01
	if _, _, err := in.Decrypt(crypto.B64(raw)); !errors.Is(err, crypto.ErrSignatureVerificationFailed) {
		t.Fatalf("want signature failure, got %v", err)
	}
}

func TestPickleRestoresOutbound(t *testing.T) {
	out := newOutbound(t)
	in, _ := megolm.NewInboundSession(out.SessionKey())
	_, _ = out.Encrypt([]byte("first"))

	restored := megolm.RestoreOutbound(out.Pickle())
	if restored.ID() != out.ID() || restored.Index() != 1 {
		t.Fatalf("restored id/index mismatch")
	}
	ct, err := restored.Encrypt([]byte("second"))
	if err != nil {
		t.Fatal(err)
	}
	pt, idx, err := in.Decrypt(ct)
	if err != nil || idx != 1 || string(pt) != "second" {
		t.Fatalf("decrypt restored: idx=%d pt=%q err=%v", idx, pt, err)
	}
}
