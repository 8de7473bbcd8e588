package nostr

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
)

func testKey(t *testing.T) string {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	return hex.EncodeToString(priv.Serialize())
}

func TestSignAndVerify(t *testing.T) {
	sk := testKey(t)
	ev := Event{
		CreatedAt: 1700000000,
		Kind:      KindTextNote,
		Tags:      []Tag{{"e", strings.Repeat("ab", 32)}, {"p", strings.Repeat("cd", 32)}},
		Content:   "hello nostr",
	}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(ev.ID) != 64 || len(ev.PubKey) != 64 || len(ev.Sig) != 128 {
		t.Fatalf("unexpected field lengths: id=%d pubkey=%d sig=%d",
			len(ev.ID), len(ev.PubKey), len(ev.Sig))
	}
	if !ev.CheckID() {
		t.Fatalf("CheckID failed for freshly signed event")
	}
	ok, err := ev.CheckSignature()
	if err != nil {
		t.Fatalf("CheckSignature: %v", err)
	}
	if !ok {
		t.Fatalf("expected valid signature")
	}
}

func TestCheckIDDetectsTampering(t *testing.T) {
	sk := testKey(t)
	ev := Event{CreatedAt: 1700000000, Kind: KindTextNote, Content: "original"}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ev.Content = "tampered"
	if ev.CheckID() {
		t.Fatalf("CheckID passed after content change")
	}
}

func TestCheckSignatureRejectsWrongKey(t *testing.T) {
	ev := Event{CreatedAt: 1700000000, Kind: KindTextNote, Content: "x"}
	if err := ev.Sign(testKey(t)); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	// substitute another author's pubkey; the signature no longer verifies
	var other Event
	if err := other.Sign(testKey(t)); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ev.PubKey = other.PubKey
	ok, err := ev.CheckSignature()
	if err != nil {
		t.Fatalf("CheckSignature: %v", err)
	}
	if ok {
		t.Fatalf("signature verified under wrong pubkey")
	}
}

func TestSerializeEscaping(t *testing.T) {
	ev := Event{
		PubKey:    strings.Repeat("00", 32),
		CreatedAt: 1,
		Kind:      1,
		Tags:      []Tag{},
		Content:   "line1\nline2\t\"quoted\"\\",
	}
	got := string(ev.Serialize())
	want := `[0,"` + strings.Repeat("00", 32) + `",1,1,[],"line1\nline2\t\"quoted\"\\"]`
	if got != want {
		t.Fatalf("Serialize:\n got %s\nwant %s", got, want)
	}
}

func TestSerializeControlCharacters(t *testing.T) {
	ev := Event{PubKey: strings.Repeat("00", 32), CreatedAt: 1, Kind: 1, Content: "a\x01b"}
	if !strings.Contains(string(ev.Serialize()), `a\u0001b`) {
		t.Fatalf("control character not escaped: %s", ev.Serialize())
	}
}

func TestKindClassification(t *testing.T) {
	cases := []struct {
		kind                     int
		repl, paramRepl, ephemeral bool
	}{
		{0, true, false, false},
		{1, false, false, false},
		{3, true, false, false},
		{5, false, false, false},
		{10002, true, false, false},
		{19999, true, false, false},
		{20000, false, false, true},
		{29999, false, false, true},
		{30023, false, true, false},
		{39999, false, true, false},
		{40000, false, false, false},
	}
	for _, c := range cases {
		ev := Event{Kind: c.kind}
		if ev.IsReplaceable() != c.repl {
			t.Errorf("kind %d: IsReplaceable = %v", c.kind, ev.IsReplaceable())
		}
		if ev.IsParameterizedReplaceable() != c.paramRepl {
			t.Errorf("kind %d: IsParameterizedReplaceable = %v", c.kind, ev.IsParameterizedReplaceable())
		}
		if ev.IsEphemeral() != c.ephemeral {
			t.Errorf("kind %d: IsEphemeral = %v", c.kind, ev.IsEphemeral())
		}
	}
}

func TestDTag(t *testing.T) {
	ev := Event{Tags: []Tag{{"p", "x"}, {"d", "profile"}, {"d", "second"}}}
	if got := ev.DTag(); got != "profile" {
		t.Fatalf("DTag = %q, want %q", got, "profile")
	}
	empty := Event{Tags: []Tag{{"d"}}}
	if got := empty.DTag(); got != "" {
		t.Fatalf("DTag on bare d tag = %q, want empty", got)
	}
}

func TestParseEventRejectsBadFields(t *testing.T) {
	sk := testKey(t)
	ev := Event{CreatedAt: 1700000000, Kind: 1, Content: "ok"}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	good := `{"id":"` + ev.ID + `","pubkey":"` + ev.PubKey + `","created_at":1700000000,` +
		`"kind":1,"tags":[],"content":"ok","sig":"` + ev.Sig + `"}`
	if _, err := ParseEvent([]byte(good)); err != nil {
		t.Fatalf("ParseEvent(good): %v", err)
	}
	bad := []string{
		`{"id":"short","pubkey":"` + ev.PubKey + `","created_at":1,"kind":1,"tags":[],"content":"","sig":"` + ev.Sig + `"}`,
		`{"id":"` + ev.ID + `","pubkey":"nothex","created_at":1,"kind":1,"tags":[],"content":"","sig":"` + ev.Sig + `"}`,
		`{"id":"` + ev.ID + `","pubkey":"` + ev.PubKey + `","created_at":1,"kind":1,"tags":[],"content":"","sig":"aa"}`,
		`not json`,
	}
	for i, s := range bad {
		if _, err := ParseEvent([]byte(s)); err == nil {
			t.Errorf("case %d: ParseEvent accepted malformed event", i)
		}
	}
}
