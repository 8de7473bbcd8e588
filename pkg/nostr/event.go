package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Well-known event kinds.
const (
	KindMetadata    = 0
	KindTextNote    = 1
	KindContactList = 3
	KindDeletion    = 5
)

// Tag is one tag entry of an event: a non-empty array of strings whose
// first element is the tag name.
type Tag []string

// Name returns the tag name, or "" for a malformed empty tag.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the first value after the tag name, or "".
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Event is a Nostr event as it appears on the wire (NIP-01).
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// IsReplaceable reports whether the kind is replaceable per NIP-16:
// kinds 0, 3 and 10000-19999 keep only the newest event per author.
func (ev *Event) IsReplaceable() bool {
	return ev.Kind == KindMetadata || ev.Kind == KindContactList ||
		(ev.Kind >= 10000 && ev.Kind < 20000)
}

// IsParameterizedReplaceable reports whether the kind is parameterized
// replaceable per NIP-33 (30000-39999, keyed additionally by the "d" tag).
func (ev *Event) IsParameterizedReplaceable() bool {
	return ev.Kind >= 30000 && ev.Kind < 40000
}

// IsEphemeral reports whether the kind is ephemeral (20000-29999);
// ephemeral events are relayed but never persisted.
func (ev *Event) IsEphemeral() bool {
	return ev.Kind >= 20000 && ev.Kind < 30000
}

// DTag returns the value of the first "d" tag, or "".
func (ev *Event) DTag() string {
	for _, t := range ev.Tags {
		if t.Name() == "d" {
			return t.Value()
		}
	}
	return ""
}

// Serialize returns the canonical serialization used for ID computation:
// the JSON array [0,pubkey,created_at,kind,tags,content] with NIP-01
// string escaping and no insignificant whitespace.
func (ev *Event) Serialize() []byte {
	b := make([]byte, 0, 256+len(ev.Content))
	b = append(b, "[0,\""...)
	b = append(b, ev.PubKey...)
	b = append(b, "\","...)
	b = strconv.AppendInt(b, ev.CreatedAt, 10)
	b = append(b, ',')
	b = strconv.AppendInt(b, int64(ev.Kind), 10)
	b = append(b, ',')
	b = appendTagsJSON(b, ev.Tags)
	b = append(b, ',')
	b = appendEscapedString(b, ev.Content)
	b = append(b, ']')
	return b
}

// ComputeID returns the lowercase hex SHA-256 of the canonical serialization.
func (ev *Event) ComputeID() string {
	h := sha256.Sum256(ev.Serialize())
	return hex.EncodeToString(h[:])
}

// CheckID reports whether the declared id matches the content hash.
func (ev *Event) CheckID() bool {
	return ev.ComputeID() == ev.ID
}

// CheckSignature verifies the BIP-340 Schnorr signature over the event id
// under the event's x-only public key. A malformed pubkey or signature is
// reported as an error; a well-formed but wrong signature returns false, nil.
func (ev *Event) CheckSignature() (bool, error) {
	pk, err := hex.DecodeString(ev.PubKey)
	if err != nil {
		return false, fmt.Errorf("invalid pubkey hex: %w", err)
	}
	pub, err := schnorr.ParsePubKey(pk)
	if err != nil {
		return false, fmt.Errorf("invalid pubkey: %w", err)
	}
	sig, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	s, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false, fmt.Errorf("invalid signature: %w", err)
	}
	h := sha256.Sum256(ev.Serialize())
	return s.Verify(h[:], pub), nil
}

// Sign computes the event id and signs it with the given 32-byte hex
// secret key, filling in ID, PubKey and Sig.
func (ev *Event) Sign(secretKey string) error {
	sk, err := hex.DecodeString(secretKey)
	if err != nil {
		return fmt.Errorf("invalid secret key hex: %w", err)
	}
	priv, pub := btcec.PrivKeyFromBytes(sk)
	ev.PubKey = hex.EncodeToString(schnorr.SerializePubKey(pub))
	if ev.Tags == nil {
		ev.Tags = []Tag{}
	}
	ev.ID = ev.ComputeID()
	h := sha256.Sum256(ev.Serialize())
	sig, err := schnorr.Sign(priv, h[:])
	if err != nil {
		return fmt.Errorf("sign failed: %w", err)
	}
	ev.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

func appendTagsJSON(b []byte, tags []Tag) []byte {
	b = append(b, '[')
	for i, tag := range tags {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '[')
		for j, s := range tag {
			if j > 0 {
				b = append(b, ',')
			}
			b = appendEscapedString(b, s)
		}
		b = append(b, ']')
	}
	return append(b, ']')
}

// appendEscapedString writes s as a JSON string using the escaping rules
// NIP-01 fixes for ID computation: only the characters below are escaped,
// everything else is emitted verbatim.
func appendEscapedString(b []byte, s string) []byte {
	b = append(b, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			b = append(b, '\\', '"')
		case '\\':
			b = append(b, '\\', '\\')
		case '\n':
			b = append(b, '\\', 'n')
		case '\r':
			b = append(b, '\\', 'r')
		case '\t':
			b = append(b, '\\', 't')
		case '\b':
			b = append(b, '\\', 'b')
		case '\f':
			b = append(b, '\\', 'f')
		default:
			if c < 0x20 {
				b = append(b, fmt.Sprintf("\\u%04x", c)...)
			} else {
				b = append(b, c)
			}
		}
	}
	return append(b, '"')
}

// ParseEvent decodes a wire event object. It enforces the fixed field
// lengths the protocol requires before anything else looks at the event.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("invalid event JSON: %w", err)
	}
	if len(ev.ID) != 64 || !isLowerHex(ev.ID) {
		return nil, fmt.Errorf("invalid event id")
	}
	if len(ev.PubKey) != 64 || !isLowerHex(ev.PubKey) {
		return nil, fmt.Errorf("invalid pubkey")
	}
	if len(ev.Sig) != 128 || !isLowerHex(ev.Sig) {
		return nil, fmt.Errorf("invalid signature")
	}
	if ev.Tags == nil {
		ev.Tags = []Tag{}
	}
	return &ev, nil
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
