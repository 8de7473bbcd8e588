package relay

import (
	"encoding/json"
	"errors"

	"nostrelay/pkg/nostr"
)

// NOTICE and OK reason strings sent to clients.
const (
	reasonInvalidMessage  = "invalid message format"
	reasonInvalidEvent    = "invalid event"
	reasonInvalidFilter   = "invalid filter"
	reasonRateLimited     = "rate limited"
	reasonSubClosed       = "subscription closed"
	reasonTooManySubs     = "too many subscriptions"
	reasonAuthUnsupported = "AUTH not implemented"
)

var errMalformedFrame = errors.New("malformed frame")

// parseFrame splits an inbound JSON array frame into the message type and
// its remaining elements.
func parseFrame(data []byte) (string, []json.RawMessage, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return "", nil, errMalformedFrame
	}
	if len(elems) == 0 {
		return "", nil, errMalformedFrame
	}
	var typ string
	if err := json.Unmarshal(elems[0], &typ); err != nil {
		return "", nil, errMalformedFrame
	}
	return typ, elems[1:], nil
}

func noticeFrame(message string) []byte {
	frame, _ := json.Marshal([]any{"NOTICE", message})
	return frame
}

func okFrame(id string, accepted bool, message string) []byte {
	frame, _ := json.Marshal([]any{"OK", id, accepted, message})
	return frame
}

func eoseFrame(subID string) []byte {
	frame, _ := json.Marshal([]any{"EOSE", subID})
	return frame
}

func eventFrame(subID string, ev *nostr.Event) []byte {
	frame, _ := json.Marshal([]any{"EVENT", subID, ev})
	return frame
}
