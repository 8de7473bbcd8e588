package api

// Info is the relay information document served for requests with
// Accept: application/nostr+json (NIP-11).
type Info struct {
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	PubKey        string     `json:"pubkey,omitempty"`
	Contact       string     `json:"contact,omitempty"`
	SupportedNIPs []int      `json:"supported_nips"`
	Software      string     `json:"software"`
	Version       string     `json:"version"`
	Limitation    Limitation `json:"limitation"`
}

// Limitation advertises the relay's hard limits to clients.
type Limitation struct {
	MaxMessageLength int  `json:"max_message_length"`
	MaxSubscriptions int  `json:"max_subscriptions"`
	MaxFilters       int  `json:"max_filters"`
	MaxLimit         int  `json:"max_limit"`
	MaxSubIDLength   int  `json:"max_subid_length"`
	MaxEventTags     int  `json:"max_event_tags"`
	AuthRequired     bool `json:"auth_required"`
	PaymentRequired  bool `json:"payment_required"`
}

// DefaultInfo fills the static parts of the info document.
func DefaultInfo(version string) Info {
	return Info{
		Name:          "nostrelay",
		Description:   "embedded nostr relay",
		SupportedNIPs: []int{1, 2, 4, 9, 11, 12, 15, 16, 20, 33},
		Software:      "https://github.com/nostrelay/nostrelay",
		Version:       version,
	}
}
