package nostr

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Filter is one subscription filter (NIP-01). All populated conditions are
// ANDed; within a condition the listed values are ORed. An empty filter
// matches every event. IDs and Authors entries shorter than 64 chars match
// as hex prefixes.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string
	Since   *int64
	Until   *int64
	Limit   int
}

// filterJSON carries the fixed filter fields; tag conditions ("#e", "#p",
// ...) are collected separately because their keys are dynamic.
type filterJSON struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   *int     `json:"limit,omitempty"`
}

// ParseFilter decodes a wire filter object. Following the reference
// behavior, ids/authors entries longer than 64 chars are dropped, tag keys
// must be "#" plus a single character, and a non-positive limit is ignored.
func ParseFilter(data []byte) (*Filter, error) {
	var fixed filterJSON
	if err := json.Unmarshal(data, &fixed); err != nil {
		return nil, fmt.Errorf("invalid filter JSON: %w", err)
	}

	f := &Filter{Kinds: fixed.Kinds, Since: fixed.Since, Until: fixed.Until}
	for _, id := range fixed.IDs {
		if len(id) <= 64 {
			f.IDs = append(f.IDs, id)
		}
	}
	for _, author := range fixed.Authors {
		if len(author) <= 64 {
			f.Authors = append(f.Authors, author)
		}
	}
	if fixed.Limit != nil && *fixed.Limit > 0 {
		f.Limit = *fixed.Limit
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid filter JSON: %w", err)
	}
	for key, val := range raw {
		if len(key) != 2 || key[0] != '#' {
			continue
		}
		var values []string
		if err := json.Unmarshal(val, &values); err != nil {
			continue
		}
		if len(values) == 0 {
			continue
		}
		if f.Tags == nil {
			f.Tags = make(map[string][]string)
		}
		f.Tags[key[1:]] = values
	}
	return f, nil
}

// MarshalJSON renders the filter back to its wire shape, including the
// dynamic "#x" tag keys.
func (f *Filter) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{})
	if len(f.IDs) > 0 {
		out["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		out["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		out["kinds"] = f.Kinds
	}
	if f.Since != nil {
		out["since"] = *f.Since
	}
	if f.Until != nil {
		out["until"] = *f.Until
	}
	if f.Limit > 0 {
		out["limit"] = f.Limit
	}
	for name, values := range f.Tags {
		out["#"+name] = values
	}
	return json.Marshal(out)
}

// Matches reports whether the event satisfies every condition of the
// filter. Soft-deleted events are the caller's concern; Matches looks only
// at wire fields.
func (f *Filter) Matches(ev *Event) bool {
	if len(f.IDs) > 0 && !matchesHex(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !matchesHex(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if !eventHasTagValue(ev, name, values) {
			return false
		}
	}
	return true
}

// matchesHex reports whether target equals any entry, treating entries
// shorter than the full 64 chars as prefixes.
func matchesHex(entries []string, target string) bool {
	for _, e := range entries {
		if len(e) == 64 {
			if e == target {
				return true
			}
		} else if strings.HasPrefix(target, e) {
			return true
		}
	}
	return false
}

// eventHasTagValue reports whether the event has a tag with the given name
// whose values intersect the wanted set. All values after the tag name are
// candidates, matching the reference fan-out behavior.
func eventHasTagValue(ev *Event, name string, wanted []string) bool {
	for _, tag := range ev.Tags {
		if tag.Name() != name {
			continue
		}
		for _, v := range tag[1:] {
			for _, w := range wanted {
				if v == w {
					return true
				}
			}
		}
	}
	return false
}
