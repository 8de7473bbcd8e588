package nostr

import (
	"strings"
	"testing"
)

func i64(v int64) *int64 { return &v }

func TestParseFilter(t *testing.T) {
	data := []byte(`{
		"ids": ["abcd"],
		"authors": ["` + strings.Repeat("11", 32) + `"],
		"kinds": [0, 1],
		"#e": ["` + strings.Repeat("22", 32) + `"],
		"#p": ["` + strings.Repeat("33", 32) + `"],
		"since": 1000,
		"until": 2000,
		"limit": 50
	}`)
	f, err := ParseFilter(data)
	if err != nil {
		t.Fatalf("ParseFilter: %v", err)
	}
	if len(f.IDs) != 1 || f.IDs[0] != "abcd" {
		t.Fatalf("ids = %v", f.IDs)
	}
	if len(f.Authors) != 1 || len(f.Kinds) != 2 {
		t.Fatalf("authors/kinds = %v / %v", f.Authors, f.Kinds)
	}
	if len(f.Tags) != 2 || len(f.Tags["e"]) != 1 || len(f.Tags["p"]) != 1 {
		t.Fatalf("tags = %v", f.Tags)
	}
	if f.Since == nil || *f.Since != 1000 || f.Until == nil || *f.Until != 2000 {
		t.Fatalf("since/until = %v / %v", f.Since, f.Until)
	}
	if f.Limit != 50 {
		t.Fatalf("limit = %d", f.Limit)
	}
}

func TestParseFilterDropsOversizedEntries(t *testing.T) {
	long := strings.Repeat("ab", 33) // 66 chars, over the 64-char cap
	f, err := ParseFilter([]byte(`{"ids": ["` + long + `"], "authors": ["` + long + `"], "limit": -5}`))
	if err != nil {
		t.Fatalf("ParseFilter: %v", err)
	}
	if len(f.IDs) != 0 || len(f.Authors) != 0 {
		t.Fatalf("oversized entries kept: %v %v", f.IDs, f.Authors)
	}
	if f.Limit != 0 {
		t.Fatalf("non-positive limit kept: %d", f.Limit)
	}
}

func TestParseFilterIgnoresNonTagKeys(t *testing.T) {
	f, err := ParseFilter([]byte(`{"#ee": ["x"], "e": ["y"], "#t": ["topic"]}`))
	if err != nil {
		t.Fatalf("ParseFilter: %v", err)
	}
	if len(f.Tags) != 1 || f.Tags["t"][0] != "topic" {
		t.Fatalf("tags = %v", f.Tags)
	}
}

func TestFilterMatches(t *testing.T) {
	id := strings.Repeat("aa", 32)
	pubkey := strings.Repeat("bb", 32)
	target := strings.Repeat("cc", 32)
	ev := &Event{
		ID:        id,
		PubKey:    pubkey,
		CreatedAt: 1500,
		Kind:      1,
		Tags:      []Tag{{"e", target}, {"t", "nostr"}},
	}

	cases := []struct {
		name  string
		f     Filter
		match bool
	}{
		{"empty matches all", Filter{}, true},
		{"id exact", Filter{IDs: []string{id}}, true},
		{"id prefix", Filter{IDs: []string{id[:8]}}, true},
		{"id miss", Filter{IDs: []string{strings.Repeat("ff", 32)}}, false},
		{"author exact", Filter{Authors: []string{pubkey}}, true},
		{"author prefix", Filter{Authors: []string{pubkey[:4]}}, true},
		{"author miss", Filter{Authors: []string{strings.Repeat("ee", 32)}}, false},
		{"kind hit", Filter{Kinds: []int{0, 1}}, true},
		{"kind miss", Filter{Kinds: []int{7}}, false},
		{"since inclusive", Filter{Since: i64(1500)}, true},
		{"since excludes older", Filter{Since: i64(1501)}, false},
		{"until inclusive", Filter{Until: i64(1500)}, true},
		{"until excludes newer", Filter{Until: i64(1499)}, false},
		{"tag hit", Filter{Tags: map[string][]string{"e": {target}}}, true},
		{"tag value miss", Filter{Tags: map[string][]string{"e": {strings.Repeat("dd", 32)}}}, false},
		{"tag name miss", Filter{Tags: map[string][]string{"p": {target}}}, false},
		{"tags AND across names", Filter{Tags: map[string][]string{"e": {target}, "t": {"nostr"}}}, true},
		{"tags AND fails if one misses", Filter{Tags: map[string][]string{"e": {target}, "t": {"other"}}}, false},
		{"all conditions together", Filter{
			IDs: []string{id[:6]}, Authors: []string{pubkey}, Kinds: []int{1},
			Since: i64(1000), Until: i64(2000),
			Tags: map[string][]string{"t": {"nostr"}},
		}, true},
	}
	for _, c := range cases {
		if got := c.f.Matches(ev); got != c.match {
			t.Errorf("%s: Matches = %v, want %v", c.name, got, c.match)
		}
	}
}

func TestFilterMatchesLaterTagValues(t *testing.T) {
	// a value anywhere after the tag name counts, not just position 1
	ev := &Event{Tags: []Tag{{"e", "first", "second"}}}
	f := Filter{Tags: map[string][]string{"e": {"second"}}}
	if !f.Matches(ev) {
		t.Fatalf("value in later tag position not matched")
	}
}

func TestFilterMarshalRoundTrip(t *testing.T) {
	f := &Filter{
		IDs:   []string{"abcd"},
		Kinds: []int{1},
		Tags:  map[string][]string{"e": {"x"}},
		Since: i64(10),
		Limit: 5,
	}
	data, err := f.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	got, err := ParseFilter(data)
	if err != nil {
		t.Fatalf("ParseFilter: %v", err)
	}
	if len(got.IDs) != 1 || got.IDs[0] != "abcd" || got.Limit != 5 ||
		got.Since == nil || *got.Since != 10 || got.Tags["e"][0] != "x" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
