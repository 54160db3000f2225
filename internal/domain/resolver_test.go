package domain

import (
	"strings"
	"testing"
)

func TestParseQuery(t *testing.T) {
	onionID := strings.Repeat("example", 8) // 56 chars, valid base32

	tests := []struct {
		name              string
		input             string
		expectedHostname  string
		expectedFragments []string
	}{
		{
			name:              "simple query",
			input:             "wiki",
			expectedFragments: []string{"wiki"},
		},
		{
			name:              "multiple fragments",
			input:             "team wiki",
			expectedFragments: []string{"team", "wiki"},
		},
		{
			name:              "uppercase is normalized",
			input:             "  Team  WIKI ",
			expectedFragments: []string{"team", "wiki"},
		},
		{
			name:             "onion hostname",
			input:            onionID + ".onion",
			expectedHostname: onionID + ".onion",
		},
		{
			name:             "bare service id gets the suffix",
			input:            onionID,
			expectedHostname: onionID + ".onion",
		},
		{
			name:             "short hostname still counts as exact",
			input:            "blah.onion",
			expectedHostname: "blah.onion",
		},
		{
			name:              "56 chars of non base32 is a fragment",
			input:             strings.Repeat("0", 56),
			expectedFragments: []string{strings.Repeat("0", 56)},
		},
		{
			name:  "empty query",
			input: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query := ParseQuery(tt.input)

			if query.Hostname != tt.expectedHostname {
				t.Errorf("Hostname = %q, want %q", query.Hostname, tt.expectedHostname)
			}

			if query.IsExact() != (tt.expectedHostname != "") {
				t.Errorf("IsExact() = %v, want %v", query.IsExact(), tt.expectedHostname != "")
			}

			if !slicesEqual(query.Fragments, tt.expectedFragments) {
				t.Errorf("Fragments = %v, want %v", query.Fragments, tt.expectedFragments)
			}
		})
	}
}

func slicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNameFragments(t *testing.T) {
	tests := []struct {
		name     string
		expected []string
	}{
		{"team-wiki", []string{"team", "wiki"}},
		{"Team_Wiki.Staging", []string{"team", "wiki", "staging"}},
		{"blog", []string{"blog"}},
		{"", nil},
	}
	for _, tt := range tests {
		if got := NameFragments(tt.name); !slicesEqual(got, tt.expected) {
			t.Errorf("NameFragments(%q) = %v, want %v", tt.name, got, tt.expected)
		}
	}
}

func TestScore(t *testing.T) {
	onionHost := strings.Repeat("example", 8) + ".onion"

	tests := []struct {
		name           string
		queryStr       string
		record         *Record
		expectPositive bool
	}{
		{
			name:           "exact name match",
			queryStr:       "blog",
			record:         &Record{Hostname: onionHost, Name: "blog"},
			expectPositive: true,
		},
		{
			name:           "prefix match",
			queryStr:       "bl",
			record:         &Record{Hostname: onionHost, Name: "blog"},
			expectPositive: true,
		},
		{
			name:           "no match",
			queryStr:       "xyz",
			record:         &Record{Hostname: onionHost, Name: "blog"},
			expectPositive: false,
		},
		{
			name:           "fragments across a compound name",
			queryStr:       "team wiki",
			record:         &Record{Hostname: onionHost, Name: "team-wiki"},
			expectPositive: true,
		},
		{
			name:           "exact hostname query",
			queryStr:       onionHost,
			record:         &Record{Hostname: onionHost, Name: "blog"},
			expectPositive: true,
		},
		{
			name:           "exact hostname query against another record",
			queryStr:       onionHost,
			record:         &Record{Hostname: "other56565656.onion", Name: "blog"},
			expectPositive: false,
		},
		{
			name:           "service id prefix",
			queryStr:       "exampleexam",
			record:         &Record{Hostname: onionHost, Name: "blog"},
			expectPositive: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query := ParseQuery(tt.queryStr)
			score := Score(query, tt.record)

			if tt.expectPositive && score <= 0 {
				t.Errorf("Expected positive score, got %f", score)
			}

			if !tt.expectPositive && score > 0 {
				t.Errorf("Expected zero score, got %f", score)
			}
		})
	}
}

func TestRankCandidates_DisabledFilter(t *testing.T) {
	records := []*Record{
		{
			ID:       "active1.onion",
			Hostname: "active1.onion",
			Name:     "active",
		},
		{
			ID:       "gone.onion",
			Hostname: "gone.onion",
			Name:     "active-too",
			Disabled: true,
		},
		{
			ID:       "active2.onion",
			Hostname: "active2.onion",
			Name:     "activated",
		},
	}

	query := ParseQuery("active")
	candidates := RankCandidates(query, records)

	// Should only return the 2 live records
	if len(candidates) != 2 {
		t.Errorf("Expected 2 candidates (disabled should be filtered), got %d", len(candidates))
	}

	for _, c := range candidates {
		if c.Record.Disabled {
			t.Error("Disabled record should not be in candidates")
		}
	}
}

func TestRankCandidatesUsageBreaksTies(t *testing.T) {
	records := []*Record{
		{ID: "a.onion", Hostname: "a.onion", Name: "wiki", Counter: 2},
		{ID: "b.onion", Hostname: "b.onion", Name: "wiki", Counter: 900},
	}

	candidates := RankCandidates(ParseQuery("wiki"), records)
	if len(candidates) != 2 {
		t.Fatalf("Expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].Record.Hostname != "b.onion" {
		t.Errorf("best candidate = %s, want the heavily used b.onion", candidates[0].Record.Hostname)
	}
	if candidates[0].UsageScore <= candidates[1].UsageScore {
		t.Errorf("UsageScore ordering wrong: %f <= %f", candidates[0].UsageScore, candidates[1].UsageScore)
	}
}

func TestFindBestMatch(t *testing.T) {
	records := []*Record{
		{ID: "a.onion", Hostname: "a.onion", Name: "blog"},
		{ID: "b.onion", Hostname: "b.onion", Name: "team-wiki"},
	}

	if got := FindBestMatch(ParseQuery("wiki"), records); got == nil || got.Hostname != "b.onion" {
		t.Errorf("FindBestMatch(wiki) = %v, want b.onion", got)
	}
	if got := FindBestMatch(ParseQuery("zzz"), records); got != nil {
		t.Errorf("FindBestMatch(zzz) = %v, want nil", got)
	}
}
