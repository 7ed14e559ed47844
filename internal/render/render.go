// Package render compiles the stored memory state for a tenant into a single
// markdown document. Compilation is pure: it reads the snapshot it is given
// and touches no storage, so the engine can call it inside or outside a
// transaction and tests can feed it fixtures directly.
package render

import (
	"fmt"
	"sort"
	"strings"

	"github.com/scrypster/keepsake/pkg/types"
)

// MemoryFileName is the artifact name the compiled document is stored under.
const MemoryFileName = "MEMORY.md"

// DefaultEpisodeCount is how many recent episodes the document includes when
// the caller does not say otherwise.
const DefaultEpisodeCount = 10

// episodeExcerptLimit caps episode content in the document, in runes.
const episodeExcerptLimit = 100

// Compile renders the memory document from a profile snapshot, the concerns to
// show, and the recent episodes to excerpt. It returns "" when there is
// nothing to render (nil profile and no concerns or episodes), which callers
// treat as "do not write an artifact".
func Compile(profile *types.Profile, concerns []types.Concern, episodes []types.Episode) string {
	empty := (profile == nil || profile.Data.IsEmpty()) && len(concerns) == 0 && len(episodes) == 0
	if empty {
		return ""
	}

	var b strings.Builder
	b.WriteString("# Memory\n")

	if profile != nil {
		writeFactSection(&b, "Medical Facts", profile.Data.MedicalFacts)
		writeMapSection(&b, "Baby Snapshot", profile.Data.BabyProfile)
		writeMapSection(&b, "Feeding Profile", profile.Data.FeedingProfile)
		writeFactSection(&b, "Next Actions", profile.Data.NextActions)
	}
	writeConcernSection(&b, concerns)
	writeEpisodeSection(&b, episodes)

	return b.String()
}

func writeFactSection(b *strings.Builder, title string, facts []types.FactEntry) {
	if len(facts) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n", title)
	for _, f := range facts {
		fmt.Fprintf(b, "- %s\n", f.Fact)
	}
}

// writeMapSection renders a key/value section with keys sorted for a stable
// document. Entries with empty values are skipped.
func writeMapSection(b *strings.Builder, title string, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return
	}
	sort.Strings(keys)

	fmt.Fprintf(b, "\n## %s\n", title)
	for _, k := range keys {
		fmt.Fprintf(b, "- %s: %s\n", k, m[k])
	}
}

func writeConcernSection(b *strings.Builder, concerns []types.Concern) {
	if len(concerns) == 0 {
		return
	}
	b.WriteString("\n## Active Concerns\n")
	for _, c := range concerns {
		marker := ""
		if c.Severity.IsAlerting() {
			marker = "[!] "
		}
		mentions := fmt.Sprintf("%d mentions", c.MentionCount)
		if c.MentionCount == 1 {
			mentions = "1 mention"
		}
		fmt.Fprintf(b, "- %s%s (%s, %s, last seen %s)\n",
			marker, c.DisplayName, c.Severity, mentions, c.LastSeenAt.UTC().Format("2006-01-02"))
	}
}

func writeEpisodeSection(b *strings.Builder, episodes []types.Episode) {
	if len(episodes) == 0 {
		return
	}
	b.WriteString("\n## Recent Episodes\n")
	for _, ep := range episodes {
		fmt.Fprintf(b, "- %s (%s) %s\n",
			ep.CreatedAt.UTC().Format("2006-01-02"), ep.Channel, excerpt(ep.Content))
	}
}

// excerpt truncates content on a rune boundary so multi-byte text is never
// split mid-character.
func excerpt(content string) string {
	content = strings.ReplaceAll(content, "\n", " ")
	runes := []rune(content)
	if len(runes) <= episodeExcerptLimit {
		return content
	}
	return string(runes[:episodeExcerptLimit]) + "..."
}
