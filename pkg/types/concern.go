package types

import "time"

// Severity of a tracked concern, ordered low < medium < high < critical.
// Severity only ever escalates across upserts; it never downgrades
// automatically.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank gives the fixed escalation ordering. Unknown severities rank
// below low so a malformed value can never win a MaxSeverity comparison.
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the numeric position of s in the severity ordering, 0 for
// unknown values.
func (s Severity) Rank() int {
	return severityRank[s]
}

// IsValid reports whether s is one of the four recognized severities.
func (s Severity) IsValid() bool {
	return severityRank[s] != 0
}

// IsAlerting reports whether the severity warrants an alert marker in the
// rendered memory document.
func (s Severity) IsAlerting() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// MaxSeverity returns whichever of a and b ranks higher; ties keep a.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ConcernStatus is the lifecycle status of a concern. Concerns are never
// deleted; they only move between statuses.
type ConcernStatus string

const (
	ConcernActive    ConcernStatus = "active"
	ConcernImproving ConcernStatus = "improving"
	ConcernResolved  ConcernStatus = "resolved"
	ConcernEscalated ConcernStatus = "escalated"
)

// IsValid reports whether s is a recognized concern status.
func (s ConcernStatus) IsValid() bool {
	switch s {
	case ConcernActive, ConcernImproving, ConcernResolved, ConcernEscalated:
		return true
	}
	return false
}

// IsOpen reports whether the status counts as open for rendering and the
// active-concern listing. Resolved is the only closed status.
func (s ConcernStatus) IsOpen() bool {
	return s == ConcernActive || s == ConcernImproving || s == ConcernEscalated
}

// EvidenceEntry is one accumulated piece of evidence for a concern. Date is a
// calendar day in YYYY-MM-DD form.
type EvidenceEntry struct {
	Text   string `json:"text"`
	Source string `json:"source"`
	Date   string `json:"date"`
}

// EvidenceDate formats a timestamp the way evidence entries record it.
func EvidenceDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MaxEvidenceEntries caps evidence growth per concern. Upserts trim the
// oldest entry once the cap is reached, keeping the most recent entries.
const MaxEvidenceEntries = 50

// Concern is a tracked recurring issue, at most one per (tenant, concern key).
type Concern struct {
	ID           int64           `json:"id"`
	TenantID     string          `json:"tenant_id"`
	ConcernKey   string          `json:"concern_key"`
	DisplayName  string          `json:"display_name"`
	Severity     Severity        `json:"severity"`
	Status       ConcernStatus   `json:"status"`
	MentionCount int             `json:"mention_count"`
	Evidence     []EvidenceEntry `json:"evidence"`
	FirstSeenAt  time.Time       `json:"first_seen_at"`
	LastSeenAt   time.Time       `json:"last_seen_at"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
	FollowupDue  *time.Time      `json:"followup_due,omitempty"`
}
