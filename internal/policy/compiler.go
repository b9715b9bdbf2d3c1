// Package policy compiles a device's ordered policy assignments into a
// single effective policy document with first-wins conflict resolution and
// a deterministic content hash.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/baseliner/backend/internal/core"
)

// Document is the typed envelope of a policy document. Resources are kept
// as raw JSON so type-specific fields round-trip without loss.
type Document struct {
	Resources []json.RawMessage `json:"resources"`
}

// resourceProbe extracts only the identity fields of a resource. The
// winget catalog fields cover the spellings agents have shipped with.
type resourceProbe struct {
	Type         string `json:"type"`
	ID           string `json:"id"`
	PackageID    string `json:"package_id"`
	PackageIDAlt string `json:"packageId"`
	WingetID     string `json:"winget_id"`
	WingetIDAlt  string `json:"wingetId"`
	Package      string `json:"package"`
}

// Source identifies where an effective resource came from.
type Source struct {
	AssignmentID uuid.UUID           `json:"assignment_id"`
	PolicyID     uuid.UUID           `json:"policy_id"`
	PolicyName   string              `json:"policy_name"`
	Priority     int                 `json:"priority"`
	Mode         core.AssignmentMode `json:"mode"`
}

// Conflict records a resource that was dropped because an earlier
// assignment already claimed its key.
type Conflict struct {
	Key          string `json:"key"`
	WinnerPolicy string `json:"winner_policy"`
	LoserPolicy  string `json:"loser_policy"`
	Winner       Source `json:"winner"`
	Loser        Source `json:"loser"`
	Reason       string `json:"reason"`
}

// Skipped records an assignment that contributed nothing because its policy
// is inactive or missing.
type Skipped struct {
	AssignmentID uuid.UUID `json:"assignment_id"`
	PolicyID     uuid.UUID `json:"policy_id"`
	Reason       string    `json:"reason"`
}

// Compiled is the effective policy for one device.
type Compiled struct {
	Document  Document                       `json:"document"`
	Hash      string                         `json:"hash"`
	Mode      core.AssignmentMode            `json:"mode"`
	Sources   []Source                       `json:"sources"`
	SourceBy  map[string]Source              `json:"sources_by_key"`
	ModeBy    map[string]core.AssignmentMode `json:"mode_by_key"`
	Conflicts []Conflict                     `json:"conflicts"`
	Skipped   []Skipped                      `json:"skipped"`
}

// Input is one assignment joined with its policy. Policy is nil when the
// referenced policy row no longer exists.
type Input struct {
	Assignment core.PolicyAssignment
	Policy     *core.Policy
}

const reasonFirstWins = "first-wins-by-priority"

// Compile merges assignments into an effective policy.
//
// Assignments are applied in canonical order: priority ascending, then
// created_at ascending, then assignment id lexicographic. The first
// assignment to claim a (type, id) key wins; later claims are recorded as
// conflicts and dropped. The result is a pure function of its input, so the
// hash is reproducible byte-for-byte.
func Compile(inputs []Input) (*Compiled, error) {
	sorted := make([]Input, len(inputs))
	copy(sorted, inputs)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Assignment, sorted[j].Assignment
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return strings.Compare(a.ID.String(), b.ID.String()) < 0
	})

	out := &Compiled{
		Document:  Document{Resources: []json.RawMessage{}},
		SourceBy:  map[string]Source{},
		ModeBy:    map[string]core.AssignmentMode{},
		Conflicts: []Conflict{},
		Skipped:   []Skipped{},
		Sources:   []Source{},
	}

	allAudit := true
	contributed := false

	for _, in := range sorted {
		a := in.Assignment
		if in.Policy == nil {
			out.Skipped = append(out.Skipped, Skipped{
				AssignmentID: a.ID, PolicyID: a.PolicyID, Reason: "policy_missing",
			})
			continue
		}
		if !in.Policy.IsActive {
			out.Skipped = append(out.Skipped, Skipped{
				AssignmentID: a.ID, PolicyID: a.PolicyID, Reason: "policy_inactive",
			})
			continue
		}

		src := Source{
			AssignmentID: a.ID,
			PolicyID:     in.Policy.ID,
			PolicyName:   in.Policy.Name,
			Priority:     a.Priority,
			Mode:         a.Mode,
		}
		out.Sources = append(out.Sources, src)
		contributed = true
		if a.Mode != core.ModeAudit {
			allAudit = false
		}

		var doc Document
		if err := json.Unmarshal(in.Policy.Document, &doc); err != nil {
			return nil, fmt.Errorf("policy %s: bad document: %w", in.Policy.Name, err)
		}

		for _, res := range doc.Resources {
			var probe resourceProbe
			if err := json.Unmarshal(res, &probe); err != nil {
				return nil, fmt.Errorf("policy %s: bad resource: %w", in.Policy.Name, err)
			}
			key := resourceKey(probe)
			if key == "" {
				// No usable identity. Keep the resource rather than
				// silently dropping it, but do not attempt to de-dupe.
				out.Document.Resources = append(out.Document.Resources, res)
				continue
			}

			if existing, ok := out.SourceBy[key]; ok {
				out.Conflicts = append(out.Conflicts, Conflict{
					Key:          key,
					WinnerPolicy: existing.PolicyName,
					LoserPolicy:  src.PolicyName,
					Winner:       existing,
					Loser:        src,
					Reason:       reasonFirstWins,
				})
				continue
			}

			out.SourceBy[key] = src
			out.ModeBy[key] = a.Mode
			out.Document.Resources = append(out.Document.Resources, res)
		}
	}

	// Overall mode: audit only when every contributing assignment is audit.
	out.Mode = core.ModeEnforce
	if contributed && allAudit {
		out.Mode = core.ModeAudit
	}

	hash, err := HashDocument(out.Document)
	if err != nil {
		return nil, err
	}
	out.Hash = hash
	return out, nil
}

// HashDocument computes SHA-256 over the canonical JSON form of a document.
func HashDocument(doc Document) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	canonical, err := CanonicalJSON(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// resourceKey builds the canonical de-dupe key for a resource, or "" when
// the resource carries no usable identity. Both type and id compare
// case-insensitively. winget.package resources prefer the winget catalog
// identifier over the local id, since different policies may address the
// same package under different local ids.
func resourceKey(p resourceProbe) string {
	rtype := strings.ToLower(strings.TrimSpace(p.Type))
	if rtype == "" {
		return ""
	}
	if rtype == "winget.package" {
		for _, v := range []string{p.PackageID, p.PackageIDAlt, p.WingetID, p.WingetIDAlt, p.Package} {
			if v = strings.TrimSpace(v); v != "" {
				return rtype + "/" + strings.ToLower(v)
			}
		}
	}
	rid := strings.TrimSpace(p.ID)
	if rid == "" {
		return ""
	}
	return rtype + "/" + strings.ToLower(rid)
}
