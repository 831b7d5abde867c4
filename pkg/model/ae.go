// Package model holds the data types from spec.md section 3: application
// entities, file-storage metadata, payloads, inference requests, and the
// audit/execution records that round out the persisted state in section 6.
package model

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// EditMode distinguishes a Create from an Update for the AE base fields.
// Mirrors the upstream behavior called out as a preserved oddity in
// spec.md section 9: on Update, UpdatedBy is set but CreatedBy is not
// touched, even though CreatedBy was only ever set on Create.
type EditMode int

const (
	EditCreate EditMode = iota
	EditUpdate
)

// AEBase is embedded by every application-entity flavor in spec.md section 3.
type AEBase struct {
	Name      string `json:"name"`
	AETitle   string `json:"aeTitle"`
	HostIP    string `json:"hostIp,omitempty"`
	Port      int    `json:"port,omitempty"`
	CreatedBy string `json:"createdBy,omitempty"`
	UpdatedBy string `json:"updatedBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SetAuditFields applies the create/update bookkeeping. See the EditMode
// doc comment: this preserves the upstream quirk verbatim rather than
// "fixing" it, per spec.md section 9's instruction not to silently correct it.
func (b *AEBase) SetAuditFields(mode EditMode, actor string, now time.Time) {
	switch mode {
	case EditCreate:
		b.CreatedBy = actor
		b.CreatedAt = now
	case EditUpdate:
		b.UpdatedBy = actor
	}
	b.UpdatedAt = now
}

// isAETitleChar is the allow-list from spec.md section 8: ASCII
// alphanumerics plus a small punctuation set.
func isAETitleChar(r rune) bool {
	return (unicode.IsDigit(r) && r < unicode.MaxASCII) || (unicode.IsLetter(r) && r < unicode.MaxASCII) ||
		r == '.' || r == '_' || r == '-'
}

// ValidateAETitle enforces spec.md section 3/8: 1..16 ASCII chars from
// [A-Za-z0-9._-], trimmed.
func ValidateAETitle(title string) error {
	trimmed := strings.TrimSpace(title)
	if len(trimmed) == 0 || len(trimmed) > 16 {
		return fmt.Errorf("aeTitle %q must be 1-16 characters", title)
	}
	for _, r := range trimmed {
		if !isAETitleChar(r) {
			return fmt.Errorf("aeTitle %q contains an invalid character %q", title, r)
		}
	}
	return nil
}

// DefaultGroupingTag is the Study Instance UID tag, the default grouping key
// source for MonaiApplicationEntity per spec.md section 3.
const DefaultGroupingTag = "0020,000D"

// SeriesGroupingTag groups by Series Instance UID instead of Study.
const SeriesGroupingTag = "0020,000E"

// allowedGroupingTags is the whitelist spec.md section 3's invariant refers
// to ("one of a whitelist (Study UID or Series UID)").
var allowedGroupingTags = map[string]bool{
	DefaultGroupingTag: true,
	SeriesGroupingTag:  true,
}

// ValidateGroupingTag enforces the grouping-tag invariant.
func ValidateGroupingTag(tag string) error {
	if !allowedGroupingTags[tag] {
		return fmt.Errorf("grouping tag %q is not one of the allowed tags (Study UID, Series UID)", tag)
	}
	return nil
}

// MonaiApplicationEntity is the local SCP target AE from spec.md section 3.
type MonaiApplicationEntity struct {
	AEBase
	Grouping          string   `json:"grouping"`
	Workflows         []string `json:"workflows"`
	AllowedSopClasses []string `json:"allowedSopClasses,omitempty"`
	IgnoredSopClasses []string `json:"ignoredSopClasses,omitempty"`
	PlugInAssemblies  []string `json:"plugInAssemblies,omitempty"`
	TimeoutSeconds    int      `json:"timeout"`
}

// SetDefaultValues fills in the zero-value defaults the upstream applies,
// including copying AETitle into Name when Name is empty — a known
// name-collision foot-gun spec.md section 9 says to preserve, not redesign.
func (m *MonaiApplicationEntity) SetDefaultValues() {
	if m.Name == "" {
		m.Name = m.AETitle
	}
	if m.Grouping == "" {
		m.Grouping = DefaultGroupingTag
	}
	if m.TimeoutSeconds == 0 {
		m.TimeoutSeconds = 5
	}
}

// Validate enforces the AE invariants from spec.md section 3/8: unique name
// is the repository's job, but the mutual-exclusivity and tag checks belong
// on the entity itself.
func (m *MonaiApplicationEntity) Validate() error {
	if err := ValidateAETitle(m.AETitle); err != nil {
		return err
	}
	if len(m.AllowedSopClasses) > 0 && len(m.IgnoredSopClasses) > 0 {
		return fmt.Errorf("monai AE %q: allowedSopClasses and ignoredSopClasses are mutually exclusive", m.Name)
	}
	if m.Grouping != "" {
		if err := ValidateGroupingTag(m.Grouping); err != nil {
			return err
		}
	}
	if m.TimeoutSeconds < 0 {
		return fmt.Errorf("monai AE %q: timeout must be >= 0", m.Name)
	}
	return nil
}

// AcceptsSOPClass applies the filtering order from spec.md section 4.1:
// allow-list wins if non-empty, else ignore-list excludes, else accept all.
func (m *MonaiApplicationEntity) AcceptsSOPClass(sopClassUID string) bool {
	if len(m.AllowedSopClasses) > 0 {
		for _, c := range m.AllowedSopClasses {
			if c == sopClassUID {
				return true
			}
		}
		return false
	}
	if len(m.IgnoredSopClasses) > 0 {
		for _, c := range m.IgnoredSopClasses {
			if c == sopClassUID {
				return false
			}
		}
	}
	return true
}

// SourceApplicationEntity is a peer allowed to push, spec.md section 3.
type SourceApplicationEntity struct {
	AEBase
}

func (s *SourceApplicationEntity) Validate() error {
	return ValidateAETitle(s.AETitle)
}

// DestinationApplicationEntity is a remote DIMSE target, spec.md section 3.
type DestinationApplicationEntity struct {
	AEBase
}

func (d *DestinationApplicationEntity) Validate() error {
	if err := ValidateAETitle(d.AETitle); err != nil {
		return err
	}
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("destination AE %q: port %d out of range", d.Name, d.Port)
	}
	return nil
}

// VirtualApplicationEntity is a DICOMweb endpoint with no network identity,
// spec.md section 3.
type VirtualApplicationEntity struct {
	Name             string    `json:"name"`
	Workflows        []string  `json:"workflows"`
	PlugInAssemblies []string  `json:"plugInAssemblies,omitempty"`
	CreatedBy        string    `json:"createdBy,omitempty"`
	UpdatedBy        string    `json:"updatedBy,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func (v *VirtualApplicationEntity) Validate() error {
	if strings.TrimSpace(v.Name) == "" {
		return fmt.Errorf("virtual AE name must not be empty")
	}
	return nil
}
