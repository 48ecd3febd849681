package coordinator

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/resume-agent/pipeline/pkg/state"
)

// ExpandSectionOrder deterministically expands the two composite section
// names the blueprint's section plan may list — experience and
// education_and_certifications — into their concrete written-section
// names, preserving blueprint order everywhere else.
func ExpandSectionOrder(order []string, sections map[string]state.Section) []string {
	out := make([]string, 0, len(order)+2)
	for _, name := range order {
		switch name {
		case "experience":
			out = append(out, experienceRoleIndexes(sections)...)
			if _, ok := sections["earlier_career"]; ok {
				out = append(out, "earlier_career")
			}
		case "education_and_certifications":
			if _, ok := sections["education"]; ok {
				out = append(out, "education")
			}
			if _, ok := sections["certifications"]; ok {
				out = append(out, "certifications")
			}
		default:
			if _, ok := sections[name]; ok {
				out = append(out, name)
			}
		}
	}
	return out
}

var experienceRoleRe = regexp.MustCompile(`^experience_role_(\d+)$`)

// experienceRoleIndexes returns every experience_role_N key present in
// sections, sorted numerically ascending.
func experienceRoleIndexes(sections map[string]state.Section) []string {
	type indexed struct {
		name string
		n    int
	}
	var roles []indexed
	for name := range sections {
		m := experienceRoleRe.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		roles = append(roles, indexed{name: name, n: n})
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].n < roles[j].n })

	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = r.name
	}
	return out
}

// ParseSkillsCategories splits a written skills section back into its
// category lines ("Languages: Go, SQL, Python") for the structured final
// resume. Lines without a category prefix land under "general".
func ParseSkillsCategories(content string) map[string][]string {
	out := make(map[string][]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-•* "))
		if line == "" {
			continue
		}
		category := "general"
		items := line
		if idx := strings.Index(line, ":"); idx > 0 {
			category = strings.TrimSpace(line[:idx])
			items = line[idx+1:]
		}
		for _, item := range strings.Split(items, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out[category] = append(out[category], item)
			}
		}
	}
	return out
}

var fourDigitYearRe = regexp.MustCompile(`\b(19|20)\d{2}\b`)

// SanitizeEducationYears strips any 4-digit year from content that either
// matches one of ageProtectionFlags (by literal year string), or — when
// auditClean is false — is at least 20 years before now.
func SanitizeEducationYears(content string, ageProtectionFlags map[string]bool, auditClean bool, now time.Time) string {
	currentYear := now.Year()
	return fourDigitYearRe.ReplaceAllStringFunc(content, func(match string) string {
		if ageProtectionFlags[match] {
			return ""
		}
		year, err := strconv.Atoi(match)
		if err != nil {
			return match
		}
		if !auditClean && currentYear-year >= 20 {
			return ""
		}
		return match
	})
}

// ATSResult is the outcome of an ATS-compliance pass over the final
// section set.
type ATSResult struct {
	Passed   bool
	Findings []string
}

// ATSComplianceChecker is the pluggable boundary to the ATS-compliance
// rule set, explicitly out of scope for this module — the coordinator
// depends only on this narrow interface.
type ATSComplianceChecker interface {
	Check(sections map[string]state.Section) ATSResult
}

// StubATSChecker is a permissive default: any non-empty section set passes
// with no findings; an empty set fails with a single "no sections to
// export" finding. Production deployments should supply a real
// ATSComplianceChecker; this keeps Finalize functional without one.
type StubATSChecker struct{}

// Check reports a pass for any non-empty section set.
func (StubATSChecker) Check(sections map[string]state.Section) ATSResult {
	if len(sections) == 0 {
		return ATSResult{Passed: false, Findings: []string{"no sections to export"}}
	}
	return ATSResult{Passed: true}
}
