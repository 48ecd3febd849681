package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/resume-agent/pipeline/pkg/state"
)

func sectionsNamed(names ...string) map[string]state.Section {
	out := make(map[string]state.Section, len(names))
	for _, n := range names {
		out[n] = state.Section{Content: n + " content"}
	}
	return out
}

func TestExpandSectionOrder_ExpandsExperienceNumerically(t *testing.T) {
	sections := sectionsNamed(
		"summary", "experience_role_2", "experience_role_0", "experience_role_10",
		"earlier_career", "skills",
	)
	got := ExpandSectionOrder([]string{"summary", "experience", "skills"}, sections)
	assert.Equal(t, []string{
		"summary",
		"experience_role_0", "experience_role_2", "experience_role_10",
		"earlier_career",
		"skills",
	}, got)
}

func TestExpandSectionOrder_ExpandsEducationAndCertifications(t *testing.T) {
	sections := sectionsNamed("education", "certifications")
	got := ExpandSectionOrder([]string{"education_and_certifications"}, sections)
	assert.Equal(t, []string{"education", "certifications"}, got)

	// Missing certifications is simply skipped.
	got = ExpandSectionOrder([]string{"education_and_certifications"}, sectionsNamed("education"))
	assert.Equal(t, []string{"education"}, got)
}

func TestExpandSectionOrder_DropsUnwrittenSections(t *testing.T) {
	got := ExpandSectionOrder([]string{"summary", "skills"}, sectionsNamed("summary"))
	assert.Equal(t, []string{"summary"}, got)
}

func TestSanitizeEducationYears_StripsFlaggedYear(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	got := SanitizeEducationYears("BS Computer Science, 1998", map[string]bool{"1998": true}, true, now)
	assert.NotContains(t, got, "1998")
}

func TestSanitizeEducationYears_StripsOldYearWhenAuditNotClean(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	got := SanitizeEducationYears("MBA 2001, BS 2015", nil, false, now)
	assert.NotContains(t, got, "2001")
	assert.Contains(t, got, "2015")
}

func TestSanitizeEducationYears_KeepsOldYearWhenAuditClean(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	got := SanitizeEducationYears("MBA 2001", nil, true, now)
	assert.Contains(t, got, "2001")
}

func TestParseSkillsCategories(t *testing.T) {
	content := "Languages: Go, SQL, Python\n- Cloud: AWS, GCP\nLeadership"
	got := ParseSkillsCategories(content)
	assert.Equal(t, []string{"Go", "SQL", "Python"}, got["Languages"])
	assert.Equal(t, []string{"AWS", "GCP"}, got["Cloud"])
	assert.Equal(t, []string{"Leadership"}, got["general"])
}
