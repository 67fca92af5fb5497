package metadata

import (
	"strings"
	"testing"
	"time"
)

func testCase(t *testing.T) CaseMetadata {
	t.Helper()
	return CaseMetadata{
		CaseID:           "PF-2026-0847",
		SubjectID:        "SUBJ-4421",
		Examiner:         testExaminer(),
		AssessmentType:   "psychophysiological_detection",
		StimulusProtocol: "MGQT-v3",
		EnvironmentConditions: map[string]string{
			"temperature": "21.5C",
			"humidity":    "45%",
		},
		AcquisitionTime: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		DeviceSerial:    "SENSOR-7731-A",
		CalibrationDate: "2026-01-15",
	}
}

func testExaminer() ExaminerCredentials {
	return ExaminerCredentials{
		Name:          "J. Moreno",
		BadgeID:       "EX-1187",
		Organization:  "Regional Forensics Lab",
		Certification: "APA-2024",
	}
}

func TestCanonicalStringFormat(t *testing.T) {
	m := testCase(t)

	want := "CASE:PF-2026-0847|SUBJ:SUBJ-4421|EXAM:J. Moreno:EX-1187|" +
		"TYPE:psychophysiological_detection|STIM:MGQT-v3|" +
		"TIME:2026-03-14T09:30:00Z|DEV:SENSOR-7731-A"
	if got := m.CanonicalString(); got != want {
		t.Errorf("canonical string mismatch:\n got  %s\n want %s", got, want)
	}
}

func TestCanonicalStringDeterministic(t *testing.T) {
	m := testCase(t)
	if m.CanonicalString() != m.CanonicalString() {
		t.Error("canonical string should be deterministic")
	}
}

func TestCanonicalStringExcludesEnvironment(t *testing.T) {
	a := testCase(t)
	b := testCase(t)
	b.EnvironmentConditions["lighting"] = "500 lux"

	if a.CanonicalString() != b.CanonicalString() {
		t.Error("environment conditions must not affect the canonical string")
	}
}

func TestCanonicalStringNormalizesTimezone(t *testing.T) {
	a := testCase(t)
	b := testCase(t)
	b.AcquisitionTime = a.AcquisitionTime.In(time.FixedZone("CET", 3600))

	if a.CanonicalString() != b.CanonicalString() {
		t.Error("equal instants in different zones should canonicalize identically")
	}
}

func TestFingerprintLength(t *testing.T) {
	m := testCase(t)
	fp := m.Fingerprint()

	if len(fp) != 128 {
		t.Fatalf("fingerprint length = %d, want 128 hex chars", len(fp))
	}
	if strings.ToLower(fp) != fp {
		t.Error("fingerprint should be lowercase hex")
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	a := testCase(t)
	b := testCase(t)
	b.SubjectID = "SUBJ-4422"

	if a.Fingerprint() == b.Fingerprint() {
		t.Error("different subjects should produce different fingerprints")
	}
}

func TestValidate(t *testing.T) {
	m := testCase(t)
	if err := m.Validate(); err != nil {
		t.Fatalf("valid metadata rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*CaseMetadata)
		want   error
	}{
		{"missing case ID", func(m *CaseMetadata) { m.CaseID = "  " }, ErrMissingCaseID},
		{"missing subject ID", func(m *CaseMetadata) { m.SubjectID = "" }, ErrMissingSubjectID},
		{"missing examiner name", func(m *CaseMetadata) { m.Examiner.Name = "" }, ErrMissingExaminer},
		{"missing badge", func(m *CaseMetadata) { m.Examiner.BadgeID = "" }, ErrMissingExaminer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := testCase(t)
			tc.mutate(&m)
			if err := m.Validate(); err != tc.want {
				t.Errorf("Validate() = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestValidateRejectsDelimiter(t *testing.T) {
	m := testCase(t)
	m.CaseID = "PF|2026"
	if err := m.Validate(); err == nil {
		t.Error("case ID containing the canonical delimiter should be rejected")
	}
}

func TestValidateRejectsZeroTime(t *testing.T) {
	m := testCase(t)
	m.AcquisitionTime = time.Time{}
	if err := m.Validate(); err == nil {
		t.Error("zero acquisition time should be rejected")
	}
}
