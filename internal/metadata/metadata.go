// Package metadata models the case and examiner records that every other
// layer binds to. A CaseMetadata value produces a single canonical string;
// that string is the AEAD associated data for evidence blobs and the input
// to the watermark fingerprint. Anything that would change the canonical
// string changes the fingerprint, so the records are treated as immutable
// once a container has been created from them.
package metadata

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Errors returned by Validate.
var (
	ErrMissingCaseID    = errors.New("metadata: case ID is required")
	ErrMissingSubjectID = errors.New("metadata: subject ID is required")
	ErrMissingExaminer  = errors.New("metadata: examiner name and badge ID are required")
)

// ExaminerCredentials identifies the examiner conducting the assessment.
// The public key, when present, is the PEM encoding of the examiner's
// RSA signing key and travels with exported containers.
type ExaminerCredentials struct {
	Name          string `json:"name"`
	BadgeID       string `json:"badge_id"`
	Organization  string `json:"organization"`
	Certification string `json:"certification"`
	PublicKeyPEM  string `json:"public_key_pem,omitempty"`
}

// CaseMetadata is the complete description of one acquisition session.
type CaseMetadata struct {
	CaseID           string              `json:"case_id"`
	SubjectID        string              `json:"subject_id"`
	Examiner         ExaminerCredentials `json:"examiner"`
	AssessmentType   string              `json:"assessment_type"`
	StimulusProtocol string              `json:"stimulus_protocol"`

	// Free-form capture conditions (temperature, lighting, ...). Recorded
	// for the report; deliberately excluded from the canonical string.
	EnvironmentConditions map[string]string `json:"environment_conditions,omitempty"`

	AcquisitionTime time.Time `json:"acquisition_time"`
	DeviceSerial    string    `json:"device_serial"`
	CalibrationDate string    `json:"calibration_date,omitempty"`
}

// Validate checks that the fields the canonical string depends on are set.
func (m *CaseMetadata) Validate() error {
	if strings.TrimSpace(m.CaseID) == "" {
		return ErrMissingCaseID
	}
	if strings.TrimSpace(m.SubjectID) == "" {
		return ErrMissingSubjectID
	}
	if strings.TrimSpace(m.Examiner.Name) == "" || strings.TrimSpace(m.Examiner.BadgeID) == "" {
		return ErrMissingExaminer
	}
	if m.AcquisitionTime.IsZero() {
		return errors.New("metadata: acquisition time is required")
	}
	if strings.ContainsAny(m.CaseID+m.SubjectID+m.Examiner.Name+m.Examiner.BadgeID, "|") {
		return errors.New("metadata: identity fields must not contain '|'")
	}
	return nil
}

// CanonicalString returns the deterministic representation of the case.
// The field order is part of the on-disk format: containers exported with
// one ordering cannot be decrypted with another.
func (m *CaseMetadata) CanonicalString() string {
	return fmt.Sprintf("CASE:%s|SUBJ:%s|EXAM:%s:%s|TYPE:%s|STIM:%s|TIME:%s|DEV:%s",
		m.CaseID,
		m.SubjectID,
		m.Examiner.Name,
		m.Examiner.BadgeID,
		m.AssessmentType,
		m.StimulusProtocol,
		m.AcquisitionTime.UTC().Format(time.RFC3339Nano),
		m.DeviceSerial,
	)
}

// Fingerprint hashes the canonical string with SHA-512 and returns the
// lowercase hex digest. The 128 hex characters are what the watermark
// layers embed, so the length is load-bearing.
func (m *CaseMetadata) Fingerprint() string {
	sum := sha512.Sum512([]byte(m.CanonicalString()))
	return hex.EncodeToString(sum[:])
}
