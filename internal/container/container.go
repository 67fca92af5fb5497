// Package container aggregates one case's evidence: the immutable raw
// signal, the derived watermarked signal, the case metadata, and the
// chain-of-custody ledger. It serializes the lot into a single portable
// encrypted archive and reconstructs itself from one.
//
// A container moves through a strict lifecycle. The raw signal is
// write-once; the watermarked signal may be replaced until export; every
// transition appends exactly one ledger event, and only after the
// operation it documents has succeeded.
package container

import (
	"crypto/rsa"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"pfeics/internal/custody"
	"pfeics/internal/metadata"
	"pfeics/internal/security"
	"pfeics/internal/watermark"
)

// State is the container lifecycle position.
type State int

const (
	StateEmpty State = iota
	StateRawSet
	StateWatermarked
	StateExported
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "EMPTY"
	case StateRawSet:
		return "RAW_SET"
	case StateWatermarked:
		return "WATERMARKED"
	case StateExported:
		return "EXPORTED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Lifecycle errors.
var (
	ErrRawAlreadySet = errors.New("container: raw evidence is write-once")
	ErrNoRawEvidence = errors.New("container: no raw evidence set")
	ErrNotExportable = errors.New("container: nothing watermarked to export")
	ErrExported      = errors.New("container: instance already exported")
)

// FormatError reports a structurally unusable archive: a mandatory entry
// is missing or unparseable. Unlike an integrity failure, nothing can be
// salvaged from it.
type FormatError struct {
	Entry  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("container: invalid archive: %s: %s", e.Entry, e.Reason)
}

// Container owns the evidence for one case. Not safe for concurrent
// mutation; callers hold exclusive access.
type Container struct {
	meta        metadata.CaseMetadata
	raw         []int32
	watermarked []int32
	ledger      *custody.Ledger
	signingKey  *rsa.PrivateKey
	params      watermark.Params
	state       State
}

// New creates an empty container for the given case. The signing key may
// be nil; the ledger then operates unsigned and records that fact on
// every event.
func New(meta metadata.CaseMetadata, signingKey *rsa.PrivateKey, params watermark.Params) (*Container, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	c := &Container{
		meta:       meta,
		ledger:     custody.NewLedger(meta.CaseID, meta.Examiner.BadgeID, signingKey),
		signingKey: signingKey,
		params:     params,
		state:      StateEmpty,
	}

	if _, err := c.ledger.Append(custody.KindContainerCreated, "evidence container initialized", map[string]any{
		"case_id":    meta.CaseID,
		"subject_id": meta.SubjectID,
	}); err != nil {
		return nil, err
	}
	if signingKey != nil {
		if _, err := c.ledger.Append(custody.KindExaminerAuth, "examiner signing key loaded", map[string]any{
			"examiner": meta.Examiner.Name,
			"badge_id": meta.Examiner.BadgeID,
		}); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetRawEvidence stores a defensive copy of the acquired signal. The raw
// buffer is immutable from this point; a second call fails.
func (c *Container) SetRawEvidence(signal []int32) error {
	if c.raw != nil {
		return ErrRawAlreadySet
	}
	if c.state == StateExported {
		return ErrExported
	}
	if len(signal) == 0 {
		return errors.New("container: empty signal")
	}

	c.raw = append([]int32(nil), signal...)
	c.state = StateRawSet

	_, err := c.ledger.Append(custody.KindEvidenceAcquired, "raw evidence stored", map[string]any{
		"samples":     len(signal),
		"sample_hash": hashSignal(c.raw),
	})
	return err
}

// ApplyWatermark derives the case fingerprint and embeds it into a copy
// of the raw signal in both domains. May be repeated until export; each
// run replaces the watermarked buffer.
func (c *Container) ApplyWatermark() error {
	if c.raw == nil {
		return ErrNoRawEvidence
	}
	if c.state == StateExported {
		return ErrExported
	}

	fp := c.meta.Fingerprint()
	wm, err := watermark.EmbedDual(c.raw, fp, c.params)
	if err != nil {
		return err
	}
	c.watermarked = wm
	c.state = StateWatermarked

	_, lerr := c.ledger.Append(custody.KindWatermarkEmbedded, "dual-domain watermark embedded", map[string]any{
		"fingerprint_prefix": fp[:16],
		"strength":           c.params.Strength,
		"threshold":          c.params.Threshold,
	})
	return lerr
}

// SetWatermarkedEvidence stores an externally produced watermarked
// buffer, replaceable until export.
func (c *Container) SetWatermarkedEvidence(signal []int32) error {
	if c.raw == nil {
		return ErrNoRawEvidence
	}
	if c.state == StateExported {
		return ErrExported
	}
	if len(signal) == 0 {
		return errors.New("container: empty signal")
	}

	c.watermarked = append([]int32(nil), signal...)
	c.state = StateWatermarked

	_, err := c.ledger.Append(custody.KindWatermarkEmbedded, "watermarked evidence stored", map[string]any{
		"samples": len(signal),
		"source":  "external",
	})
	return err
}

// VerifyWatermarks checks both watermark layers against the expected
// fingerprint. A negative verdict is returned, not raised: it is logged
// as an integrity failure and handed back so the caller can act on it.
func (c *Container) VerifyWatermarks() (watermark.Verdict, error) {
	if c.watermarked == nil {
		return watermark.Verdict{}, ErrNotExportable
	}

	v := watermark.Verify(c.watermarked, c.meta.Fingerprint(), c.params)

	kind := custody.KindIntegrityVerified
	desc := "watermark verification passed"
	if !v.Intact() {
		kind = custody.KindIntegrityFailed
		desc = "watermark verification failed"
	}
	_, err := c.ledger.Append(kind, desc, map[string]any{
		"lsb_match":      v.LSBMatch,
		"lsb_confidence": v.LSBConfidence,
		"dwt_match":      v.DWTMatch,
		"dwt_accuracy":   v.DWTAccuracy,
	})
	return v, err
}

// RecordTamper logs positively detected tampering, e.g. from the archive
// watcher noticing an exported container changed on disk.
func (c *Container) RecordTamper(description string, data map[string]any) error {
	_, err := c.ledger.Append(custody.KindTamperDetected, description, data)
	return err
}

// Metadata returns the case record.
func (c *Container) Metadata() metadata.CaseMetadata { return c.meta }

// State returns the lifecycle position.
func (c *Container) State() State { return c.state }

// RawEvidence returns a copy of the raw signal, or nil if unset.
func (c *Container) RawEvidence() []int32 {
	if c.raw == nil {
		return nil
	}
	return append([]int32(nil), c.raw...)
}

// WatermarkedEvidence returns a copy of the watermarked signal, or nil.
func (c *Container) WatermarkedEvidence() []int32 {
	if c.watermarked == nil {
		return nil
	}
	return append([]int32(nil), c.watermarked...)
}

// Events returns the custody ledger's event sequence.
func (c *Container) Events() []*custody.Event { return c.ledger.Events() }

// VerifyChain checks the ledger's hash chain.
func (c *Container) VerifyChain() error { return c.ledger.Verify() }

// EncodeSignal renders samples as little-endian int32 bytes, the byte
// layout the manifest hashes and the encrypted blobs carry.
func EncodeSignal(signal []int32) []byte {
	out := make([]byte, 4*len(signal))
	for i, v := range signal {
		binary.LittleEndian.PutUint32(out[4*i:], uint32(v))
	}
	return out
}

// DecodeSignal parses little-endian int32 bytes.
func DecodeSignal(data []byte) ([]int32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("container: signal byte length %d not a multiple of 4", len(data))
	}
	out := make([]int32, len(data)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out, nil
}

func hashSignal(signal []int32) string {
	sum := sha512.Sum512(EncodeSignal(signal))
	return hex.EncodeToString(sum[:])
}

// blob key labels, bound into HKDF so recovering one blob key reveals
// nothing about the others.
const (
	labelRaw         = "raw"
	labelWatermarked = "watermarked"
	labelChain       = "chain"
)

func deriveKeys(master []byte) (raw, wm, chain []byte, err error) {
	if raw, err = security.DeriveBlobKey(master, labelRaw); err != nil {
		return nil, nil, nil, err
	}
	if wm, err = security.DeriveBlobKey(master, labelWatermarked); err != nil {
		return nil, nil, nil, err
	}
	if chain, err = security.DeriveBlobKey(master, labelChain); err != nil {
		return nil, nil, nil, err
	}
	return raw, wm, chain, nil
}
