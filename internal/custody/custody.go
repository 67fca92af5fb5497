// Package custody implements the append-only chain-of-custody ledger.
//
// Every operation on a piece of evidence appends exactly one event. Each
// event carries the SHA-512 of the previous event, so altering any field
// of any recorded event breaks the chain from that point forward. Events
// are never mutated or removed; a wrong entry is superseded by a new
// entry documenting the correction.
package custody

import (
	"crypto/rsa"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pfeics/internal/security"
)

// EventKind is the closed set of operations a ledger can record. New
// kinds are added here, never invented at a call site.
type EventKind string

const (
	KindEvidenceAcquired  EventKind = "evidence_acquired"
	KindEvidenceEncrypted EventKind = "evidence_encrypted"
	KindWatermarkEmbedded EventKind = "watermark_embedded"
	KindIntegrityVerified EventKind = "integrity_verified"
	KindIntegrityFailed   EventKind = "integrity_failed"
	KindExportPerformed   EventKind = "export_performed"
	KindImportPerformed   EventKind = "import_performed"
	KindContainerCreated  EventKind = "container_created"
	KindExaminerAuth      EventKind = "examiner_authenticated"
	KindTamperDetected    EventKind = "tamper_detected"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case KindEvidenceAcquired, KindEvidenceEncrypted, KindWatermarkEmbedded,
		KindIntegrityVerified, KindIntegrityFailed, KindExportPerformed,
		KindImportPerformed, KindContainerCreated, KindExaminerAuth,
		KindTamperDetected:
		return true
	}
	return false
}

// GenesisHash is the previous-hash value of the first event: 128 zero
// characters, the width of a SHA-512 hex digest.
var GenesisHash = strings.Repeat("0", 128)

// Event is one immutable ledger entry.
type Event struct {
	ID           int            `json:"event_id"`
	Kind         EventKind      `json:"event_type"`
	Timestamp    time.Time      `json:"timestamp"`
	ExaminerID   string         `json:"examiner_id"`
	Description  string         `json:"description"`
	PreviousHash string         `json:"previous_hash"`
	Data         map[string]any `json:"event_data"`
	Hash         string         `json:"event_hash"`
	Signature    []byte         `json:"signature,omitempty"`
}

// ComputeHash returns the SHA-512 hex digest of the event's canonical
// form. The signature and stored hash are excluded so they can be set
// after hashing.
func (e *Event) ComputeHash() string {
	canonical := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s",
		e.ID,
		e.Kind,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.ExaminerID,
		e.Description,
		e.PreviousHash,
		canonicalData(e.Data),
	)
	sum := sha512.Sum512([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// canonicalData renders the event data map deterministically. Map keys
// sort lexicographically under encoding/json, which is the property the
// hash depends on.
func canonicalData(data map[string]any) string {
	if data == nil {
		data = map[string]any{}
	}
	out, err := json.Marshal(data)
	if err != nil {
		// Only unserializable values (channels, funcs) reach here; the
		// ledger API never accepts those.
		return "{}"
	}
	return string(out)
}

// BreakReason classifies a chain verification failure.
type BreakReason string

const (
	// ReasonHashMismatch means the recomputed event hash differs from the
	// stored one: some field of the event was altered after append.
	ReasonHashMismatch BreakReason = "hash_mismatch"

	// ReasonLinkBroken means previous_hash does not match the hash of the
	// preceding event.
	ReasonLinkBroken BreakReason = "link_broken"

	// ReasonBadGenesis means the first event's previous_hash is not the
	// genesis value.
	ReasonBadGenesis BreakReason = "bad_genesis"

	// ReasonSequence means event IDs are not the contiguous run 0..n-1.
	ReasonSequence BreakReason = "sequence_gap"

	// ReasonOrder means a timestamp precedes its predecessor's. Reported
	// separately from hash breaks: the chain may still be cryptographically
	// intact while the clock story is wrong.
	ReasonOrder BreakReason = "timestamp_order"
)

// Break pinpoints one verification failure.
type Break struct {
	Index  int         `json:"index"`
	Reason BreakReason `json:"reason"`
	Detail string      `json:"detail,omitempty"`
}

// ChainIntegrityError is the error form of a failed verification, for
// callers that want errors rather than verdicts.
type ChainIntegrityError struct {
	Breaks []Break
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("custody: chain integrity violated at %d point(s), first at index %d (%s)",
		len(e.Breaks), e.Breaks[0].Index, e.Breaks[0].Reason)
}

// Verify recomputes every event hash and checks the chain links and
// timestamp ordering. It returns true with no breaks for a valid chain;
// otherwise every detected break, in index order.
func Verify(events []*Event) (bool, []Break) {
	var breaks []Break
	for i, e := range events {
		if got := e.ComputeHash(); got != e.Hash {
			breaks = append(breaks, Break{Index: i, Reason: ReasonHashMismatch})
		}
		if e.ID != i {
			breaks = append(breaks, Break{
				Index:  i,
				Reason: ReasonSequence,
				Detail: fmt.Sprintf("event_id %d at position %d", e.ID, i),
			})
		}
		if i == 0 {
			if e.PreviousHash != GenesisHash {
				breaks = append(breaks, Break{Index: 0, Reason: ReasonBadGenesis})
			}
			continue
		}
		if e.PreviousHash != events[i-1].Hash {
			breaks = append(breaks, Break{Index: i, Reason: ReasonLinkBroken})
		}
		if e.Timestamp.Before(events[i-1].Timestamp) {
			breaks = append(breaks, Break{
				Index:  i,
				Reason: ReasonOrder,
				Detail: fmt.Sprintf("timestamp precedes event %d", i-1),
			})
		}
	}
	return len(breaks) == 0, breaks
}

// Ledger owns an append-only event sequence for one case. It is not safe
// for concurrent use; the container that owns it serializes access.
type Ledger struct {
	caseID     string
	examinerID string
	signingKey *rsa.PrivateKey
	events     []*Event
}

// NewLedger creates an empty ledger. The signing key may be nil: appends
// then proceed unsigned and say so in their event data.
func NewLedger(caseID, examinerID string, signingKey *rsa.PrivateKey) *Ledger {
	return &Ledger{caseID: caseID, examinerID: examinerID, signingKey: signingKey}
}

// FromEvents rebuilds a ledger around an existing event sequence, e.g.
// after container import. The events are not re-verified here; callers
// that care run Verify first.
func FromEvents(caseID, examinerID string, signingKey *rsa.PrivateKey, events []*Event) *Ledger {
	l := NewLedger(caseID, examinerID, signingKey)
	l.events = append(l.events, events...)
	return l
}

// Append records a new event at the chain tip and returns it.
func (l *Ledger) Append(kind EventKind, description string, data map[string]any) (*Event, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("custody: unknown event kind %q", kind)
	}

	// Copy the data so the caller's map stays theirs.
	eventData := make(map[string]any, len(data)+1)
	for k, v := range data {
		eventData[k] = v
	}
	eventData["signed"] = l.signingKey != nil

	prev := GenesisHash
	if n := len(l.events); n > 0 {
		prev = l.events[n-1].Hash
	}

	e := &Event{
		ID:           len(l.events),
		Kind:         kind,
		Timestamp:    time.Now().UTC(),
		ExaminerID:   l.examinerID,
		Description:  description,
		PreviousHash: prev,
		Data:         eventData,
	}
	e.Hash = e.ComputeHash()

	if l.signingKey != nil {
		sig, err := security.Sign([]byte(e.Hash), l.signingKey)
		if err != nil {
			return nil, fmt.Errorf("custody: signing event %d: %w", e.ID, err)
		}
		e.Signature = sig
	}

	l.events = append(l.events, e)
	return e, nil
}

// Events returns the event sequence. The slice is a copy; the events it
// points at are the ledger's own and must not be mutated.
func (l *Ledger) Events() []*Event {
	return append([]*Event(nil), l.events...)
}

// Len returns the number of recorded events.
func (l *Ledger) Len() int { return len(l.events) }

// CaseID returns the case this ledger belongs to.
func (l *Ledger) CaseID() string { return l.caseID }

// Verify checks the ledger's own chain, returning a ChainIntegrityError
// when anything is broken.
func (l *Ledger) Verify() error {
	if ok, breaks := Verify(l.events); !ok {
		return &ChainIntegrityError{Breaks: breaks}
	}
	return nil
}

// VerifySignatures checks every signed event's signature against the
// examiner public key. Unsigned events are skipped; the signed flag in
// their data already records that they were appended without a key.
func VerifySignatures(events []*Event, pub *rsa.PublicKey) error {
	for _, e := range events {
		if e.Signature == nil {
			continue
		}
		ctx := fmt.Sprintf("event %d", e.ID)
		if err := security.VerifySignature([]byte(e.Hash), e.Signature, pub, ctx); err != nil {
			return err
		}
	}
	return nil
}

// Encode serializes events to the wire form: a JSON array with string
// event-kind tags.
func Encode(events []*Event) ([]byte, error) {
	return json.Marshal(events)
}

// Decode parses the wire form back into events.
func Decode(data []byte) ([]*Event, error) {
	var events []*Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("custody: decoding chain: %w", err)
	}
	return events, nil
}
