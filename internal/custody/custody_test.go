package custody

import (
	"strings"
	"testing"
	"time"
)

func buildLedger(t *testing.T, n int) *Ledger {
	t.Helper()
	l := NewLedger("PF-2026-0847", "EX-1187", nil)
	kinds := []EventKind{
		KindContainerCreated, KindEvidenceAcquired, KindEvidenceEncrypted,
		KindWatermarkEmbedded, KindIntegrityVerified, KindExportPerformed,
	}
	for i := 0; i < n; i++ {
		_, err := l.Append(kinds[i%len(kinds)], "step", map[string]any{"step": i})
		if err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}
	return l
}

// =============================================================================
// Append
// =============================================================================

func TestAppendLinksChain(t *testing.T) {
	l := buildLedger(t, 4)
	events := l.Events()

	if events[0].PreviousHash != GenesisHash {
		t.Error("first event should link to genesis")
	}
	if len(GenesisHash) != 128 || strings.Trim(GenesisHash, "0") != "" {
		t.Error("genesis should be 128 zero characters")
	}
	for i := 1; i < len(events); i++ {
		if events[i].PreviousHash != events[i-1].Hash {
			t.Errorf("event %d previous hash does not match event %d hash", i, i-1)
		}
	}
	for i, e := range events {
		if e.ID != i {
			t.Errorf("event at position %d has ID %d", i, e.ID)
		}
		if len(e.Hash) != 128 {
			t.Errorf("event %d hash length %d, want 128", i, len(e.Hash))
		}
	}
}

func TestAppendRecordsUnsignedMode(t *testing.T) {
	l := buildLedger(t, 1)
	e := l.Events()[0]

	signed, ok := e.Data["signed"]
	if !ok {
		t.Fatal("event data should record signing mode")
	}
	if signed != false {
		t.Error("keyless ledger should record signed=false")
	}
	if e.Signature != nil {
		t.Error("keyless ledger should not produce signatures")
	}
}

func TestAppendRejectsUnknownKind(t *testing.T) {
	l := NewLedger("case", "ex", nil)
	if _, err := l.Append(EventKind("made_up"), "x", nil); err == nil {
		t.Error("unknown event kind should be rejected")
	}
}

func TestAppendDoesNotAliasCallerData(t *testing.T) {
	l := NewLedger("case", "ex", nil)
	data := map[string]any{"k": "v"}
	e, err := l.Append(KindEvidenceAcquired, "x", data)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	data["k"] = "mutated"
	if e.Data["k"] != "v" {
		t.Error("event data should be a copy of the caller's map")
	}
	if got := e.ComputeHash(); got != e.Hash {
		t.Error("mutating the caller's map must not invalidate the event hash")
	}
}

// =============================================================================
// Hashing
// =============================================================================

func TestComputeHashDeterministic(t *testing.T) {
	e := &Event{
		ID:           3,
		Kind:         KindWatermarkEmbedded,
		Timestamp:    time.Date(2026, 3, 14, 10, 0, 0, 123456789, time.UTC),
		ExaminerID:   "EX-1187",
		Description:  "dual watermark applied",
		PreviousHash: GenesisHash,
		Data:         map[string]any{"dwt_accuracy": 1.0, "signed": false},
	}

	h1 := e.ComputeHash()
	h2 := e.ComputeHash()
	if h1 != h2 {
		t.Error("hash should be deterministic")
	}
	if len(h1) != 128 {
		t.Errorf("hash length %d, want 128", len(h1))
	}
}

func TestComputeHashCoversEveryField(t *testing.T) {
	base := func() *Event {
		return &Event{
			ID:           1,
			Kind:         KindEvidenceAcquired,
			Timestamp:    time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
			ExaminerID:   "EX-1187",
			Description:  "acquired",
			PreviousHash: GenesisHash,
			Data:         map[string]any{"samples": 2560.0},
		}
	}
	ref := base().ComputeHash()

	mutations := map[string]func(*Event){
		"id":          func(e *Event) { e.ID = 2 },
		"kind":        func(e *Event) { e.Kind = KindImportPerformed },
		"timestamp":   func(e *Event) { e.Timestamp = e.Timestamp.Add(time.Nanosecond) },
		"examiner":    func(e *Event) { e.ExaminerID = "EX-9999" },
		"description": func(e *Event) { e.Description = "altered" },
		"previous":    func(e *Event) { e.PreviousHash = strings.Repeat("1", 128) },
		"data":        func(e *Event) { e.Data["samples"] = 2561.0 },
	}
	for name, mutate := range mutations {
		e := base()
		mutate(e)
		if e.ComputeHash() == ref {
			t.Errorf("mutating %s did not change the hash", name)
		}
	}
}

func TestHashStableAcrossWireRoundTrip(t *testing.T) {
	l := buildLedger(t, 3)
	data, err := Encode(l.Events())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	for i, e := range decoded {
		if got := e.ComputeHash(); got != e.Hash {
			t.Errorf("event %d hash changed across serialization", i)
		}
	}
	if ok, breaks := Verify(decoded); !ok {
		t.Errorf("decoded chain should verify, got breaks %v", breaks)
	}
}

// =============================================================================
// Verify
// =============================================================================

func TestVerifyValidChain(t *testing.T) {
	for _, n := range []int{1, 2, 10} {
		l := buildLedger(t, n)
		if ok, breaks := Verify(l.Events()); !ok {
			t.Errorf("valid %d-event chain reported breaks: %v", n, breaks)
		}
		if err := l.Verify(); err != nil {
			t.Errorf("Ledger.Verify on valid chain: %v", err)
		}
	}
}

func TestVerifyDetectsFieldMutation(t *testing.T) {
	l := buildLedger(t, 5)
	events := l.Events()
	events[2].Description = "rewritten history"

	ok, breaks := Verify(events)
	if ok {
		t.Fatal("mutated chain should not verify")
	}
	// The break must surface at the mutated index or later, never earlier.
	for _, b := range breaks {
		if b.Index < 2 {
			t.Errorf("break reported at index %d, before the mutation at 2", b.Index)
		}
	}
	found := false
	for _, b := range breaks {
		if b.Index == 2 && b.Reason == ReasonHashMismatch {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a hash mismatch at index 2, got %v", breaks)
	}
}

func TestVerifyDetectsRelinkedChain(t *testing.T) {
	l := buildLedger(t, 4)
	events := l.Events()

	// Re-hash event 1 after mutating it, simulating an attacker who fixes
	// the event's own hash but cannot fix the downstream links.
	events[1].Description = "tampered"
	events[1].Hash = events[1].ComputeHash()

	ok, breaks := Verify(events)
	if ok {
		t.Fatal("relinked chain should not verify")
	}
	found := false
	for _, b := range breaks {
		if b.Index == 2 && b.Reason == ReasonLinkBroken {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a broken link at index 2, got %v", breaks)
	}
}

func TestVerifyDetectsBadGenesis(t *testing.T) {
	l := buildLedger(t, 2)
	events := l.Events()
	events[0].PreviousHash = strings.Repeat("f", 128)

	ok, breaks := Verify(events)
	if ok {
		t.Fatal("chain with bad genesis should not verify")
	}
	hasGenesis := false
	for _, b := range breaks {
		if b.Reason == ReasonBadGenesis {
			hasGenesis = true
		}
	}
	if !hasGenesis {
		t.Errorf("expected a bad genesis break, got %v", breaks)
	}
}

func TestVerifyReportsOrderSeparately(t *testing.T) {
	l := buildLedger(t, 3)
	events := l.Events()

	// Push event 1's timestamp after event 2's, keeping the hashes honest.
	events[1].Timestamp = events[2].Timestamp.Add(time.Hour)
	events[1].Hash = events[1].ComputeHash()
	events[2].PreviousHash = events[1].Hash
	events[2].Hash = events[2].ComputeHash()

	ok, breaks := Verify(events)
	if ok {
		t.Fatal("out-of-order chain should not verify")
	}
	for _, b := range breaks {
		if b.Reason == ReasonHashMismatch || b.Reason == ReasonLinkBroken {
			t.Errorf("order violation misreported as %s at index %d", b.Reason, b.Index)
		}
	}
	found := false
	for _, b := range breaks {
		if b.Index == 2 && b.Reason == ReasonOrder {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a timestamp order break at index 2, got %v", breaks)
	}
}

func TestChainIntegrityErrorMessage(t *testing.T) {
	l := buildLedger(t, 3)
	events := l.Events()
	events[1].ExaminerID = "intruder"

	bad := FromEvents("case", "ex", nil, events)
	err := bad.Verify()
	if err == nil {
		t.Fatal("expected a ChainIntegrityError")
	}
	if !strings.Contains(err.Error(), "index 1") {
		t.Errorf("error should name the first broken index: %v", err)
	}
}
