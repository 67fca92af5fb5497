package watermark

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"
)

// testFingerprint is a 128-character hex digest, the shape the metadata
// layer produces.
func testFingerprint() string {
	sum := sha512.Sum512([]byte("CASE:PF-2026-0847|SUBJ:SUBJ-4421"))
	return hex.EncodeToString(sum[:])
}

// testSignal builds a 10s/256Hz style sensor trace: band-limited sines
// plus noise, offset into the positive integer range.
func testSignal(n int, seed int64) []int32 {
	rng := rand.New(rand.NewSource(seed))
	sig := make([]int32, n)
	for i := range sig {
		t := float64(i) / 256.0
		v := 80*math.Sin(2*math.Pi*2*t) +
			50*math.Sin(2*math.Pi*10*t) +
			20*math.Sin(2*math.Pi*20*t) +
			rng.NormFloat64()*5
		sig[i] = int32(math.Round(v)) + 500
	}
	return sig
}

// =============================================================================
// Spatial (LSB) layer
// =============================================================================

func TestLSBRoundTrip(t *testing.T) {
	fp := testFingerprint()
	signal := testSignal(2560, 1)

	wm, err := EmbedLSB(signal, fp)
	if err != nil {
		t.Fatalf("EmbedLSB failed: %v", err)
	}
	if len(wm) != len(signal) {
		t.Fatalf("watermarked length %d, want %d", len(wm), len(signal))
	}

	text, conf := ExtractLSB(wm, 1000)
	if text != fp {
		t.Errorf("extracted %q, want the embedded fingerprint", text)
	}
	if conf != 1.0 {
		t.Errorf("confidence = %v, want 1.0", conf)
	}
}

func TestLSBDoesNotMutateInput(t *testing.T) {
	signal := testSignal(2560, 2)
	before := append([]int32(nil), signal...)

	if _, err := EmbedLSB(signal, testFingerprint()); err != nil {
		t.Fatalf("EmbedLSB failed: %v", err)
	}
	for i := range signal {
		if signal[i] != before[i] {
			t.Fatal("EmbedLSB must operate on a copy")
		}
	}
}

func TestLSBCapacity(t *testing.T) {
	fp := testFingerprint() // 128 chars -> 1024 bits + 32 terminator = 1056

	if _, err := EmbedLSB(testSignal(1056, 3), fp); err != nil {
		t.Errorf("exactly-sized signal should succeed: %v", err)
	}

	_, err := EmbedLSB(testSignal(1055, 3), fp)
	var cerr *CapacityError
	if !errors.As(err, &cerr) {
		t.Fatalf("short signal should yield CapacityError, got %v", err)
	}
	if cerr.Need != 1056 || cerr.Have != 1055 {
		t.Errorf("CapacityError reported need=%d have=%d", cerr.Need, cerr.Have)
	}
}

func TestLSBExtractRespectsMaxBytes(t *testing.T) {
	signal := testSignal(2560, 4)
	wm, _ := EmbedLSB(signal, testFingerprint())

	text, _ := ExtractLSB(wm, 10)
	if len(text) > 10 {
		t.Errorf("extraction read %d bytes despite a 10-byte cap", len(text))
	}
}

func TestLSBUnprintableBytesLowerConfidence(t *testing.T) {
	signal := testSignal(2560, 5)
	wm, _ := EmbedLSB(signal, testFingerprint())

	// Flip the MSB of the first decoded byte: the byte becomes >= 0x80,
	// which is neither terminator nor printable.
	wm[0] ^= 1

	text, conf := ExtractLSB(wm, 1000)
	if conf >= 1.0 {
		t.Errorf("confidence = %v, want < 1.0 after corruption", conf)
	}
	if !strings.Contains(text, "?") {
		t.Error("corrupted byte should decode as '?'")
	}
}

// =============================================================================
// Frequency (DWT) layer
// =============================================================================

func TestDWTRoundTrip(t *testing.T) {
	fp := testFingerprint()
	signal := testSignal(2560, 6)

	wm, err := EmbedDWT(signal, fp, DefaultParams())
	if err != nil {
		t.Fatalf("EmbedDWT failed: %v", err)
	}
	if len(wm) != len(signal) {
		t.Fatalf("watermarked length %d, want %d", len(wm), len(signal))
	}

	match, accuracy := ExtractDWT(wm, fp, DefaultParams())
	if !match {
		t.Error("unmodified signal should match")
	}
	if accuracy != 1.0 {
		t.Errorf("accuracy = %v, want 1.0", accuracy)
	}
}

func TestDWTCapacity(t *testing.T) {
	// 2000 samples give only 1000 level-1 coefficients; the fingerprint
	// needs 1024.
	_, err := EmbedDWT(testSignal(2000, 7), testFingerprint(), DefaultParams())
	var cerr *CapacityError
	if !errors.As(err, &cerr) {
		t.Fatalf("undersized signal should yield CapacityError, got %v", err)
	}
	if cerr.Need != 1024 || cerr.Have != 1000 {
		t.Errorf("CapacityError reported need=%d have=%d", cerr.Need, cerr.Have)
	}
}

func TestDWTWrongFingerprintDoesNotMatch(t *testing.T) {
	fp := testFingerprint()
	other := hex.EncodeToString(func() []byte { s := sha512.Sum512([]byte("different case")); return s[:] }())

	wm, err := EmbedDWT(testSignal(2560, 8), fp, DefaultParams())
	if err != nil {
		t.Fatalf("EmbedDWT failed: %v", err)
	}
	match, accuracy := ExtractDWT(wm, other, DefaultParams())
	if match {
		t.Errorf("wrong fingerprint matched with accuracy %v", accuracy)
	}
}

// =============================================================================
// Dual embedding and verdicts
// =============================================================================

func TestDualEmbedBothLayersVerify(t *testing.T) {
	fp := testFingerprint()
	signal := testSignal(2560, 9)

	wm, err := EmbedDual(signal, fp, DefaultParams())
	if err != nil {
		t.Fatalf("EmbedDual failed: %v", err)
	}

	v := Verify(wm, fp, DefaultParams())
	if !v.Intact() {
		t.Fatalf("pristine dual watermark should verify: %+v", v)
	}
	if v.LSBConfidence != 1.0 {
		t.Errorf("LSB confidence = %v, want 1.0", v.LSBConfidence)
	}
	if v.DWTAccuracy != 1.0 {
		t.Errorf("DWT accuracy = %v, want 1.0", v.DWTAccuracy)
	}
	if v.LSBText != fp {
		t.Error("LSB text should be the exact fingerprint")
	}
}

func TestNoiseBreaksSpatialButNotFrequency(t *testing.T) {
	fp := testFingerprint()
	wm, err := EmbedDual(testSignal(2560, 10), fp, DefaultParams())
	if err != nil {
		t.Fatalf("EmbedDual failed: %v", err)
	}

	// Unit-amplitude noise on a third of the samples: enough to scramble
	// the bit plane everywhere, far too small to flip a sign forced to
	// magnitude 5.
	noisy := append([]int32(nil), wm...)
	rng := rand.New(rand.NewSource(99))
	for i := range noisy {
		if rng.Intn(3) == 0 {
			noisy[i] += int32(rng.Intn(2)*2 - 1)
		}
	}
	noisy[0] = wm[0] ^ 1 // guarantee at least one unprintable decoded byte

	v := Verify(noisy, fp, DefaultParams())
	if v.LSBMatch {
		t.Error("noise should destroy the spatial watermark")
	}
	if v.LSBConfidence >= 1.0 {
		t.Errorf("LSB confidence = %v, want < 1.0 under noise", v.LSBConfidence)
	}
	if !v.DWTMatch {
		t.Errorf("unit noise should not defeat sign modulation (accuracy %v)", v.DWTAccuracy)
	}
}

func TestDeletionBreaksFrequencyLayer(t *testing.T) {
	fp := testFingerprint()
	wm, err := EmbedDual(testSignal(2560, 11), fp, DefaultParams())
	if err != nil {
		t.Fatalf("EmbedDual failed: %v", err)
	}

	// Splice out a 400-sample block: everything downstream shifts, so the
	// coefficient positions stop lining up with the fingerprint bits.
	spliced := append(append([]int32(nil), wm[:400]...), wm[800:]...)

	match, accuracy := ExtractDWT(spliced, fp, DefaultParams())
	if match {
		t.Errorf("deletion should break the frequency watermark (accuracy %v)", accuracy)
	}
	if accuracy > 0.85 {
		t.Errorf("accuracy = %v, want <= 0.85 after deleting 400 samples", accuracy)
	}

	v := Verify(spliced, fp, DefaultParams())
	if v.Intact() {
		t.Error("verdict should flag the spliced signal")
	}
	if v.LSBMatch {
		t.Error("splice inside the bit-plane region should also break the spatial text")
	}
}

func TestVerdictZeroSignal(t *testing.T) {
	// A constant-zero signal carries neither watermark.
	v := Verify(make([]int32, 2560), testFingerprint(), DefaultParams())
	if v.Intact() {
		t.Error("blank signal should not verify")
	}
}
