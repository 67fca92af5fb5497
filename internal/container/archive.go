package container

import (
	"archive/zip"
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"pfeics/internal/custody"
	"pfeics/internal/security"
	"pfeics/internal/watermark"
)

// Archive entry names. The .pfeics container is a plain zip with a fixed
// set of members.
const (
	entryManifest    = "manifest.json"
	entryRaw         = "raw_evidence.enc"
	entryWatermarked = "watermarked_evidence.enc"
	entryChain       = "chain_of_custody.enc"
	entryKeySlot     = "keyslot.json"
	entrySignature   = "examiner_signature.sig"
)

// Export serializes the container to path, sealing every blob under keys
// derived from a fresh master key that only leaves the archive wrapped
// under the passphrase. It returns the SHA-256 hex digest of the archive
// bytes, appends an export event, and marks this instance exported.
func (c *Container) Export(path, passphrase string) (string, error) {
	if c.state == StateExported {
		return "", ErrExported
	}
	if c.watermarked == nil {
		return "", ErrNotExportable
	}

	master, err := security.GenerateKey()
	if err != nil {
		return "", err
	}
	defer security.Wipe(master)

	rawKey, wmKey, chainKey, err := deriveKeys(master)
	if err != nil {
		return "", err
	}
	defer security.Wipe(rawKey)
	defer security.Wipe(wmKey)
	defer security.Wipe(chainKey)

	slot, err := security.WrapMasterKey(master, passphrase)
	if err != nil {
		return "", err
	}

	canonical := c.meta.CanonicalString()

	manifest := Manifest{
		Version:         FormatVersion,
		CaseMetadata:    c.meta,
		Created:         time.Now().UTC(),
		EvidenceHash:    hashSignal(c.raw),
		WatermarkedHash: hashSignal(c.watermarked),
		ChainLength:     c.ledger.Len(),
	}
	manifestBytes, err := json.Marshal(&manifest)
	if err != nil {
		return "", fmt.Errorf("container: encoding manifest: %w", err)
	}

	rawBlob, err := security.Encrypt(rawKey, EncodeSignal(c.raw), canonical)
	if err != nil {
		return "", err
	}
	wmBlob, err := security.Encrypt(wmKey, EncodeSignal(c.watermarked), canonical)
	if err != nil {
		return "", err
	}

	chainPlain, err := custody.Encode(c.ledger.Events())
	if err != nil {
		return "", fmt.Errorf("container: encoding chain: %w", err)
	}
	// The chain is bound to the case identifier alone so it can still be
	// opened when the full metadata record is in dispute.
	chainBlob, err := security.Encrypt(chainKey, chainPlain, c.meta.CaseID)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	entries := []struct {
		name string
		data []byte
	}{
		{entryManifest, manifestBytes},
		{entryRaw, mustJSON(rawBlob)},
		{entryWatermarked, mustJSON(wmBlob)},
		{entryChain, mustJSON(chainBlob)},
		{entryKeySlot, mustJSON(slot)},
	}
	if c.signingKey != nil {
		sig, err := security.Sign(manifestBytes, c.signingKey)
		if err != nil {
			return "", err
		}
		entries = append(entries, struct {
			name string
			data []byte
		}{entrySignature, sig})
	}

	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			return "", fmt.Errorf("container: writing %s: %w", e.name, err)
		}
		if _, err := w.Write(e.data); err != nil {
			return "", fmt.Errorf("container: writing %s: %w", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("container: finalizing archive: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return "", fmt.Errorf("container: writing archive: %w", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	containerHash := hex.EncodeToString(sum[:])

	// Logged only after the archive is safely on disk; the archived chain
	// therefore ends just before this event, and import appends its own.
	if _, err := c.ledger.Append(custody.KindExportPerformed, "container exported", map[string]any{
		"path":           path,
		"container_hash": containerHash,
		"signed":         c.signingKey != nil,
	}); err != nil {
		return "", err
	}
	c.state = StateExported

	return containerHash, nil
}

// Import reconstructs a container from an archive. The passphrase unlocks
// the keyslot; a signing key may be supplied so the imported container
// can append signed events of its own.
//
// A missing or undecryptable chain blob degrades explicitly: the imported
// container starts a fresh ledger whose import event records that the
// original chain could not be recovered. A missing manifest, keyslot, or
// raw blob is unrecoverable and yields a FormatError.
func Import(path, passphrase string, signingKey *rsa.PrivateKey, params watermark.Params) (*Container, error) {
	entries, err := readArchive(path)
	if err != nil {
		return nil, err
	}

	manifestBytes, ok := entries[entryManifest]
	if !ok {
		return nil, &FormatError{Entry: entryManifest, Reason: "missing"}
	}
	manifest, err := parseManifest(manifestBytes)
	if err != nil {
		return nil, err
	}
	meta := manifest.CaseMetadata
	if err := meta.Validate(); err != nil {
		return nil, &FormatError{Entry: entryManifest, Reason: err.Error()}
	}

	// Signature check first: if the manifest itself cannot be trusted,
	// nothing downstream of it can.
	if sig, ok := entries[entrySignature]; ok && meta.Examiner.PublicKeyPEM != "" {
		pub, err := security.ParsePublicKey(meta.Examiner.PublicKeyPEM)
		if err != nil {
			return nil, &FormatError{Entry: entrySignature, Reason: err.Error()}
		}
		if err := security.VerifySignature(manifestBytes, sig, pub, "manifest"); err != nil {
			return nil, err
		}
	}

	slotBytes, ok := entries[entryKeySlot]
	if !ok {
		return nil, &FormatError{Entry: entryKeySlot, Reason: "missing"}
	}
	var slot security.KeySlot
	if err := json.Unmarshal(slotBytes, &slot); err != nil {
		return nil, &FormatError{Entry: entryKeySlot, Reason: err.Error()}
	}
	master, err := slot.UnwrapMasterKey(passphrase)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(master)

	rawKey, wmKey, chainKey, err := deriveKeys(master)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(rawKey)
	defer security.Wipe(wmKey)
	defer security.Wipe(chainKey)

	canonical := meta.CanonicalString()

	raw, err := decryptSignalEntry(entries, entryRaw, rawKey, canonical, true)
	if err != nil {
		return nil, err
	}
	if got := hashSignal(raw); got != manifest.EvidenceHash {
		return nil, &security.IntegrityError{Context: "raw evidence hash"}
	}

	watermarked, err := decryptSignalEntry(entries, entryWatermarked, wmKey, canonical, false)
	if err != nil {
		return nil, err
	}
	if watermarked != nil {
		if got := hashSignal(watermarked); got != manifest.WatermarkedHash {
			return nil, &security.IntegrityError{Context: "watermarked evidence hash"}
		}
	}

	c := &Container{
		meta:        meta,
		raw:         raw,
		watermarked: watermarked,
		signingKey:  signingKey,
		params:      params,
		state:       StateRawSet,
	}
	if watermarked != nil {
		c.state = StateWatermarked
	}

	importData := map[string]any{
		"path":            path,
		"chain_recovered": false,
	}
	var events []*custody.Event
	if chainBytes, ok := entries[entryChain]; ok {
		events = recoverChain(chainBytes, chainKey, meta.CaseID)
		if events != nil {
			importData["chain_recovered"] = true
			importData["recovered_events"] = len(events)
		}
	}
	c.ledger = custody.FromEvents(meta.CaseID, meta.Examiner.BadgeID, signingKey, events)

	if _, err := c.ledger.Append(custody.KindImportPerformed, "container imported", importData); err != nil {
		return nil, err
	}
	return c, nil
}

// recoverChain decrypts and decodes the custody chain, returning nil on
// any failure. Losing the chain is a documented degradation, not an
// import failure: the evidence blobs are independently authenticated.
func recoverChain(blobBytes, key []byte, caseID string) []*custody.Event {
	var blob security.EncryptedBlob
	if err := json.Unmarshal(blobBytes, &blob); err != nil {
		return nil
	}
	plain, err := security.Decrypt(key, &blob, caseID, "chain of custody")
	if err != nil {
		return nil
	}
	events, err := custody.Decode(plain)
	if err != nil {
		return nil
	}
	return events
}

func decryptSignalEntry(entries map[string][]byte, name string, key []byte, aad string, required bool) ([]int32, error) {
	data, ok := entries[name]
	if !ok {
		if required {
			return nil, &FormatError{Entry: name, Reason: "missing"}
		}
		return nil, nil
	}
	var blob security.EncryptedBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, &FormatError{Entry: name, Reason: err.Error()}
	}
	plain, err := security.Decrypt(key, &blob, aad, name)
	if err != nil {
		return nil, err
	}
	return DecodeSignal(plain)
}

func readArchive(path string) (map[string][]byte, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, &FormatError{Entry: path, Reason: fmt.Sprintf("not a readable archive: %v", err)}
	}
	defer zr.Close()

	entries := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		r, err := f.Open()
		if err != nil {
			return nil, &FormatError{Entry: f.Name, Reason: err.Error()}
		}
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, &FormatError{Entry: f.Name, Reason: err.Error()}
		}
		entries[f.Name] = data
	}
	return entries, nil
}

// HashFile returns the SHA-256 hex digest of an archive on disk, the same
// value Export returned when it was written.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// All inputs are package-controlled structs; this cannot fail.
		panic(err)
	}
	return data
}
