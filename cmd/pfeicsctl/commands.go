package main

import (
	"bufio"
	"crypto/rsa"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"pfeics/internal/config"
	"pfeics/internal/container"
	"pfeics/internal/metadata"
	"pfeics/internal/security"
	"pfeics/internal/store"
	"pfeics/internal/watermark"
)

// watermarkParams maps config tunables onto embedding parameters.
func watermarkParams(cfg *config.Config) watermark.Params {
	return watermark.Params{
		Strength:        cfg.Watermark.Strength,
		Threshold:       cfg.Watermark.Threshold,
		Levels:          cfg.Watermark.Levels,
		MaxExtractBytes: cfg.Watermark.MaxExtractBytes,
	}
}

// readSignalFile parses a whitespace-separated list of integer samples.
func readSignalFile(path string) ([]int32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var signal []int32
	scanner := bufio.NewScanner(f)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		v, err := strconv.ParseInt(scanner.Text(), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse sample %q: %w", scanner.Text(), err)
		}
		signal = append(signal, int32(v))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(signal) == 0 {
		return nil, fmt.Errorf("signal file %s contains no samples", path)
	}
	return signal, nil
}

// loadSigningKey loads the examiner key if present. A missing key file is
// not an error unless required is set; unsigned containers are legal.
func loadSigningKey(path string, required bool) (*rsa.PrivateKey, error) {
	key, err := security.LoadPrivateKey(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil, nil
		}
		return nil, fmt.Errorf("load signing key %s: %w", path, err)
	}
	return key, nil
}

func cmdKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	force := fs.Bool("force", false, "overwrite an existing key")
	fs.Parse(args)

	cfg := loadConfig()
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	if _, err := os.Stat(cfg.Signing.KeyPath); err == nil && !*force {
		return fmt.Errorf("key already exists at %s (use -force to overwrite)", cfg.Signing.KeyPath)
	}

	fmt.Fprintf(os.Stderr, "Generating RSA-%d key pair (this takes a moment)...\n", security.SigningKeyBits)
	key, err := security.GenerateSigningKey()
	if err != nil {
		return err
	}

	if err := security.SavePrivateKey(cfg.Signing.KeyPath, key); err != nil {
		return err
	}

	pubPEM, err := security.MarshalPublicKey(&key.PublicKey)
	if err != nil {
		return err
	}
	if err := os.WriteFile(cfg.Signing.PublicKeyPath, []byte(pubPEM), 0644); err != nil {
		return err
	}

	fmt.Printf("Private key: %s\n", cfg.Signing.KeyPath)
	fmt.Printf("Public key:  %s\n", cfg.Signing.PublicKeyPath)
	return nil
}

func cmdExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	var (
		signalPath  = fs.String("signal", "", "path to signal sample file (required)")
		outPath     = fs.String("out", "", "output container path (required)")
		caseID      = fs.String("case", "", "case identifier (required)")
		subjectID   = fs.String("subject", "", "subject identifier (required)")
		examiner    = fs.String("examiner", "", "examiner name (required)")
		badge       = fs.String("badge", "", "examiner badge ID (required)")
		org         = fs.String("org", "", "examiner organization")
		cert        = fs.String("cert", "", "examiner certification")
		atype       = fs.String("type", "psychophysiological_detection", "assessment type")
		stim        = fs.String("stim", "", "stimulus protocol")
		device      = fs.String("device", "", "acquisition device serial (required)")
		calibration = fs.String("calibration", "", "device calibration date")
		acqTime     = fs.String("time", "", "acquisition time, RFC 3339 (default: now)")
		passphrase  = fs.String("passphrase", "", "container passphrase")
		sign        = fs.Bool("sign", true, "sign the container when a key is configured")
	)
	fs.Parse(args)

	for name, v := range map[string]string{
		"signal": *signalPath, "out": *outPath, "case": *caseID,
		"subject": *subjectID, "examiner": *examiner, "badge": *badge,
		"device": *device,
	} {
		if v == "" {
			return fmt.Errorf("-%s is required", name)
		}
	}

	pass, err := passphraseFrom(*passphrase)
	if err != nil {
		return err
	}

	cfg := loadConfig()
	log := setupLogging(cfg)
	defer log.Close()

	when := time.Now().UTC()
	if *acqTime != "" {
		when, err = time.Parse(time.RFC3339, *acqTime)
		if err != nil {
			return fmt.Errorf("parse -time: %w", err)
		}
	}

	var signingKey *rsa.PrivateKey
	if *sign {
		signingKey, err = loadSigningKey(cfg.Signing.KeyPath, false)
		if err != nil {
			return err
		}
	}

	meta := metadata.CaseMetadata{
		CaseID:    *caseID,
		SubjectID: *subjectID,
		Examiner: metadata.ExaminerCredentials{
			Name:          *examiner,
			BadgeID:       *badge,
			Organization:  *org,
			Certification: *cert,
		},
		AssessmentType:   *atype,
		StimulusProtocol: *stim,
		AcquisitionTime:  when,
		DeviceSerial:     *device,
		CalibrationDate:  *calibration,
	}
	if signingKey != nil {
		pubPEM, err := security.MarshalPublicKey(&signingKey.PublicKey)
		if err != nil {
			return err
		}
		meta.Examiner.PublicKeyPEM = pubPEM
	}

	signal, err := readSignalFile(*signalPath)
	if err != nil {
		return err
	}

	cont, err := container.New(meta, signingKey, watermarkParams(cfg))
	if err != nil {
		return err
	}
	if err := cont.SetRawEvidence(signal); err != nil {
		return err
	}
	if err := cont.ApplyWatermark(); err != nil {
		return err
	}

	digest, err := cont.Export(*outPath, pass)
	if err != nil {
		return err
	}

	log.WithCase(*caseID).Info("container exported",
		"path", *outPath, "sha256", digest, "samples", len(signal),
		"signed", signingKey != nil)

	if err := recordExport(cfg, cont, *outPath, digest); err != nil {
		log.Warn("store update failed", "error", err)
	}

	fmt.Printf("Case:      %s\n", *caseID)
	fmt.Printf("Container: %s\n", *outPath)
	fmt.Printf("SHA-256:   %s\n", digest)
	fmt.Printf("Events:    %d\n", len(cont.Events()))
	return nil
}

// recordExport mirrors the container's case, ledger, and archive digest
// into the local store.
func recordExport(cfg *config.Config, cont *container.Container, path, digest string) error {
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	meta := cont.Metadata()
	if err := st.UpsertCase(meta); err != nil {
		return err
	}
	if err := st.RecordEvents(meta.CaseID, cont.Events()); err != nil {
		return err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return st.RecordContainer(meta.CaseID, abs, digest)
}

func cmdImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	passphrase := fs.String("passphrase", "", "container passphrase")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return errors.New("usage: pfeicsctl import [options] <container>")
	}
	path := fs.Arg(0)

	pass, err := passphraseFrom(*passphrase)
	if err != nil {
		return err
	}

	cfg := loadConfig()
	log := setupLogging(cfg)
	defer log.Close()

	cont, err := container.Import(path, pass, nil, watermarkParams(cfg))
	if err != nil {
		return err
	}

	meta := cont.Metadata()
	log.WithCase(meta.CaseID).Info("container imported", "path", path, "state", cont.State().String())

	fmt.Printf("Case:        %s\n", meta.CaseID)
	fmt.Printf("Subject:     %s\n", meta.SubjectID)
	fmt.Printf("Examiner:    %s (%s)\n", meta.Examiner.Name, meta.Examiner.BadgeID)
	fmt.Printf("Acquired:    %s\n", meta.AcquisitionTime.Format(time.RFC3339))
	fmt.Printf("Device:      %s\n", meta.DeviceSerial)
	fmt.Printf("State:       %s\n", cont.State())
	fmt.Printf("Fingerprint: %s\n", meta.Fingerprint())

	events := cont.Events()
	fmt.Printf("Custody chain (%d events):\n", len(events))
	for i, ev := range events {
		fmt.Printf("  %3d  %-24s %s  %s\n",
			i, ev.Kind, ev.Timestamp.Format(time.RFC3339), ev.Description)
	}
	return nil
}

// errTampered trips the non-zero exit in main while keeping the message
// readable.
var errTampered = errors.New("integrity verification failed")

func cmdVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	passphrase := fs.String("passphrase", "", "container passphrase")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return errors.New("usage: pfeicsctl verify [options] <container>")
	}
	path := fs.Arg(0)

	pass, err := passphraseFrom(*passphrase)
	if err != nil {
		return err
	}

	cfg := loadConfig()
	log := setupLogging(cfg)
	defer log.Close()

	tampered := false

	// Archive bytes against the digest recorded at export, when we have one.
	if rec := lookupContainerRecord(cfg, path); rec != nil {
		digest, err := container.HashFile(path)
		if err != nil {
			return err
		}
		if digest == rec.SHA256 {
			fmt.Println("Archive digest:  OK")
		} else {
			fmt.Printf("Archive digest:  MODIFIED (recorded %s..., found %s...)\n",
				rec.SHA256[:16], digest[:16])
			tampered = true
		}
	}

	cont, err := container.Import(path, pass, nil, watermarkParams(cfg))
	if err != nil {
		var ie *security.IntegrityError
		if errors.As(err, &ie) {
			fmt.Printf("Decryption:      FAILED (%s)\n", ie.Context)
			return errTampered
		}
		return err
	}

	meta := cont.Metadata()
	clog := log.WithCase(meta.CaseID)

	verdict, err := cont.VerifyWatermarks()
	if err != nil {
		return err
	}
	if verdict.LSBMatch {
		fmt.Printf("Spatial layer:   OK (confidence %.2f)\n", verdict.LSBConfidence)
	} else {
		fmt.Printf("Spatial layer:   FAILED (confidence %.2f)\n", verdict.LSBConfidence)
		tampered = true
	}
	if verdict.DWTMatch {
		fmt.Printf("Frequency layer: OK (accuracy %.2f)\n", verdict.DWTAccuracy)
	} else {
		fmt.Printf("Frequency layer: FAILED (accuracy %.2f)\n", verdict.DWTAccuracy)
		tampered = true
	}

	if err := cont.VerifyChain(); err != nil {
		fmt.Printf("Custody chain:   BROKEN (%v)\n", err)
		tampered = true
	} else {
		fmt.Printf("Custody chain:   OK (%d events)\n", len(cont.Events()))
	}

	if tampered {
		clog.Error("verification failed", "path", path)
		return errTampered
	}
	clog.Info("verification passed", "path", path)
	fmt.Println("VERDICT: INTACT")
	return nil
}

// lookupContainerRecord returns the export record for path, or nil when
// the store has never seen it.
func lookupContainerRecord(cfg *config.Config, path string) *store.ContainerRecord {
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil
	}
	defer st.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	rec, err := st.ContainerByPath(abs)
	if err != nil {
		return nil
	}
	return rec
}

func cmdCases(args []string) error {
	fs := flag.NewFlagSet("cases", flag.ExitOnError)
	fs.Parse(args)

	cfg := loadConfig()
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	ids, err := st.ListCases()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No cases recorded.")
		return nil
	}

	for _, id := range ids {
		meta, err := st.Case(id)
		if err != nil {
			fmt.Printf("%-20s (unreadable: %v)\n", id, err)
			continue
		}
		ok, breaks, err := st.VerifyCase(id)
		status := "OK"
		switch {
		case err != nil:
			status = "ERROR"
		case !ok:
			status = fmt.Sprintf("BROKEN (%d)", len(breaks))
		}
		fmt.Printf("%-20s subject=%-12s examiner=%-20s chain=%s\n",
			id, meta.SubjectID, meta.Examiner.Name, status)
	}
	return nil
}
