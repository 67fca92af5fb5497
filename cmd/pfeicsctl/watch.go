package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pfeics/internal/custody"
	"pfeics/internal/logging"
	"pfeics/internal/store"
	"pfeics/internal/watcher"
)

func cmdWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	fs.Parse(args)

	cfg := loadConfig()
	log := setupLogging(cfg)
	defer log.Close()

	paths := fs.Args()
	if len(paths) == 0 {
		paths = cfg.Watch.Paths
	}
	if len(paths) == 0 {
		return errors.New("no watch paths: pass directories or set [watch] paths in config")
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	w, err := watcher.New(paths, time.Duration(cfg.Watch.DebounceMs)*time.Millisecond)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	log.Info("watching exported containers", "paths", paths, "tracked", w.TrackedFiles())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigCh:
			log.Info("shutting down", "signal", sig.String())
			return nil

		case err := <-w.Errors():
			log.Error("watcher error", "error", err)

		case ev := <-w.Events():
			handleContainerEvent(log, st, ev)
		}
	}
}

// handleContainerEvent compares a stabilized container against the digest
// recorded at export and records a tamper event on mismatch.
func handleContainerEvent(log *logging.Logger, st *store.Store, ev watcher.Event) {
	rec, err := st.ContainerByPath(ev.Path)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("container not in store", "path", ev.Path)
		return
	}
	if err != nil {
		log.Error("store lookup failed", "path", ev.Path, "error", err)
		return
	}

	clog := log.WithCase(rec.CaseID)
	if ev.SHA256 == rec.SHA256 {
		clog.Info("container unchanged", "path", ev.Path)
		return
	}

	clog.Error("container modified after export",
		"path", ev.Path,
		"recorded_sha256", rec.SHA256,
		"observed_sha256", ev.SHA256,
		"observed_at", ev.Timestamp.Format(time.RFC3339))

	if err := recordTamperEvent(st, rec, ev); err != nil {
		clog.Error("failed to record tamper event", "error", err)
		return
	}
	fmt.Fprintf(os.Stderr, "TAMPER: %s (case %s) modified after export\n", ev.Path, rec.CaseID)
}

// recordTamperEvent extends the stored chain with a tamper_detected event.
func recordTamperEvent(st *store.Store, rec *store.ContainerRecord, ev watcher.Event) error {
	meta, err := st.Case(rec.CaseID)
	if err != nil {
		return err
	}
	events, err := st.EventsForCase(rec.CaseID)
	if err != nil {
		return err
	}

	ledger := custody.FromEvents(rec.CaseID, meta.Examiner.BadgeID, nil, events)
	_, err = ledger.Append(custody.KindTamperDetected,
		"exported container modified on disk",
		map[string]any{
			"path":            ev.Path,
			"recorded_sha256": rec.SHA256,
			"observed_sha256": ev.SHA256,
			"observed_size":   ev.Size,
		})
	if err != nil {
		return err
	}

	return st.RecordEvents(rec.CaseID, ledger.Events())
}
