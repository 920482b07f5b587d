package library_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aronjanosch/audible-web-downloader/internal/config"
	"github.com/aronjanosch/audible-web-downloader/internal/library"
	"github.com/aronjanosch/audible-web-downloader/internal/logging"
	"github.com/aronjanosch/audible-web-downloader/internal/testsupport"
)

// ffprobeScript answers every probe with tags derived from the file name, so
// a file named B0XYZ.m4b reports ASIN B0XYZ.
const ffprobeScript = `#!/bin/sh
for last; do :; done
base=$(basename "$last" .m4b)
printf '{"format":{"filename":"%s","tags":{"title":"%s","comment":"ASIN: %s"}}}\n' "$last" "$base" "$base"
`

func openManager(t *testing.T, cfg *config.Config) *library.Manager {
	t.Helper()
	manager, err := library.Open(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("library.Open: %v", err)
	}
	t.Cleanup(func() {
		manager.Close()
	})
	return manager
}

func TestRecordGetRemove(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	manager := openManager(t, cfg)
	ctx := context.Background()

	entry := library.Entry{
		ASIN:    "B004G8QZL4",
		Title:   "Wizards First Rule",
		Path:    "/library/Wizards First Rule.m4b",
		Account: "main",
	}
	if err := manager.Record(ctx, entry); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	has, err := manager.Has(ctx, "B004G8QZL4")
	if err != nil || !has {
		t.Fatalf("Has = %v, %v; want true", has, err)
	}

	got, err := manager.Get(ctx, "B004G8QZL4")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Title != entry.Title || got.Path != entry.Path {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if got.PlacedAt.IsZero() {
		t.Fatal("expected placement timestamp")
	}

	if err := manager.Remove(ctx, "B004G8QZL4"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := manager.Get(ctx, "B004G8QZL4"); !errors.Is(err, library.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordUpsertsExistingEntry(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	manager := openManager(t, cfg)
	ctx := context.Background()

	first := library.Entry{ASIN: "B0A", Title: "Old Title", Path: "/old"}
	if err := manager.Record(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := library.Entry{ASIN: "B0A", Title: "New Title", Path: "/new"}
	if err := manager.Record(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := manager.Get(ctx, "B0A")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "New Title" || got.Path != "/new" {
		t.Fatalf("expected updated entry, got %+v", got)
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	manager := openManager(t, cfg)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, asin := range []string{"B0OLD", "B0MID", "B0NEW"} {
		entry := library.Entry{
			ASIN:     asin,
			Title:    asin,
			Path:     "/" + asin,
			PlacedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := manager.Record(ctx, entry); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := manager.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].ASIN != "B0NEW" || entries[2].ASIN != "B0OLD" {
		t.Fatalf("unexpected order: %v, %v, %v", entries[0].ASIN, entries[1].ASIN, entries[2].ASIN)
	}
}

func TestScanExtractsEmbeddedIdentifiers(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinary("ffprobe", ffprobeScript))
	manager := openManager(t, cfg)
	ctx := context.Background()

	dir := t.TempDir()
	testsupport.WriteFile(t, filepath.Join(dir, "B0AAA.m4b"), 64)
	testsupport.WriteFile(t, filepath.Join(dir, "nested", "B0BBB.m4b"), 64)
	testsupport.WriteFile(t, filepath.Join(dir, "cover.jpg"), 64)

	found, err := manager.Scan(ctx, dir)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(found), found)
	}
	asins := map[string]bool{}
	for _, entry := range found {
		asins[entry.ASIN] = true
	}
	if !asins["B0AAA"] || !asins["B0BBB"] {
		t.Fatalf("unexpected scan results: %+v", found)
	}
}

func TestReconcileInsertsOnlyForeignFiles(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinary("ffprobe", ffprobeScript))
	manager := openManager(t, cfg)
	ctx := context.Background()

	dir := t.TempDir()
	testsupport.WriteFile(t, filepath.Join(dir, "B0KNOWN.m4b"), 64)
	testsupport.WriteFile(t, filepath.Join(dir, "B0FOREIGN.m4b"), 64)

	known := library.Entry{ASIN: "B0KNOWN", Title: "Known", Path: "/somewhere"}
	if err := manager.Record(ctx, known); err != nil {
		t.Fatal(err)
	}

	added, err := manager.Reconcile(ctx, dir)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if added != 1 {
		t.Fatalf("expected 1 new entry, got %d", added)
	}

	got, err := manager.Get(ctx, "B0KNOWN")
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != "/somewhere" {
		t.Fatalf("existing entry should be untouched, got path %q", got.Path)
	}
	if _, err := manager.Get(ctx, "B0FOREIGN"); err != nil {
		t.Fatalf("foreign file should be indexed: %v", err)
	}
}
