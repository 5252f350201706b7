package archive_test

import (
	"archive/zip"
	"bytes"
	"errors"
	"testing"

	"github.com/forgeline/gwbridge/internal/archive"
)

//
// ───────────────────────────────────────────────
//   Helpers
// ───────────────────────────────────────────────
//

func writeArchive(t *testing.T, project string, items []archive.Item) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := archive.Write(&buf, project, items); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	return buf.Bytes()
}

func sampleItems() []archive.Item {
	return []archive.Item{
		{Type: "view", Path: "overview/station.json", Content: []byte(`{"root":{}}`)},
		{Type: "view", Path: "detail/pump.json", Content: []byte(`{"root":{"type":"coord"}}`)},
		{Type: "script", Path: "startup.py", Content: []byte("def on_startup():\n    pass\n")},
	}
}

// rawArchive builds a zip by hand so tests can produce malformed inputs.
func rawArchive(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("creating entry %s: %v", name, err)
		}
		if _, err := w.Write(content); err != nil {
			t.Fatalf("writing entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing zip: %v", err)
	}
	return buf.Bytes()
}

//
// ───────────────────────────────────────────────
//   Round trip
// ───────────────────────────────────────────────
//

func TestWriteValidateExtractRoundTrip(t *testing.T) {
	t.Parallel()

	data := writeArchive(t, "waterworks", sampleItems())

	man, contents, err := archive.Extract(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}
	if man.Project != "waterworks" {
		t.Errorf("Project = %q, want %q", man.Project, "waterworks")
	}
	if man.FormatVersion != archive.FormatVersion {
		t.Errorf("FormatVersion = %d, want %d", man.FormatVersion, archive.FormatVersion)
	}
	if len(man.Resources) != 3 {
		t.Fatalf("manifest lists %d resources, want 3", len(man.Resources))
	}

	got := contents["resources/script/startup.py"]
	if string(got) != "def on_startup():\n    pass\n" {
		t.Errorf("extracted script content = %q", got)
	}
}

func TestWriteIsDeterministic(t *testing.T) {
	t.Parallel()

	items := sampleItems()
	reversed := []archive.Item{items[2], items[1], items[0]}

	a := writeArchive(t, "p", items)
	b := writeArchive(t, "p", reversed)

	manA, _, err := archive.Extract(bytes.NewReader(a), int64(len(a)))
	if err != nil {
		t.Fatalf("Extract a: %v", err)
	}
	manB, _, err := archive.Extract(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		t.Fatalf("Extract b: %v", err)
	}

	for i := range manA.Resources {
		if manA.Resources[i] != manB.Resources[i] {
			t.Errorf("manifest order differs at %d: %+v vs %+v", i, manA.Resources[i], manB.Resources[i])
		}
	}
}

func TestWriteRejectsUnsafeItemPaths(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := archive.Write(&buf, "p", []archive.Item{{Type: "view", Path: "../escape.json"}})
	if !errors.Is(err, archive.ErrUnsafePath) {
		t.Fatalf("expected ErrUnsafePath, got %v", err)
	}
}

//
// ───────────────────────────────────────────────
//   Validation failures
// ───────────────────────────────────────────────
//

func TestValidateRejectsMissingManifest(t *testing.T) {
	t.Parallel()

	data := rawArchive(t, map[string][]byte{
		"resources/view/a.json": []byte("{}"),
	})
	_, err := archive.Validate(bytes.NewReader(data), int64(len(data)))
	if !errors.Is(err, archive.ErrNoManifest) && !errors.Is(err, archive.ErrUnexpectedEntry) {
		t.Fatalf("expected a manifest failure, got %v", err)
	}
}

func TestValidateRejectsTamperedContent(t *testing.T) {
	t.Parallel()

	good := writeArchive(t, "p", sampleItems())
	man, contents, err := archive.Extract(bytes.NewReader(good), int64(len(good)))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	// Rebuild the zip with the original manifest but one altered payload.
	manifestRaw := extractRawManifest(t, good)
	tampered := map[string][]byte{archive.ManifestName: manifestRaw}
	for _, me := range man.Resources {
		tampered[me.EntryName()] = contents[me.EntryName()]
	}
	tampered["resources/script/startup.py"] = []byte("def on_startup():\n    sabotage()\n")

	data := rawArchive(t, tampered)
	_, err = archive.Validate(bytes.NewReader(data), int64(len(data)))
	if !errors.Is(err, archive.ErrEntryMismatch) {
		t.Fatalf("expected ErrEntryMismatch, got %v", err)
	}
}

func TestValidateRejectsStrayEntries(t *testing.T) {
	t.Parallel()

	good := writeArchive(t, "p", sampleItems())
	man, contents, err := archive.Extract(bytes.NewReader(good), int64(len(good)))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	entries := map[string][]byte{archive.ManifestName: extractRawManifest(t, good)}
	for _, me := range man.Resources {
		entries[me.EntryName()] = contents[me.EntryName()]
	}
	entries["resources/view/uninvited.json"] = []byte("{}")

	data := rawArchive(t, entries)
	_, err = archive.Validate(bytes.NewReader(data), int64(len(data)))
	if !errors.Is(err, archive.ErrUnexpectedEntry) {
		t.Fatalf("expected ErrUnexpectedEntry, got %v", err)
	}
}

func TestValidateRejectsEscapingEntryPath(t *testing.T) {
	t.Parallel()

	data := rawArchive(t, map[string][]byte{
		archive.ManifestName:  []byte(`{"formatVersion":1,"project":"p","exportedAt":"2026-01-01T00:00:00Z","resources":[]}`),
		"../outside/evil.txt": []byte("x"),
	})
	_, err := archive.Validate(bytes.NewReader(data), int64(len(data)))
	if !errors.Is(err, archive.ErrUnsafePath) {
		t.Fatalf("expected ErrUnsafePath, got %v", err)
	}
}

func TestValidateRejectsUnknownManifestFields(t *testing.T) {
	t.Parallel()

	data := rawArchive(t, map[string][]byte{
		archive.ManifestName: []byte(`{"formatVersion":1,"project":"p","exportedAt":"2026-01-01T00:00:00Z","resources":[],"surprise":true}`),
	})
	_, err := archive.Validate(bytes.NewReader(data), int64(len(data)))
	if !errors.Is(err, archive.ErrBadManifest) {
		t.Fatalf("expected ErrBadManifest, got %v", err)
	}
}

func TestValidateRejectsUnsupportedFormatVersion(t *testing.T) {
	t.Parallel()

	data := rawArchive(t, map[string][]byte{
		archive.ManifestName: []byte(`{"formatVersion":99,"project":"p","exportedAt":"2026-01-01T00:00:00Z","resources":[]}`),
	})
	_, err := archive.Validate(bytes.NewReader(data), int64(len(data)))
	if !errors.Is(err, archive.ErrBadManifest) {
		t.Fatalf("expected ErrBadManifest, got %v", err)
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	t.Parallel()

	data := []byte("this is not a zip archive at all")
	_, err := archive.Validate(bytes.NewReader(data), int64(len(data)))
	if !errors.Is(err, archive.ErrBadManifest) {
		t.Fatalf("expected ErrBadManifest, got %v", err)
	}
}

// extractRawManifest pulls the manifest bytes out of a well-formed archive.
func extractRawManifest(t *testing.T, data []byte) []byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	for _, f := range zr.File {
		if f.Name != archive.ManifestName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("opening manifest: %v", err)
		}
		defer rc.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(rc); err != nil {
			t.Fatalf("reading manifest: %v", err)
		}
		return buf.Bytes()
	}
	t.Fatal("manifest not found")
	return nil
}
