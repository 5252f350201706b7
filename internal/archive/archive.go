// Package archive implements the project export/import format: a zip holding
// a manifest plus a resource tree mirroring each resource's type and path.
package archive

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"
)

const (
	// ManifestName is the fixed manifest entry at the archive root.
	ManifestName = "manifest.json"

	// ResourcePrefix is the directory holding resource content entries.
	ResourcePrefix = "resources/"

	// FormatVersion is the current manifest format.
	FormatVersion = 1
)

var (
	ErrNoManifest      = errors.New("archive: manifest missing")
	ErrBadManifest     = errors.New("archive: manifest malformed")
	ErrEntryMismatch   = errors.New("archive: entry does not match manifest")
	ErrUnexpectedEntry = errors.New("archive: entry not listed in manifest")
	ErrUnsafePath      = errors.New("archive: unsafe entry path")
)

// Manifest enumerates the resources carried by an archive.
type Manifest struct {
	FormatVersion int             `json:"formatVersion"`
	Project       string          `json:"project"`
	ExportedAt    time.Time       `json:"exportedAt"`
	Resources     []ManifestEntry `json:"resources"`
}

// ManifestEntry describes one resource payload in the archive.
type ManifestEntry struct {
	Type   string `json:"type"`
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// EntryName returns the zip entry name for a manifest entry.
func (e ManifestEntry) EntryName() string {
	return ResourcePrefix + e.Type + "/" + e.Path
}

// Item is one resource handed to Write.
type Item struct {
	Type    string
	Path    string
	Content []byte
}

// Write packs the given resources into a zip archive on w, manifest first.
// Items are written in deterministic (type, path) order so identical inputs
// produce identical archives.
func Write(w io.Writer, project string, items []Item) error {
	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Type != sorted[j].Type {
			return sorted[i].Type < sorted[j].Type
		}
		return sorted[i].Path < sorted[j].Path
	})

	man := Manifest{
		FormatVersion: FormatVersion,
		Project:       project,
		ExportedAt:    time.Now().UTC().Truncate(time.Second),
	}
	for _, it := range sorted {
		if err := checkRelPath(it.Type); err != nil {
			return fmt.Errorf("resource type %q: %w", it.Type, err)
		}
		if err := checkRelPath(it.Path); err != nil {
			return fmt.Errorf("resource path %q: %w", it.Path, err)
		}
		sum := sha256.Sum256(it.Content)
		man.Resources = append(man.Resources, ManifestEntry{
			Type:   it.Type,
			Path:   it.Path,
			SHA256: hex.EncodeToString(sum[:]),
			Size:   int64(len(it.Content)),
		})
	}

	zw := zip.NewWriter(w)

	mw, err := zw.Create(ManifestName)
	if err != nil {
		return fmt.Errorf("create manifest entry: %w", err)
	}
	enc := json.NewEncoder(mw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(man); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	for i, it := range sorted {
		fw, err := zw.Create(man.Resources[i].EntryName())
		if err != nil {
			return fmt.Errorf("create entry %s: %w", man.Resources[i].EntryName(), err)
		}
		if _, err := fw.Write(it.Content); err != nil {
			return fmt.Errorf("write entry %s: %w", man.Resources[i].EntryName(), err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	return nil
}

// Validate performs the structural integrity check an import runs before any
// bytes leave the machine: the manifest parses, every manifest entry has a
// zip entry with matching size and checksum, no stray entries exist, and no
// entry path escapes the archive root. It returns the parsed manifest.
func Validate(r io.ReaderAt, size int64) (*Manifest, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadManifest, err)
	}

	var man *Manifest
	entries := make(map[string]*zip.File)
	for _, f := range zr.File {
		name := f.Name
		if err := checkRelPath(name); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnsafePath, name)
		}
		if name == ManifestName {
			m, err := readManifest(f)
			if err != nil {
				return nil, err
			}
			man = m
			continue
		}
		if !strings.HasPrefix(name, ResourcePrefix) || strings.HasSuffix(name, "/") {
			if strings.HasSuffix(name, "/") {
				// Directory entries are tolerated, some zippers emit them.
				continue
			}
			return nil, fmt.Errorf("%w: %s", ErrUnexpectedEntry, name)
		}
		entries[name] = f
	}

	if man == nil {
		return nil, ErrNoManifest
	}
	if man.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrBadManifest, man.FormatVersion)
	}

	seen := make(map[string]bool, len(man.Resources))
	for _, me := range man.Resources {
		name := me.EntryName()
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate manifest entry %s", ErrBadManifest, name)
		}
		seen[name] = true

		f, ok := entries[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing entry %s", ErrEntryMismatch, name)
		}
		sum, n, err := hashEntry(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrEntryMismatch, name, err)
		}
		if n != me.Size || sum != me.SHA256 {
			return nil, fmt.Errorf("%w: %s content differs from manifest", ErrEntryMismatch, name)
		}
	}

	for name := range entries {
		if !seen[name] {
			return nil, fmt.Errorf("%w: %s", ErrUnexpectedEntry, name)
		}
	}

	return man, nil
}

// Extract returns the content of every manifest entry, keyed by entry name.
// Callers should Validate first; Extract trusts the manifest.
func Extract(r io.ReaderAt, size int64) (*Manifest, map[string][]byte, error) {
	man, err := Validate(r, size)
	if err != nil {
		return nil, nil, err
	}

	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadManifest, err)
	}

	byName := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		byName[f.Name] = f
	}

	out := make(map[string][]byte, len(man.Resources))
	for _, me := range man.Resources {
		rc, err := byName[me.EntryName()].Open()
		if err != nil {
			return nil, nil, fmt.Errorf("open entry %s: %w", me.EntryName(), err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("read entry %s: %w", me.EntryName(), err)
		}
		out[me.EntryName()] = data
	}
	return man, out, nil
}

func readManifest(f *zip.File) (*Manifest, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadManifest, err)
	}
	defer rc.Close()

	var man Manifest
	dec := json.NewDecoder(rc)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&man); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadManifest, err)
	}
	return &man, nil
}

func hashEntry(f *zip.File) (string, int64, error) {
	rc, err := f.Open()
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()

	h := sha256.New()
	n, err := io.Copy(h, rc)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// checkRelPath rejects absolute and parent-escaping entry paths.
func checkRelPath(p string) error {
	if p == "" {
		return ErrUnsafePath
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return ErrUnsafePath
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return ErrUnsafePath
	}
	return nil
}
