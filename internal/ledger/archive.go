package ledger

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/persistorai/custodian/internal/models"
)

// Archive member names.
const (
	ManifestFile  = "manifest.json"
	EntriesFile   = "entries.jsonl"
	AnchorsFile   = "anchors.json"
	SelectionFile = "selection.json"
)

// maxArchiveMember bounds a single decompressed member on read.
const maxArchiveMember = 1 << 30

// archiveEpoch is stamped on every member so identical bundles produce
// identical bytes.
var archiveEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// WriteArchive writes b as a zip archive. Output is byte-for-byte
// deterministic for a given bundle. selection.json is written whenever
// b.Selection is non-nil, even when empty.
func WriteArchive(w io.Writer, b *models.LedgerBundle) error {
	zw := zip.NewWriter(w)

	manifest, err := json.MarshalIndent(b.Manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	if err := writeMember(zw, ManifestFile, manifest); err != nil {
		return err
	}

	var lines bytes.Buffer

	enc := json.NewEncoder(&lines)
	enc.SetEscapeHTML(false)

	for i := range b.Entries {
		if err := enc.Encode(&b.Entries[i]); err != nil {
			return fmt.Errorf("encoding entry %d: %w", b.Entries[i].SequenceNo, err)
		}
	}

	if err := writeMember(zw, EntriesFile, lines.Bytes()); err != nil {
		return err
	}

	anchors := b.Anchors
	if anchors == nil {
		anchors = []models.LedgerAnchor{}
	}

	anchorJSON, err := json.MarshalIndent(anchors, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding anchors: %w", err)
	}

	if err := writeMember(zw, AnchorsFile, anchorJSON); err != nil {
		return err
	}

	if b.Selection != nil {
		sel, err := json.Marshal(b.Selection)
		if err != nil {
			return fmt.Errorf("encoding selection: %w", err)
		}

		if err := writeMember(zw, SelectionFile, sel); err != nil {
			return err
		}
	}

	return zw.Close()
}

func writeMember(zw *zip.Writer, name string, data []byte) error {
	fw, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: archiveEpoch,
	})
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}

	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}

	return nil
}

// ReadArchive parses an archive written by WriteArchive. It does not
// verify the bundle; call VerifyBundle on the result.
func ReadArchive(r io.ReaderAt, size int64) (*models.LedgerBundle, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	var (
		b           models.LedgerBundle
		sawManifest bool
		sawEntries  bool
	)

	for _, f := range zr.File {
		switch f.Name {
		case ManifestFile:
			sawManifest = true
			err = decodeMember(f, &b.Manifest)
		case AnchorsFile:
			err = decodeMember(f, &b.Anchors)
		case SelectionFile:
			err = decodeMember(f, &b.Selection)
		case EntriesFile:
			sawEntries = true
			b.Entries, err = readEntries(f)
		default:
			err = fmt.Errorf("unexpected archive member %q", f.Name)
		}

		if err != nil {
			return nil, err
		}
	}

	if !sawManifest || !sawEntries {
		return nil, errors.New("archive is missing manifest.json or entries.jsonl")
	}

	return &b, nil
}

func decodeMember(f *zip.File, dst any) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening %s: %w", f.Name, err)
	}
	defer rc.Close()

	if err := json.NewDecoder(io.LimitReader(rc, maxArchiveMember)).Decode(dst); err != nil {
		return fmt.Errorf("decoding %s: %w", f.Name, err)
	}

	return nil
}

func readEntries(f *zip.File) ([]models.LedgerEntry, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", f.Name, err)
	}
	defer rc.Close()

	var entries []models.LedgerEntry

	sc := bufio.NewScanner(io.LimitReader(rc, maxArchiveMember))
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)

	for line := 1; sc.Scan(); line++ {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}

		var e models.LedgerEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", f.Name, line, err)
		}

		entries = append(entries, e)
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.Name, err)
	}

	return entries, nil
}
