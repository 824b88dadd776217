package workers

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/linewatch/internal/apperrors"
)

// Result folder names inside the output archive. Cyrillic by contract with
// the frontend; archive/zip flags non-ASCII names as UTF-8 automatically.
const (
	damagedFolder = "results/Поврежденные/"
	normalFolder  = "results/Неповрежденные/"
)

// ResultsArchive accumulates annotated images into a ZIP on disk, keeping
// memory flat regardless of batch size. Both result folders exist even when
// empty.
type ResultsArchive struct {
	file   *os.File
	writer *zip.Writer
}

// NewResultsArchive creates the archive in a temp file with both result
// folders predeclared.
func NewResultsArchive() (*ResultsArchive, error) {
	file, err := os.CreateTemp("", "linewatch-results-*.zip")
	if err != nil {
		return nil, apperrors.Internal("failed to create results archive", err)
	}

	writer := zip.NewWriter(file)
	for _, folder := range []string{damagedFolder, normalFolder} {
		header := &zip.FileHeader{Name: folder, Method: zip.Deflate}
		if _, err := writer.CreateHeader(header); err != nil {
			writer.Close()
			file.Close()
			os.Remove(file.Name())
			return nil, apperrors.Internal("failed to declare archive folder", err)
		}
	}

	return &ResultsArchive{file: file, writer: writer}, nil
}

// Add stores one annotated image under the folder matching its defect state.
// The entry name is the original stem with an _annotated.jpg suffix.
func (a *ResultsArchive) Add(originalName string, hasDefects bool, data []byte) error {
	folder := normalFolder
	if hasDefects {
		folder = damagedFolder
	}

	header := &zip.FileHeader{
		Name:   folder + AnnotatedName(originalName),
		Method: zip.Deflate,
	}
	w, err := a.writer.CreateHeader(header)
	if err != nil {
		return apperrors.Internal("failed to add archive entry", err)
	}
	if _, err := w.Write(data); err != nil {
		return apperrors.Internal("failed to write archive entry", err)
	}
	return nil
}

// Finish closes the ZIP and returns an open reader positioned at the start,
// plus the archive size. The caller must Close the reader; Cleanup removes
// the backing file.
func (a *ResultsArchive) Finish() (*os.File, int64, error) {
	if err := a.writer.Close(); err != nil {
		return nil, 0, apperrors.Internal("failed to finalize results archive", err)
	}
	info, err := a.file.Stat()
	if err != nil {
		return nil, 0, apperrors.Internal("failed to stat results archive", err)
	}
	if _, err := a.file.Seek(0, io.SeekStart); err != nil {
		return nil, 0, apperrors.Internal("failed to rewind results archive", err)
	}
	return a.file, info.Size(), nil
}

// Cleanup removes the backing temp file. Safe to call after Finish.
func (a *ResultsArchive) Cleanup() {
	name := a.file.Name()
	a.file.Close()
	os.Remove(name)
}

// AnnotatedName derives the output entry name from an original file name.
func AnnotatedName(originalName string) string {
	base := filepath.Base(originalName)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return fmt.Sprintf("%s_annotated.jpg", stem)
}

// StagingEntry is one file inside a staging archive.
type StagingEntry struct {
	FileName string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// OpenStagingArchive opens a staging ZIP downloaded to disk and returns its
// file entries in archive order. Directories are skipped. Entries are opened
// lazily so only one file is held in memory at a time.
func OpenStagingArchive(path string) (*zip.ReadCloser, []StagingEntry, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.KindInternal, "failed to open staging archive", err)
	}

	var entries []StagingEntry
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		file := f
		entries = append(entries, StagingEntry{
			FileName: filepath.Base(file.Name),
			Size:     int64(file.UncompressedSize64),
			Open:     func() (io.ReadCloser, error) { return file.Open() },
		})
	}
	return reader, entries, nil
}
