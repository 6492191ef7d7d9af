// Package storage maps a torrent's linear piece space onto the on-disk
// file layout described by its metainfo, implementing the piece manager's
// FileStore boundary.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/wrenbt/warren/internal/config"
	"github.com/wrenbt/warren/internal/meta"
)

// datafile is one file in the torrent's layout, positioned at offset within
// the linear byte stream formed by concatenating every file in order.
type datafile struct {
	f      *os.File
	offset int64
	length int64
	path   string
}

// Store is a FileStore backed by the files named in a torrent's metainfo.
// A single piece, and a single block read, may span more than one file;
// ioAt windows the request across every file it overlaps.
type Store struct {
	files    []*datafile
	pieceLen int64
}

// NewStore opens or creates every file named by metainfo under downloadDir,
// truncating each to its final size up front so later writes never grow a
// file.
func NewStore(metainfo *meta.Metainfo, downloadDir string) (*Store, error) {
	if downloadDir == "" {
		downloadDir = config.Load().DefaultDownloadDir
	}

	files, err := setupFiles(metainfo, downloadDir)
	if err != nil {
		return nil, fmt.Errorf("storage: setup files: %w", err)
	}

	return &Store{files: files, pieceLen: int64(metainfo.Info.PieceLength)}, nil
}

// Close closes every underlying file, returning the first error seen.
func (s *Store) Close() error {
	var firstErr error
	for _, f := range s.files {
		if err := f.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReadBlock satisfies piece.FileStore, reading length bytes at begin within
// piece pieceIdx back from disk for upload.
func (s *Store) ReadBlock(pieceIdx, begin, length uint32) ([]byte, error) {
	data := make([]byte, length)
	absStart := int64(pieceIdx)*s.pieceLen + int64(begin)
	if err := s.ioAt(absStart, data, false); err != nil {
		return nil, err
	}
	return data, nil
}

// WritePiece satisfies piece.FileStore, persisting a freshly-verified
// piece's full bytes to disk.
func (s *Store) WritePiece(pieceIdx uint32, data []byte) error {
	absStart := int64(pieceIdx) * s.pieceLen
	return s.ioAt(absStart, data, true)
}

// ioAt windows a read or write of data starting at the linear offset absStart
// across every file it overlaps.
func (s *Store) ioAt(absStart int64, data []byte, write bool) error {
	absEnd := absStart + int64(len(data))

	for _, file := range s.files {
		fileStart := file.offset
		fileEnd := fileStart + file.length

		overlapStart := max(absStart, fileStart)
		overlapEnd := min(absEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		length := overlapEnd - overlapStart
		offsetInFile := overlapStart - fileStart
		offsetInData := overlapStart - absStart

		var n int
		var err error
		if write {
			n, err = file.f.WriteAt(data[offsetInData:offsetInData+length], offsetInFile)
		} else {
			n, err = file.f.ReadAt(data[offsetInData:offsetInData+length], offsetInFile)
		}
		if err != nil {
			return fmt.Errorf("storage: io error on %s: %w", file.path, err)
		}
		if int64(n) != length {
			return fmt.Errorf(
				"storage: incomplete io on %s: got %d want %d",
				file.path, n, length,
			)
		}
	}

	return nil
}

func setupFiles(metainfo *meta.Metainfo, downloadDir string) ([]*datafile, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, err
	}

	var (
		currentOffset int64
		datafiles     []*datafile
	)

	if metainfo.Info.Length > 0 {
		fp := filepath.Join(downloadDir, metainfo.Info.Name)
		mapping, err := createFileMapping(fp, metainfo.Info.Length, currentOffset)
		if err != nil {
			return nil, err
		}

		datafiles = append(datafiles, mapping)
		return datafiles, nil
	}

	for _, file := range metainfo.Info.Files {
		fp := filepath.Join(downloadDir, metainfo.Info.Name)
		for _, pathPart := range file.Path {
			fp = filepath.Join(fp, pathPart)
		}

		mapping, err := createFileMapping(fp, file.Length, currentOffset)
		if err != nil {
			return nil, err
		}

		datafiles = append(datafiles, mapping)
		currentOffset += file.Length
	}

	return datafiles, nil
}

func createFileMapping(path string, size, offset int64) (*datafile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, err
	}

	return &datafile{path: path, length: size, offset: offset, f: file}, nil
}
