package storage

import (
	"encoding/binary"
	"io"
	"os"
)

// ResumeLog is an append-only record of verified piece indices, written as
// little-endian uint32s, letting a restart skip re-hashing pieces already
// on disk.
type ResumeLog struct {
	f *os.File
}

// OpenResumeLog opens path for appending, creating it if it doesn't exist.
func OpenResumeLog(path string) (*ResumeLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &ResumeLog{f: f}, nil
}

func (r *ResumeLog) Close() error { return r.f.Close() }

// AppendPiece records pieceIdx as verified.
func (r *ResumeLog) AppendPiece(pieceIdx uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], pieceIdx)
	_, err := r.f.Write(buf[:])
	return err
}

// ReadResume replays every piece index previously appended to path. A
// missing file yields no entries; a truncated trailing record left by a
// crash mid-write is ignored rather than treated as an error.
func ReadResume(path string) ([]uint32, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []uint32
	var buf [4]byte
	for {
		if _, err := io.ReadFull(f, buf[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, err
		}
		out = append(out, binary.LittleEndian.Uint32(buf[:]))
	}
	return out, nil
}
