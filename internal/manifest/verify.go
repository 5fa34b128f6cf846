package manifest

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"io"
	"io/fs"
	"os"
)

type Report struct {
	Pieces       int
	BadPieces    []int
	BadFiles     []File
	MissingBytes int64
}

func (r Report) UpToDate() bool {
	return len(r.BadFiles) == 0
}

// Verify hashes the local copy of the torrent payload under modsDir piece by
// piece. A file is bad when its size differs from the torrent or when it
// overlaps a piece whose hash does not match. onPiece, when set, is called
// after each piece.
func Verify(ctx context.Context, mi *Metainfo, modsDir string, onPiece func(done, total int)) (Report, error) {
	files := mi.Files()
	total := mi.NumPieces()
	report := Report{Pieces: total}

	bad := make(map[int]bool)
	sizeOK := make([]bool, len(files))
	handles := make([]*os.File, len(files))
	defer func() {
		for _, h := range handles {
			if h != nil {
				h.Close()
			}
		}
	}()
	for i, f := range files {
		st, err := os.Stat(f.LocalPath(modsDir))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return Report{}, err
			}
			continue
		}
		if !st.Mode().IsRegular() {
			continue
		}
		sizeOK[i] = st.Size() == f.Length
		if h, err := os.Open(f.LocalPath(modsDir)); err == nil {
			handles[i] = h
		}
	}

	pl := mi.Info.PieceLength
	length := mi.TotalLength()
	buf := make([]byte, pl)
	for piece := 0; piece < total; piece++ {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		start := int64(piece) * pl
		size := pl
		if start+size > length {
			size = length - start
		}
		if !readPiece(files, handles, start, buf[:size]) {
			bad[piece] = true
		} else if sum := sha1.Sum(buf[:size]); !bytes.Equal(sum[:], mi.pieceHash(piece)) {
			bad[piece] = true
		}
		if onPiece != nil {
			onPiece(piece+1, total)
		}
	}

	for piece := 0; piece < total; piece++ {
		if bad[piece] {
			report.BadPieces = append(report.BadPieces, piece)
		}
	}
	for i, f := range files {
		broken := !sizeOK[i]
		first, last := mi.pieceRange(f)
		for p := first; p <= last && !broken; p++ {
			broken = bad[p]
		}
		if broken {
			report.BadFiles = append(report.BadFiles, f)
			report.MissingBytes += f.Length
		}
	}
	return report, nil
}

// readPiece fills buf with the payload bytes starting at offset. It reports
// false when any overlapping file is missing or short.
func readPiece(files []File, handles []*os.File, offset int64, buf []byte) bool {
	end := offset + int64(len(buf))
	for i, f := range files {
		fEnd := f.Offset + f.Length
		if fEnd <= offset || f.Offset >= end || f.Length == 0 {
			continue
		}
		if handles[i] == nil {
			return false
		}
		from := max(offset, f.Offset)
		to := min(end, fEnd)
		n, err := handles[i].ReadAt(buf[from-offset:to-offset], from-f.Offset)
		if int64(n) != to-from || (err != nil && !errors.Is(err, io.EOF)) {
			return false
		}
	}
	return true
}
