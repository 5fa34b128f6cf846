package manifest

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/jackpal/bencode-go"
)

const hashLen = sha1.Size

type FileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// Info is the torrent info dictionary.
type Info struct {
	Pieces      string      `bencode:"pieces"`
	PieceLength int64       `bencode:"piece length"`
	Name        string      `bencode:"name"`
	Length      int64       `bencode:"length,omitempty"`
	Files       []FileEntry `bencode:"files,omitempty"`
}

// Metainfo is a bencoded .torrent file.
type Metainfo struct {
	Announce     string   `bencode:"announce,omitempty"`
	URLList      []string `bencode:"url-list,omitempty"`
	Info         Info     `bencode:"info"`
	Comment      string   `bencode:"comment,omitempty"`
	CreatedBy    string   `bencode:"created by,omitempty"`
	CreationDate int64    `bencode:"creation date,omitempty"`
}

func ReadMetainfo(r io.Reader) (*Metainfo, error) {
	var mi Metainfo
	if err := bencode.Unmarshal(r, &mi); err != nil {
		return nil, fmt.Errorf("failed to bdecode torrent: %w", err)
	}
	if err := mi.validate(); err != nil {
		return nil, err
	}
	return &mi, nil
}

func OpenMetainfo(filePath string) (*Metainfo, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open torrent file %s: %w", filePath, err)
	}
	defer file.Close()
	return ReadMetainfo(file)
}

func (mi *Metainfo) Write(w io.Writer) error {
	return bencode.Marshal(w, *mi)
}

func (mi *Metainfo) validate() error {
	info := mi.Info
	if info.PieceLength <= 0 {
		return fmt.Errorf("invalid piece length: %d", info.PieceLength)
	}
	if info.Name == "" || strings.ContainsAny(info.Name, `/\`) || info.Name == ".." {
		return fmt.Errorf("invalid torrent name %q", info.Name)
	}
	if len(info.Pieces)%hashLen != 0 {
		return fmt.Errorf("malformed pieces string: length %d is not a multiple of %d", len(info.Pieces), hashLen)
	}
	for _, f := range info.Files {
		if f.Length < 0 {
			return fmt.Errorf("invalid file length %d", f.Length)
		}
		for _, part := range f.Path {
			if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
				return fmt.Errorf("unsafe path component %q", part)
			}
		}
	}
	total := mi.TotalLength()
	want := (total + info.PieceLength - 1) / info.PieceLength
	if int64(mi.NumPieces()) != want {
		return fmt.Errorf("torrent %s has %d bytes but %d piece hashes", info.Name, total, mi.NumPieces())
	}
	return nil
}

// InfoHash is the hex SHA-1 of the bencoded info dictionary.
func (mi *Metainfo) InfoHash() (string, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, mi.Info); err != nil {
		return "", fmt.Errorf("failed to bencode info dict for hashing: %w", err)
	}
	sum := sha1.Sum(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

func (mi *Metainfo) NumPieces() int {
	return len(mi.Info.Pieces) / hashLen
}

func (mi *Metainfo) pieceHash(i int) []byte {
	return []byte(mi.Info.Pieces[i*hashLen : (i+1)*hashLen])
}

func (mi *Metainfo) TotalLength() int64 {
	if len(mi.Info.Files) == 0 {
		return mi.Info.Length
	}
	var total int64
	for _, f := range mi.Info.Files {
		total += f.Length
	}
	return total
}

// File is one payload file with its place in the piece stream.
type File struct {
	// Rel is the slash-separated path relative to the mod folder's parent,
	// starting with the torrent name.
	Rel    string
	Offset int64
	Length int64
}

func (mi *Metainfo) Files() []File {
	if len(mi.Info.Files) == 0 {
		return []File{{Rel: mi.Info.Name, Length: mi.Info.Length}}
	}
	files := make([]File, 0, len(mi.Info.Files))
	var offset int64
	for _, f := range mi.Info.Files {
		rel := path.Join(append([]string{mi.Info.Name}, f.Path...)...)
		files = append(files, File{Rel: rel, Offset: offset, Length: f.Length})
		offset += f.Length
	}
	return files
}

// LocalPath maps a file to its location below modsDir.
func (f File) LocalPath(modsDir string) string {
	return filepath.Join(modsDir, filepath.FromSlash(f.Rel))
}

// pieceRange returns the piece indexes a file overlaps.
func (mi *Metainfo) pieceRange(f File) (first, last int) {
	pl := mi.Info.PieceLength
	if f.Length == 0 {
		return -1, -2
	}
	return int(f.Offset / pl), int((f.Offset + f.Length - 1) / pl)
}
