package manifest

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jaa/mod-launcher/internal/fileops"
)

const DefaultPieceLength = 256 * 1024

// Build creates torrent metainfo for the mod folder dir. Files are ordered by
// slash-separated path so rebuilding identical content yields the same info
// hash.
func Build(ctx context.Context, dir string, pieceLength int64) (*Metainfo, error) {
	if pieceLength <= 0 {
		pieceLength = DefaultPieceLength
	}
	root := filepath.Clean(dir)
	name := filepath.Base(root)

	var rels []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(rels) == 0 {
		return nil, fmt.Errorf("mod folder %s has no files", dir)
	}
	sort.Strings(rels)

	hasher := &pieceHasher{pieceLength: pieceLength, hash: sha1.New()}
	info := Info{Name: name, PieceLength: pieceLength}
	for _, rel := range rels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := hashFile(filepath.Join(root, filepath.FromSlash(rel)), hasher)
		if err != nil {
			return nil, err
		}
		info.Files = append(info.Files, FileEntry{Length: n, Path: strings.Split(rel, "/")})
	}
	info.Pieces = hasher.finish()

	return &Metainfo{
		Info:         info,
		CreatedBy:    "modl",
		CreationDate: time.Now().Unix(),
	}, nil
}

func hashFile(p string, w io.Writer) (int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}

type pieceHasher struct {
	pieceLength int64
	filled      int64
	hash        interface {
		io.Writer
		Sum([]byte) []byte
		Reset()
	}
	pieces []byte
}

func (h *pieceHasher) Write(p []byte) (int, error) {
	written := len(p)
	for len(p) > 0 {
		room := h.pieceLength - h.filled
		chunk := p
		if int64(len(chunk)) > room {
			chunk = chunk[:room]
		}
		_, _ = h.hash.Write(chunk)
		h.filled += int64(len(chunk))
		p = p[len(chunk):]
		if h.filled == h.pieceLength {
			h.pieces = h.hash.Sum(h.pieces)
			h.hash.Reset()
			h.filled = 0
		}
	}
	return written, nil
}

func (h *pieceHasher) finish() string {
	if h.filled > 0 {
		h.pieces = h.hash.Sum(h.pieces)
		h.hash.Reset()
		h.filled = 0
	}
	return string(h.pieces)
}

type PublishOptions struct {
	// ModDirs are the mod folders to publish; each folder name becomes the
	// mod name.
	ModDirs     []string
	OutDir      string
	Version     string
	MinVersion  string
	PieceLength int64
	WebSeedURL  string
}

// Publish writes metadata.json and one torrent per mod into OutDir, the
// layout served by the mirror.
func Publish(ctx context.Context, opts PublishOptions) (Manifest, error) {
	if len(opts.ModDirs) == 0 {
		return Manifest{}, errors.New("no mod folders to publish")
	}
	torrentsDir := filepath.Join(opts.OutDir, "torrents")
	if err := os.MkdirAll(torrentsDir, 0o755); err != nil {
		return Manifest{}, err
	}

	m := Manifest{Launcher: Launcher{MinVersion: opts.MinVersion}}
	for _, dir := range opts.ModDirs {
		mi, err := Build(ctx, dir, opts.PieceLength)
		if err != nil {
			return Manifest{}, err
		}
		if opts.WebSeedURL != "" {
			mi.URLList = []string{strings.TrimRight(opts.WebSeedURL, "/") + "/"}
		}
		name := mi.Info.Name
		torrentName := name + ".torrent"
		if opts.Version != "" {
			torrentName = fmt.Sprintf("%s-%s.torrent", name, opts.Version)
		}
		if err := writeTorrent(filepath.Join(torrentsDir, torrentName), mi); err != nil {
			return Manifest{}, err
		}
		m.Mods = append(m.Mods, Mod{
			ID:      strings.TrimPrefix(name, "@"),
			Name:    name,
			Version: opts.Version,
			Torrent: torrentName,
		})
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Manifest{}, err
	}
	if err := fileops.WriteFileAtomically(filepath.Join(opts.OutDir, "metadata.json"), append(data, '\n'), 0o644); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func writeTorrent(p string, mi *Metainfo) error {
	var buf strings.Builder
	if err := mi.Write(&buf); err != nil {
		return err
	}
	return fileops.WriteFileAtomically(p, []byte(buf.String()), 0o644)
}
