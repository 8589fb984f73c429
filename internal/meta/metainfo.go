// Package meta parses and serializes the metainfo (.torrent) format: a
// bencoded dictionary naming the announce URL and an info sub-dictionary
// describing the file being shared.
package meta

import (
	"crypto/sha1"
	"fmt"
	"time"

	"github.com/lanswarm/lanswarm/internal/bencode"
	"github.com/lanswarm/lanswarm/internal/cast"
	"github.com/lanswarm/lanswarm/internal/xerrors"
)

// Metainfo is the immutable, parsed form of a .torrent file.
type Metainfo struct {
	Info         *Info
	Announce     string
	AnnounceList [][]string
	CreationDate time.Time
	CreatedBy    string
	Comment      string

	// InfoHash is the SHA-1 of the canonical bencoding of Info, taken over
	// the literal bytes of the source file's info dictionary when available
	// (see ParseMetainfo), because metainfo produced by other tools may have
	// non-canonical quirks that still round-trip.
	InfoHash [sha1.Size]byte
}

// Info describes the file(s) covered by a torrent: its name, the piece
// length used for hashing, and the concatenated piece digests.
type Info struct {
	Name        string
	PieceLength int32
	Pieces      [][sha1.Size]byte
	Length      int64
	Files       []*File
}

// File is one entry of a multi-file torrent's layout.
type File struct {
	Length int64
	Path   []string
}

// TotalLength returns the sum of all bytes the torrent describes, whether
// laid out as a single file or several.
func (i *Info) TotalLength() int64 {
	if len(i.Files) == 0 {
		return i.Length
	}

	var sum int64
	for _, f := range i.Files {
		sum += f.Length
	}
	return sum
}

// PieceCount returns ceil(TotalLength / PieceLength).
func (i *Info) PieceCount() int {
	total, plen := i.TotalLength(), int64(i.PieceLength)
	if total <= 0 || plen <= 0 {
		return 0
	}
	return int((total + plen - 1) / plen)
}

func malformed(format string, args ...any) error {
	return &xerrors.MalformedMetainfo{Err: fmt.Errorf(format, args...)}
}

// ParseMetainfo decodes a .torrent file's bytes into a Metainfo record.
// Any structural defect — missing keys, wrong types, a pieces length that
// isn't a multiple of 20 — is reported as a MalformedMetainfo error.
func ParseMetainfo(data []byte) (*Metainfo, error) {
	d := bencode.NewDecoder(data)
	root, spans, err := d.DecodeDictWithSpans()
	if err != nil {
		return nil, malformed("%w", err)
	}

	announce, err := parseOptionalString(root["announce"])
	if err != nil {
		return nil, malformed("announce: %w", err)
	}
	announceList, err := parseAnnounceList(root["announce-list"])
	if err != nil {
		return nil, malformed("%w", err)
	}
	if announce == "" && len(announceList) == 0 {
		return nil, malformed("both announce and announce-list missing")
	}

	var creationDate time.Time
	if v, ok := root["creation date"]; ok {
		secs, err := cast.ToInt(v)
		if err != nil || secs < 0 {
			return nil, malformed("invalid creation date")
		}
		creationDate = time.Unix(secs, 0).UTC()
	}

	createdBy, err := parseOptionalString(root["created by"])
	if err != nil {
		return nil, malformed("created by: %w", err)
	}
	comment, err := parseOptionalString(root["comment"])
	if err != nil {
		return nil, malformed("comment: %w", err)
	}

	infoVal, ok := root["info"]
	if !ok {
		return nil, malformed("'info' missing")
	}
	info, err := parseInfo(infoVal)
	if err != nil {
		return nil, err
	}

	// Hash the literal bytes of the info dictionary as they appeared in the
	// source file, rather than a re-encoded copy: other implementations may
	// emit non-canonical-but-valid bencoding, and the identity of a torrent
	// must match what every other client computes from the same file.
	span, ok := spans["info"]
	if !ok {
		return nil, malformed("'info' span missing")
	}
	infoHash := sha1.Sum(data[span[0]:span[1]])

	return &Metainfo{
		Info:         info,
		InfoHash:     infoHash,
		Announce:     announce,
		AnnounceList: announceList,
		CreationDate: creationDate,
		CreatedBy:    createdBy,
		Comment:      comment,
	}, nil
}

func parseInfo(anyInfo any) (*Info, error) {
	dict, ok := anyInfo.(map[string]any)
	if !ok {
		return nil, malformed("'info' is not a dict")
	}

	var (
		out Info
		err error
	)

	nameVal, ok := dict["name"]
	if !ok {
		return nil, malformed("'info' name missing")
	}
	out.Name, err = cast.ToString(nameVal)
	if err != nil || out.Name == "" {
		return nil, malformed("invalid 'name': %v", err)
	}

	plVal, ok := dict["piece length"]
	if !ok {
		return nil, malformed("'info' piece length missing")
	}
	plen, err := cast.ToInt(plVal)
	if err != nil || plen <= 0 {
		return nil, malformed("'info' piece length must be > 0")
	}
	out.PieceLength = int32(plen)

	out.Pieces, err = parsePieces(dict["pieces"])
	if err != nil {
		return nil, err
	}

	lengthVal, hasLength := dict["length"]
	filesVal, hasFiles := dict["files"]

	switch {
	case hasLength && !hasFiles:
		length, err := cast.ToInt(lengthVal)
		if err != nil || length < 1 {
			return nil, malformed("invalid 'length'")
		}
		out.Length = length

	case hasFiles && !hasLength:
		out.Files, err = parseFiles(filesVal)
		if err != nil {
			return nil, err
		}
	default:
		return nil, malformed("invalid single/multi-file layout")
	}

	expectPieces := out.expectedPieceCount()
	if expectPieces != len(out.Pieces) {
		return nil, malformed(
			"'pieces' has %d digests, expected %d for the declared length",
			len(out.Pieces), expectPieces,
		)
	}

	return &out, nil
}

func (i *Info) expectedPieceCount() int {
	total := i.Length
	for _, f := range i.Files {
		total += f.Length
	}
	if total <= 0 || i.PieceLength <= 0 {
		return 0
	}
	return int((total + int64(i.PieceLength) - 1) / int64(i.PieceLength))
}

func parseFiles(v any) ([]*File, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, malformed("invalid or empty 'files'")
	}

	files := make([]*File, 0, len(arr))
	for idx, it := range arr {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, malformed("files[%d]: not a dict", idx)
		}

		fl, ok := m["length"]
		if !ok {
			return nil, malformed("files[%d]: length missing", idx)
		}
		ln, err := cast.ToInt(fl)
		if err != nil || ln < 0 {
			return nil, malformed("files[%d]: invalid length", idx)
		}

		rawPath, ok := m["path"]
		if !ok {
			return nil, malformed("files[%d]: path missing", idx)
		}
		segments, err := cast.ToStringSlice(rawPath)
		if err != nil || len(segments) == 0 {
			return nil, malformed("files[%d]: invalid path", idx)
		}

		files = append(files, &File{Length: ln, Path: segments})
	}

	return files, nil
}

func parseAnnounceList(v any) ([][]string, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, malformed("invalid announce-list")
	}

	out := make([][]string, 0, len(raw))
	for i, t := range raw {
		tier, ok := t.([]any)
		if !ok {
			return nil, malformed("announce-list tier %d: not a list", i)
		}
		ss, err := cast.ToStringSlice(tier)
		if err != nil {
			return nil, malformed("announce-list tier %d: %w", i, err)
		}
		if len(ss) > 0 {
			out = append(out, ss)
		}
	}
	return out, nil
}

func parseOptionalString(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	return cast.ToString(v)
}

func parsePieces(v any) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, malformed("'info' pieces missing")
	}

	raw, err := cast.ToBytes(v)
	if err != nil {
		return nil, malformed("'pieces': %w", err)
	}
	if len(raw)%sha1.Size != 0 {
		return nil, malformed("'info' pieces length not a multiple of 20")
	}

	n := len(raw) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], raw[i*sha1.Size:(i+1)*sha1.Size])
	}
	return out, nil
}

// Encode serializes m back into canonical bencoded bytes. The info
// sub-dictionary is re-encoded canonically, so Encode(Parse(x)) is not
// guaranteed byte-identical to x when x used non-canonical (but valid)
// bencoding — only InfoHash, computed from the original bytes, is stable
// across tools.
func (m *Metainfo) Encode() ([]byte, error) {
	info := map[string]any{
		"name":         m.Info.Name,
		"piece length": int64(m.Info.PieceLength),
		"pieces":       string(flattenPieces(m.Info.Pieces)),
	}
	if len(m.Info.Files) > 0 {
		files := make([]any, len(m.Info.Files))
		for i, f := range m.Info.Files {
			path := make([]any, len(f.Path))
			for j, seg := range f.Path {
				path[j] = seg
			}
			files[i] = map[string]any{"length": f.Length, "path": path}
		}
		info["files"] = files
	} else {
		info["length"] = m.Info.Length
	}

	root := map[string]any{
		"announce": m.Announce,
		"info":     info,
	}
	if m.Comment != "" {
		root["comment"] = m.Comment
	}
	if m.CreatedBy != "" {
		root["created by"] = m.CreatedBy
	}
	if !m.CreationDate.IsZero() {
		root["creation date"] = m.CreationDate.Unix()
	}
	if len(m.AnnounceList) > 0 {
		tiers := make([]any, len(m.AnnounceList))
		for i, tier := range m.AnnounceList {
			urls := make([]any, len(tier))
			for j, u := range tier {
				urls[j] = u
			}
			tiers[i] = urls
		}
		root["announce-list"] = tiers
	}

	return bencode.Marshal(root)
}

func flattenPieces(pieces [][sha1.Size]byte) []byte {
	out := make([]byte, len(pieces)*sha1.Size)
	for i, p := range pieces {
		copy(out[i*sha1.Size:], p[:])
	}
	return out
}
