// Package manifest parses HLS media playlists into the ordered segment
// sequence consumed by the download pipeline.
package manifest

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"
)

// SegmentDescriptor identifies one fetchable media segment. Descriptors are
// immutable after parse.
type SegmentDescriptor struct {
	// Seq is the media sequence number, used to order segments and to
	// derive the decryption IV when the playlist carries none.
	Seq uint64
	// URI is the absolute segment location.
	URI string
	// ByteLength is the declared segment size from #EXT-X-BYTERANGE,
	// or 0 when unknown.
	ByteLength int64
	// IV is the explicit initialization vector from #EXT-X-KEY, or nil
	// when the IV must be derived from Seq.
	IV []byte
}

// Manifest is a parsed media playlist: an ordered run of segments with
// strictly increasing, contiguous sequence numbers.
type Manifest struct {
	Segments       []SegmentDescriptor
	KeyURI         string
	MediaSequence  uint64
	TargetDuration float64
	TotalDuration  float64

	// VariantURI is set instead of Segments when the input was a master
	// playlist: it points at the highest-bandwidth media playlist, which
	// must be fetched and parsed in turn.
	VariantURI string
}

// IsMaster reports whether the parsed input was a master playlist.
func (m *Manifest) IsMaster() bool {
	return m.VariantURI != ""
}

// ParseError indicates a playlist that could not be understood.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "manifest parse: " + e.Reason
}

// Parse decodes an HLS playlist. Relative URIs are resolved against base.
// Master playlists are reduced to their best variant (see VariantURI);
// media playlists yield the full segment sequence plus the key reference.
func Parse(data []byte, base *url.URL) (*Manifest, error) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), true)
	if err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}

	switch listType {
	case m3u8.MASTER:
		return parseMaster(playlist.(*m3u8.MasterPlaylist), base)
	case m3u8.MEDIA:
		return parseMedia(playlist.(*m3u8.MediaPlaylist), base)
	default:
		return nil, &ParseError{Reason: "unknown playlist type"}
	}
}

// parseMaster selects the highest-bandwidth variant.
func parseMaster(master *m3u8.MasterPlaylist, base *url.URL) (*Manifest, error) {
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	if best == nil {
		return nil, &ParseError{Reason: "master playlist has no variants"}
	}
	uri, err := resolve(best.URI, base)
	if err != nil {
		return nil, err
	}
	return &Manifest{VariantURI: uri}, nil
}

func parseMedia(media *m3u8.MediaPlaylist, base *url.URL) (*Manifest, error) {
	man := &Manifest{
		MediaSequence:  media.SeqNo,
		TargetDuration: media.TargetDuration,
	}

	keyURI, globalIV, err := keyFrom(media.Key, base)
	if err != nil {
		return nil, err
	}
	man.KeyURI = keyURI

	for i, seg := range media.Segments {
		if seg == nil {
			break
		}
		uri, err := resolve(seg.URI, base)
		if err != nil {
			return nil, err
		}

		iv := globalIV
		if seg.Key != nil {
			segKeyURI, segIV, err := keyFrom(seg.Key, base)
			if err != nil {
				return nil, err
			}
			if man.KeyURI == "" {
				man.KeyURI = segKeyURI
			} else if segKeyURI != "" && segKeyURI != man.KeyURI {
				return nil, &ParseError{Reason: "playlist rotates keys mid-stream, which is not supported"}
			}
			if segIV != nil {
				iv = segIV
			}
		}

		want := media.SeqNo + uint64(i)
		if seg.SeqId != 0 && seg.SeqId != want {
			return nil, &ParseError{Reason: fmt.Sprintf("segment sequence not contiguous: got %d, want %d", seg.SeqId, want)}
		}

		man.Segments = append(man.Segments, SegmentDescriptor{
			Seq:        want,
			URI:        uri,
			ByteLength: seg.Limit,
			IV:         iv,
		})
		man.TotalDuration += seg.Duration
	}

	if len(man.Segments) == 0 {
		return nil, &ParseError{Reason: "playlist has no segments"}
	}
	return man, nil
}

// keyFrom extracts the key URI and optional explicit IV from an
// #EXT-X-KEY tag. METHOD=NONE yields an empty URI.
func keyFrom(key *m3u8.Key, base *url.URL) (string, []byte, error) {
	if key == nil || strings.EqualFold(key.Method, "NONE") {
		return "", nil, nil
	}
	if !strings.EqualFold(key.Method, "AES-128") {
		return "", nil, &ParseError{Reason: "unsupported key method " + key.Method}
	}
	uri, err := resolve(key.URI, base)
	if err != nil {
		return "", nil, err
	}
	if key.IV == "" {
		return uri, nil, nil
	}
	raw := strings.TrimPrefix(strings.TrimPrefix(key.IV, "0x"), "0X")
	iv, decErr := hex.DecodeString(raw)
	if decErr != nil || len(iv) != 16 {
		return "", nil, &ParseError{Reason: "malformed IV attribute " + key.IV}
	}
	return uri, iv, nil
}

func resolve(uri string, base *url.URL) (string, error) {
	if uri == "" {
		return "", &ParseError{Reason: "empty URI in playlist"}
	}
	ref, err := url.Parse(uri)
	if err != nil {
		return "", &ParseError{Reason: "bad URI " + uri}
	}
	if ref.IsAbs() || base == nil {
		return ref.String(), nil
	}
	return base.ResolveReference(ref).String(), nil
}

// DeriveIV builds the implicit per-segment IV: the sequence number as a
// left-padded big-endian 16-byte value. This must match the origin's
// convention exactly; a wrong IV produces silently corrupted output.
func DeriveIV(seq uint64) []byte {
	iv := make([]byte, 16)
	binary.BigEndian.PutUint64(iv[8:], seq)
	return iv
}

// IVFor returns the IV to decrypt a segment with: the explicit playlist
// IV when present, otherwise the derived one.
func IVFor(d SegmentDescriptor) []byte {
	if len(d.IV) == 16 {
		return d.IV
	}
	return DeriveIV(d.Seq)
}
