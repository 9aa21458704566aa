package engine

import (
	"bytes"
	"crypto/sha1"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
)

// Magnet holds the fields of a magnet URI the orchestrator cares about.
type Magnet struct {
	InfoHash    string
	DisplayName string
	Trackers    []string
}

// ParseMagnet extracts the btih info hash (hex or base32), display name and
// trackers from a magnet URI.
func ParseMagnet(uri string) (Magnet, error) {
	parsed, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return Magnet{}, err
	}
	if parsed.Scheme != "magnet" {
		return Magnet{}, fmt.Errorf("invalid magnet URI scheme")
	}
	values, err := url.ParseQuery(parsed.RawQuery)
	if err != nil {
		return Magnet{}, err
	}

	m := Magnet{
		DisplayName: strings.TrimSpace(values.Get("dn")),
		Trackers:    values["tr"],
	}
	for _, xt := range values["xt"] {
		if !strings.HasPrefix(strings.ToLower(xt), "urn:btih:") {
			continue
		}
		hash := strings.TrimSpace(xt[len("urn:btih:"):])
		if len(hash) == 0 {
			continue
		}
		if len(hash) == 40 {
			if _, err := hex.DecodeString(hash); err == nil {
				m.InfoHash = strings.ToLower(hash)
				return m, nil
			}
		}

		encoding := base32.StdEncoding.WithPadding(base32.NoPadding)
		decoded, err := encoding.DecodeString(strings.TrimRight(strings.ToUpper(hash), "="))
		if err != nil || len(decoded) != 20 {
			continue
		}
		m.InfoHash = hex.EncodeToString(decoded)
		return m, nil
	}

	return Magnet{}, fmt.Errorf("btih magnet xt not present")
}

// InfoHashFromMagnet returns the lowercase hex info hash of a magnet URI.
func InfoHashFromMagnet(uri string) (string, error) {
	m, err := ParseMagnet(uri)
	if err != nil {
		return "", err
	}
	return m.InfoHash, nil
}

// MagnetURI builds a minimal magnet link for an info hash.
func MagnetURI(hash, name string) string {
	v := url.Values{}
	v.Set("xt", "urn:btih:"+hash)
	if name != "" {
		v.Set("dn", name)
	}
	return "magnet:?" + v.Encode()
}

// TorrentFile is a parsed .torrent payload.
type TorrentFile struct {
	MetaInfo *metainfo.MetaInfo
	Info     metainfo.Info
	InfoHash string
}

// ParseTorrent decodes .torrent bytes.
func ParseTorrent(data []byte) (*TorrentFile, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty torrent data", ErrBadDescriptor)
	}
	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDescriptor, err)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDescriptor, err)
	}
	return &TorrentFile{
		MetaInfo: mi,
		Info:     info,
		InfoHash: mi.HashInfoBytes().HexString(),
	}, nil
}

// Identity derives the job id and a display name for d without contacting
// the engine. Magnets without a btih and unparseable files fall back to a
// SHA-1 of the raw input so that the id is still stable.
func (d Descriptor) Identity() (id, name string, err error) {
	switch {
	case d.URI != "":
		m, perr := ParseMagnet(d.URI)
		if perr != nil {
			if !strings.HasPrefix(strings.TrimSpace(d.URI), "magnet:") {
				return "", "", fmt.Errorf("%w: %v", ErrBadDescriptor, perr)
			}
			sum := sha1.Sum([]byte(d.URI))
			return hex.EncodeToString(sum[:]), "", nil
		}
		return m.InfoHash, m.DisplayName, nil
	case len(d.Torrent) > 0:
		name = strings.TrimSuffix(filepath.Base(d.FileName), filepath.Ext(d.FileName))
		if tf, perr := ParseTorrent(d.Torrent); perr == nil {
			if best := tf.Info.BestName(); best != "" {
				name = best
			}
			return tf.InfoHash, name, nil
		}
		sum := sha1.Sum(d.Torrent)
		return hex.EncodeToString(sum[:]), name, nil
	}
	return "", "", fmt.Errorf("%w: descriptor has neither uri nor torrent data", ErrBadDescriptor)
}

// PlaceholderName is shown until metadata has been fetched.
func PlaceholderName(id string) string {
	return "Loading... " + shortID(id)
}
