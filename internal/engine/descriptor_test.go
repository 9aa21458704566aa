package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMagnet(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		hash    string
		dn      string
		wantErr bool
	}{
		{
			name: "hex hash",
			uri:  "magnet:?xt=urn:btih:0123456789ABCDEF0123456789ABCDEF01234567&dn=Some+Movie",
			hash: testHash,
			dn:   "Some Movie",
		},
		{
			name: "base32 hash",
			uri:  "magnet:?xt=urn:btih:AERUKZ4JVPG66AJDIVTYTK6N54ASGRLH",
			hash: testHash,
		},
		{name: "wrong scheme", uri: "http://example.com/file.torrent", wantErr: true},
		{name: "missing xt", uri: "magnet:?dn=nothing", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseMagnet(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.hash, m.InfoHash)
			assert.Equal(t, tt.dn, m.DisplayName)
		})
	}
}

func TestDescriptorIdentity(t *testing.T) {
	t.Run("magnet", func(t *testing.T) {
		id, name, err := Descriptor{URI: testMagnet("Ubuntu ISO")}.Identity()
		require.NoError(t, err)
		assert.Equal(t, testHash, id)
		assert.Equal(t, "Ubuntu ISO", name)
	})

	t.Run("magnet without btih falls back to digest", func(t *testing.T) {
		d := Descriptor{URI: "magnet:?xt=urn:sha1:abc"}
		id1, _, err := d.Identity()
		require.NoError(t, err)
		id2, _, _ := d.Identity()
		assert.Len(t, id1, 40)
		assert.Equal(t, id1, id2)
	})

	t.Run("torrent file", func(t *testing.T) {
		data, hash := buildTorrent(t, "payload.bin", 40000)
		id, name, err := Descriptor{Torrent: data, FileName: "upload.torrent"}.Identity()
		require.NoError(t, err)
		assert.Equal(t, hash, id)
		assert.Equal(t, "payload.bin", name)
	})

	t.Run("garbage file uses file name", func(t *testing.T) {
		id, name, err := Descriptor{Torrent: []byte("not bencode"), FileName: "dir/My Show.torrent"}.Identity()
		require.NoError(t, err)
		assert.Len(t, id, 40)
		assert.Equal(t, "My Show", name)
	})

	t.Run("empty", func(t *testing.T) {
		_, _, err := Descriptor{}.Identity()
		assert.ErrorIs(t, err, ErrBadDescriptor)
	})
}

func TestParseTorrentRejectsGarbage(t *testing.T) {
	_, err := ParseTorrent([]byte("d4:spam"))
	assert.ErrorIs(t, err, ErrBadDescriptor)
}

func TestPlaceholderName(t *testing.T) {
	assert.Equal(t, "Loading... 01234567", PlaceholderName(testHash))
	assert.Equal(t, "Loading... abc", PlaceholderName("abc"))
}
