package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riffbeam/engine/internal/ident"
)

func testStemID(b byte) ident.StemId {
	var id ident.StemId
	id[0] = b
	return id
}

func TestCachePathIsShardedByFirstByte(t *testing.T) {
	f := NewCDNFetcher(t.TempDir(), "http://example.invalid", 10, 44100)
	id := testStemID(0xab)
	path := f.cachePath(id)
	require.Equal(t, filepath.Join(f.cacheRoot, "ab", id.String()), path)
}

func TestDecodeBytesRejectsUnknownFormatSilently(t *testing.T) {
	id := testStemID(1)
	s := decodeBytes(id, []byte("not audio"), 44100)
	require.True(t, s.Failed)
}

func TestDecodeBytesTooShortIsSilent(t *testing.T) {
	id := testStemID(2)
	s := decodeBytes(id, []byte{1, 2}, 44100)
	require.True(t, s.Failed)
}

func TestDecodeContextReadsFromDiskCacheWithoutNetwork(t *testing.T) {
	root := t.TempDir()
	f := NewCDNFetcher(root, "http://must-not-be-called.invalid", 10, 44100)
	id := testStemID(3)
	path := f.cachePath(id)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("garbage-not-real-audio"), 0o644))

	s, err := f.Decode(id)
	require.NoError(t, err)
	require.True(t, s.Failed) // garbage bytes sniff to an unknown format, so silent
}

func TestDecodeContextFetchesAndCachesOnMiss(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("not-real-audio-but-present"))
	}))
	defer srv.Close()

	root := t.TempDir()
	f := NewCDNFetcher(root, srv.URL, 100, 44100)
	id := testStemID(4)

	s, err := f.DecodeContext(context.Background(), id)
	require.NoError(t, err)
	require.True(t, s.Failed) // not real FLAC/OGG, but fetch+cache path exercised
	require.Equal(t, 1, hits)

	require.FileExists(t, f.cachePath(id))

	// Second call must hit the disk cache, not the network again.
	_, err = f.DecodeContext(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 1, hits)
}

func TestDecodeContextNetworkFailureYieldsSilentStemNotError(t *testing.T) {
	root := t.TempDir()
	f := NewCDNFetcher(root, "http://127.0.0.1:0", 100, 44100)
	id := testStemID(5)

	s, err := f.DecodeContext(context.Background(), id)
	require.NoError(t, err)
	require.True(t, s.Failed)
}

func TestResampleLinearNoOpWhenRatesMatch(t *testing.T) {
	l := []float32{1, 2, 3}
	r := []float32{4, 5, 6}
	outL, outR := ResampleLinear(l, r, 44100, 44100)
	require.Equal(t, l, outL)
	require.Equal(t, r, outR)
}

func TestResampleLinearUpsamplesToExpectedLength(t *testing.T) {
	l := make([]float32, 100)
	r := make([]float32, 100)
	for i := range l {
		l[i] = float32(i)
		r[i] = float32(i)
	}
	outL, outR := ResampleLinear(l, r, 22050, 44100)
	require.InDelta(t, 200, len(outL), 2)
	require.Equal(t, len(outL), len(outR))
}

func TestBuildStemPopulatesAnalysis(t *testing.T) {
	id := testStemID(6)
	n := analysisFrameSize * 3
	left := make([]float32, n)
	right := make([]float32, n)
	s := buildStem(id, left, right, 44100, 44100)
	require.True(t, s.AnalysisReady)
	require.Equal(t, n, s.SampleCount)
	require.Equal(t, 44100, s.SampleRate)
}

func TestBuildStemResamplesToDeviceRate(t *testing.T) {
	id := testStemID(7)
	n := analysisFrameSize * 3
	left := make([]float32, n)
	right := make([]float32, n)
	s := buildStem(id, left, right, 48000, 44100)
	require.Equal(t, 44100, s.SampleRate)
	require.NotEqual(t, n, s.SampleCount)
	require.Equal(t, s.SampleCount, len(s.Channels[0]))
}

func TestBuildStemSkipsResampleWhenDeviceRateIsZero(t *testing.T) {
	id := testStemID(8)
	n := analysisFrameSize * 3
	left := make([]float32, n)
	right := make([]float32, n)
	s := buildStem(id, left, right, 48000, 0)
	require.Equal(t, 48000, s.SampleRate)
	require.Equal(t, n, s.SampleCount)
}
