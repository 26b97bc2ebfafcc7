package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jfreymuth/oggvorbis"
	"github.com/mewkiz/flac"
	"golang.org/x/time/rate"

	"github.com/riffbeam/engine/internal/ident"
	"github.com/riffbeam/engine/internal/stem"
)

// CDNFetcher supplies the Stem Cache's decode closure (spec §4.5): consult
// the on-disk content-addressed cache, fall back to an HTTPS GET, then
// decode FLAC/OGG into a Stem.
type CDNFetcher struct {
	client           *http.Client
	limiter          *rate.Limiter
	cacheRoot        string
	cdnBase          string
	deviceSampleRate int
}

// NewCDNFetcher creates a fetcher rooted at cacheRoot (the
// <storageRoot>/cache/common/stems directory, spec §6.2), fetching misses
// from cdnBase and rate-limiting outbound requests to ratePerSecond with a
// burst of int(ratePerSecond)+1. deviceSampleRate is the output rate every decoded
// stem is resampled to (spec §4.5 step 4) before it is cached and analyzed.
func NewCDNFetcher(cacheRoot, cdnBase string, ratePerSecond float64, deviceSampleRate int) *CDNFetcher {
	if ratePerSecond <= 0 {
		ratePerSecond = 4
	}
	return &CDNFetcher{
		client:           &http.Client{Timeout: 30 * time.Second},
		limiter:          rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)+1),
		cacheRoot:        cacheRoot,
		cdnBase:          cdnBase,
		deviceSampleRate: deviceSampleRate,
	}
}

// cachePath derives the sharded on-disk path for a stem id (spec §6.2:
// "<storageRoot>/cache/common/stems/<first 2 hex of hash>/<stem_id>").
func (f *CDNFetcher) cachePath(id ident.StemId) string {
	return filepath.Join(f.cacheRoot, ident.CachePathPrefix(id), id.String())
}

// Decode implements stemcache.DecodeFunc: disk-cache-or-download, then
// sniff and decode. It always succeeds at the stemcache.DecodeFunc level —
// any network/CDN/decode failure produces a silent failed Stem rather than
// a propagated error, per spec §4.1/§4.5: "Stems that failed to decode
// render silence; mixing continues" and "failed stem ... retained to
// prevent thrash" rather than retried on every access.
func (f *CDNFetcher) Decode(id ident.StemId) (*stem.Stem, error) {
	return f.DecodeContext(context.Background(), id)
}

// DecodeContext is Decode with caller-supplied cancellation of the network
// fetch. The pipeline worker calls Decode, so its fetches are never
// cancelled, including by RequestClear.
func (f *CDNFetcher) DecodeContext(ctx context.Context, id ident.StemId) (*stem.Stem, error) {
	path := f.cachePath(id)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return stem.NewSilent(id), nil
		}
		data, err = f.fetchAndCache(ctx, id, path)
		if err != nil {
			return stem.NewSilent(id), nil
		}
	}

	return decodeBytes(id, data, f.deviceSampleRate), nil
}

// fetchAndCache issues the HTTPS GET and writes the body to path atomically
// via temp-file-then-rename, the same idiom the teacher's downloadYtdlp
// uses for its managed binary download.
func (f *CDNFetcher) fetchAndCache(ctx context.Context, id ident.StemId, path string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("pipeline: rate limiter: %w", err)
	}

	url := f.cdnBase + "/" + id.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("pipeline: building request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pipeline: GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pipeline: GET %s: HTTP %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("pipeline: reading response body: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: creating cache dir: %w", err)
	}
	tmp := path + ".download"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return nil, fmt.Errorf("pipeline: writing temp cache file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("pipeline: renaming into cache: %w", err)
	}
	return body, nil
}

// decodeBytes sniffs the format (spec §4.5 step 3) and dispatches to the
// matching decoder; anything else becomes a silent failed stem.
// deviceSampleRate of 0 disables resampling (used by tests that don't care).
func decodeBytes(id ident.StemId, data []byte, deviceSampleRate int) *stem.Stem {
	if len(data) < 4 {
		return stem.NewSilent(id)
	}
	switch {
	case bytes.Equal(data[:4], []byte("fLaC")):
		return decodeFLAC(id, data, deviceSampleRate)
	case bytes.Equal(data[:4], []byte("OggS")):
		return decodeOGG(id, data, deviceSampleRate)
	default:
		return stem.NewSilent(id)
	}
}

func decodeFLAC(id ident.StemId, data []byte, deviceSampleRate int) *stem.Stem {
	stream, err := flac.New(bytes.NewReader(data))
	if err != nil {
		return stem.NewSilent(id)
	}
	defer stream.Close()

	channels := stream.Info.NChannels
	sampleRate := int(stream.Info.SampleRate)
	maxAmp := float32(int64(1) << (stream.Info.BitsPerSample - 1))

	var left, right []float32
	for {
		frame, err := stream.ParseNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			if left == nil {
				return stem.NewSilent(id)
			}
			break // partial decode is better than none; tolerate a truncated tail
		}
		for i := 0; i < int(frame.BlockSize); i++ {
			l := float32(frame.Subframes[0].Samples[i]) / maxAmp
			var r float32
			if channels > 1 {
				r = float32(frame.Subframes[1].Samples[i]) / maxAmp
			} else {
				r = l
			}
			left = append(left, l)
			right = append(right, r)
		}
	}
	if len(left) == 0 {
		return stem.NewSilent(id)
	}
	return buildStem(id, left, right, sampleRate, deviceSampleRate)
}

func decodeOGG(id ident.StemId, data []byte, deviceSampleRate int) *stem.Stem {
	r, err := oggvorbis.NewReader(bytes.NewReader(data))
	if err != nil {
		return stem.NewSilent(id)
	}
	sampleRate := r.SampleRate()
	channels := r.Channels()

	buf := make([]float32, 4096)
	var left, right []float32
	for {
		n, err := r.Read(buf)
		for i := 0; i+channels <= n; i += channels {
			left = append(left, buf[i])
			if channels > 1 {
				right = append(right, buf[i+1])
			} else {
				right = append(right, buf[i])
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
	}
	if len(left) == 0 {
		return stem.NewSilent(id)
	}
	return buildStem(id, left, right, sampleRate, deviceSampleRate)
}

// buildStem resamples left/right from nativeSampleRate to deviceSampleRate
// (a no-op when they already match or deviceSampleRate is 0) before running
// beat/energy analysis and assembling the Stem, so Stem.SampleAt always
// indexes audio at the rate it will actually be played back at.
func buildStem(id ident.StemId, left, right []float32, nativeSampleRate, deviceSampleRate int) *stem.Stem {
	outRate := nativeSampleRate
	if deviceSampleRate > 0 {
		left, right = ResampleLinear(left, right, nativeSampleRate, deviceSampleRate)
		outRate = deviceSampleRate
	}
	s := &stem.Stem{
		ID:          id,
		SampleRate:  outRate,
		SampleCount: len(left),
		Channels:    [2][]float32{left, right},
	}
	s.BeatBits, s.Energy = Analyze(s.Channels, s.SampleRate)
	s.AnalysisReady = true
	return s
}

// ResampleLinear resamples a mono/stereo buffer pair from srcRate to
// dstRate via linear interpolation (spec §4.5 step 4: "resample to the
// device rate if needed"). A no-op (returns the inputs unchanged) when the
// rates already match.
func ResampleLinear(left, right []float32, srcRate, dstRate int) ([]float32, []float32) {
	if srcRate == dstRate || srcRate <= 0 || dstRate <= 0 || len(left) == 0 {
		return left, right
	}
	ratio := float64(srcRate) / float64(dstRate)
	outLen := int(float64(len(left)) / ratio)
	outL := make([]float32, outLen)
	outR := make([]float32, outLen)
	for i := range outL {
		srcPos := float64(i) * ratio
		i0 := int(srcPos)
		i1 := i0 + 1
		frac := float32(srcPos - float64(i0))
		if i1 >= len(left) {
			i1 = len(left) - 1
		}
		outL[i] = left[i0]*(1-frac) + left[i1]*frac
		outR[i] = right[i0]*(1-frac) + right[i1]*frac
	}
	return outL, outR
}
