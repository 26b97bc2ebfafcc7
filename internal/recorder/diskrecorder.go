package recorder

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// maxRecordFrames bounds the number of frames WriteStereo/WriteTracks can be
// handed in a single call — it must cover the largest configured audio
// buffer size (spec §9's "buffers sized at max-buffer-size"). recorderRing-
// Capacity is how many such blocks can be in flight between the audio
// thread and the drain goroutine before the ring is considered overrun.
const (
	maxRecordFrames      = 8192
	recorderRingCapacity = 8
)

// recordBlock is one callback's worth of audio, copied into fixed-size
// arrays so a block never requires a heap allocation to fill. trackN tracks
// each stem's frame count independently, since a multitrack write can leave
// any subset of the eight tracks at zero length on a given callback.
type recordBlock struct {
	n                int
	stereoL, stereoR [maxRecordFrames]float32
	trackN           [8]int
	trackL, trackR   [8][maxRecordFrames]float32
}

// DiskRecorder is the concrete Sink that spools rendered audio to the
// output directory laid out in spec §6.2/§6.5. WriteStereo and WriteTracks
// (called from the audio thread) only ever copy into a small ring of
// preallocated recordBlocks — never allocate or grow a slice — per spec §9
// ("the audio thread never allocates"). A background drain goroutine
// consumes the ring and performs the actual append-growth and, eventually,
// the file I/O, off the audio thread.
type DiskRecorder struct {
	mode       Mode
	outputDir  string
	appName    string
	sampleRate int
	logger     *slog.Logger

	paused atomic.Bool
	closed atomic.Bool

	blocks  [recorderRingCapacity]recordBlock
	write   atomic.Uint64 // audio-thread-owned
	read    atomic.Uint64 // drain-goroutine-owned
	wake    chan struct{}
	done    chan struct{}
	drained chan struct{}

	mu      sync.Mutex // guards the slices below, written only by the drain goroutine and Close
	stereoL []float32
	stereoR []float32
	tracks  [8][2][]float32
}

// New creates a recorder and starts its background drain goroutine. Call
// Close to flush accumulated audio to disk.
func New(mode Mode, outputDir, appName string, sampleRate int, logger *slog.Logger) *DiskRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	d := &DiskRecorder{
		mode:       mode,
		outputDir:  outputDir,
		appName:    appName,
		sampleRate: sampleRate,
		logger:     logger,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		drained:    make(chan struct{}),
	}
	go d.drainLoop()
	return d
}

func (d *DiskRecorder) Mode() Mode { return d.mode }

func (d *DiskRecorder) Paused() bool { return d.paused.Load() }

func (d *DiskRecorder) SetPaused(paused bool) { d.paused.Store(paused) }

// WriteStereo copies one callback's final-mix audio into the ring. No-op
// while paused or closed, and no-op for a multitrack-mode recorder. Never
// allocates; panics if handed more frames than maxRecordFrames or if the
// ring hasn't been drained in time, both of which indicate a misconfigured
// buffer size or a stalled drain goroutine rather than something to paper
// over silently.
func (d *DiskRecorder) WriteStereo(left, right []float32) {
	if d.closed.Load() || d.paused.Load() || d.mode != ModeStereoMix {
		return
	}
	n := len(left)
	if n > maxRecordFrames {
		panic("recorder: WriteStereo exceeds maxRecordFrames")
	}
	w := d.write.Load()
	if w-d.read.Load() >= recorderRingCapacity {
		panic("recorder: record ring overflow")
	}
	blk := &d.blocks[w%recorderRingCapacity]
	copy(blk.stereoL[:n], left)
	copy(blk.stereoR[:n], right)
	blk.n = n
	d.write.Store(w + 1)
	d.signalDrain()
}

// WriteTracks copies one callback's per-stem audio into the ring. No-op
// while paused or closed, and no-op for a stereo-mix-mode recorder.
func (d *DiskRecorder) WriteTracks(tracks [8][2][]float32) {
	if d.closed.Load() || d.paused.Load() || d.mode != ModeMultitrack {
		return
	}
	w := d.write.Load()
	if w-d.read.Load() >= recorderRingCapacity {
		panic("recorder: record ring overflow")
	}
	blk := &d.blocks[w%recorderRingCapacity]
	for i := 0; i < 8; i++ {
		n := len(tracks[i][0])
		if n > maxRecordFrames {
			panic("recorder: WriteTracks exceeds maxRecordFrames")
		}
		copy(blk.trackL[i][:n], tracks[i][0])
		copy(blk.trackR[i][:n], tracks[i][1])
		blk.trackN[i] = n
	}
	d.write.Store(w + 1)
	d.signalDrain()
}

func (d *DiskRecorder) signalDrain() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// drainLoop runs on its own goroutine for the recorder's lifetime, moving
// ring blocks into the growable accumulation slices off the audio thread.
func (d *DiskRecorder) drainLoop() {
	for {
		select {
		case <-d.wake:
			d.drainPending()
		case <-d.done:
			d.drainPending()
			close(d.drained)
			return
		}
	}
}

func (d *DiskRecorder) drainPending() {
	for {
		r := d.read.Load()
		if r == d.write.Load() {
			return
		}
		blk := &d.blocks[r%recorderRingCapacity]
		d.mu.Lock()
		switch d.mode {
		case ModeStereoMix:
			d.stereoL = append(d.stereoL, blk.stereoL[:blk.n]...)
			d.stereoR = append(d.stereoR, blk.stereoR[:blk.n]...)
		case ModeMultitrack:
			for i := 0; i < 8; i++ {
				d.tracks[i][0] = append(d.tracks[i][0], blk.trackL[i][:blk.trackN[i]]...)
				d.tracks[i][1] = append(d.tracks[i][1], blk.trackR[i][:blk.trackN[i]]...)
			}
		}
		d.mu.Unlock()
		d.read.Store(r + 1)
	}
}

// Close marks the recorder closed, waits for the drain goroutine to flush
// any blocks still in the ring, then kicks off asynchronous file writing.
// Returns immediately; per spec §9 the actual handle teardown happens off
// the audio thread.
func (d *DiskRecorder) Close() {
	if d.closed.Swap(true) {
		return
	}
	close(d.done)
	go func() {
		<-d.drained
		d.mu.Lock()
		stereoL, stereoR := d.stereoL, d.stereoR
		tracks := d.tracks
		mode := d.mode
		d.mu.Unlock()
		d.flush(mode, stereoL, stereoR, tracks)
	}()
}

func (d *DiskRecorder) flush(mode Mode, stereoL, stereoR []float32, tracks [8][2][]float32) {
	ts := time.Now().UTC().Format("20060102T150405Z")
	dir := filepath.Join(d.outputDir, d.appName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.logger.Error("recorder: create output dir failed", "dir", dir, "err", err)
		return
	}

	switch mode {
	case ModeStereoMix:
		path := filepath.Join(dir, fmt.Sprintf("%s_finalmix.wav", ts))
		if err := writeWAV(path, d.sampleRate, [][]float32{stereoL, stereoR}); err != nil {
			d.logger.Error("recorder: write stereo mix failed", "path", path, "err", err)
		}
	case ModeMultitrack:
		for i := 0; i < 8; i++ {
			if len(tracks[i][0]) == 0 {
				continue
			}
			path := filepath.Join(dir, fmt.Sprintf("%sbeam_channel%d.wav", ts, i))
			if err := writeWAV(path, d.sampleRate, [][]float32{tracks[i][0], tracks[i][1]}); err != nil {
				d.logger.Error("recorder: write channel failed", "path", path, "channel", i, "err", err)
			}
		}
	}
}

// writeWAV writes an interleaved 16-bit PCM WAV file from per-channel
// float32 sample slices (all the same length), clamped to [-1, 1]. Layout mirrors the 44-byte header
// the teacher's backend/renderer.go trimSilenceEnd reads by hand, so the
// recorder's own output round-trips through that same reader.
func writeWAV(path string, sampleRate int, channels [][]float32) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	numChannels := len(channels)
	numFrames := 0
	if numChannels > 0 {
		numFrames = len(channels[0])
	}
	bytesPerSample := 2 // 16-bit PCM
	dataSize := numFrames * numChannels * bytesPerSample
	byteRate := sampleRate * numChannels * bytesPerSample
	blockAlign := numChannels * bytesPerSample

	w.WriteString("RIFF")
	binary.Write(w, binary.LittleEndian, uint32(36+dataSize))
	w.WriteString("WAVE")
	w.WriteString("fmt ")
	binary.Write(w, binary.LittleEndian, uint32(16))
	binary.Write(w, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(w, binary.LittleEndian, uint16(numChannels))
	binary.Write(w, binary.LittleEndian, uint32(sampleRate))
	binary.Write(w, binary.LittleEndian, uint32(byteRate))
	binary.Write(w, binary.LittleEndian, uint16(blockAlign))
	binary.Write(w, binary.LittleEndian, uint16(16))
	w.WriteString("data")
	binary.Write(w, binary.LittleEndian, uint32(dataSize))

	for i := 0; i < numFrames; i++ {
		for c := 0; c < numChannels; c++ {
			v := channels[c][i]
			if v > 1 {
				v = 1
			} else if v < -1 {
				v = -1
			}
			binary.Write(w, binary.LittleEndian, int16(v*32767))
		}
	}
	return w.Flush()
}
