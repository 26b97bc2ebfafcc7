// Package audiodevice drives a real SDL2 audio output device by repeatedly
// pulling rendered blocks from the mixer engine and queuing them for
// playback.
package audiodevice

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/riffbeam/engine/internal/mixer"
	"github.com/veandco/go-sdl2/sdl"
)

// Renderer is the subset of *mixer.Engine that the device loop depends on.
type Renderer interface {
	Update(out [][2]float32, taps *[8][][2]float32, sampleRate int)
}

// Sink owns an open SDL audio device and repeatedly pulls rendered blocks
// from a Renderer, pushing them to the device via SDL's queued-audio API.
type Sink struct {
	dev          sdl.AudioDeviceID
	sampleRate   int
	bufferFrames int
	frameBytes   []byte
	stop         chan struct{}
	done         chan struct{}
}

// Open initializes the SDL audio subsystem and opens the default output
// device for 2-channel float32 playback at sampleRate, queuing bufferFrames
// worth of samples per callback.
func Open(sampleRate, bufferFrames int) (*Sink, error) {
	if err := sdl.InitSubSystem(sdl.INIT_AUDIO); err != nil {
		return nil, fmt.Errorf("audiodevice: sdl audio init: %w", err)
	}
	spec := sdl.AudioSpec{
		Freq:     int32(sampleRate),
		Format:   sdl.AUDIO_F32,
		Channels: 2,
		Samples:  uint16(bufferFrames),
	}
	dev, err := sdl.OpenAudioDevice("", false, &spec, nil, 0)
	if err != nil {
		sdl.QuitSubSystem(sdl.INIT_AUDIO)
		return nil, fmt.Errorf("audiodevice: open device: %w", err)
	}
	s := &Sink{
		dev:          dev,
		sampleRate:   sampleRate,
		bufferFrames: bufferFrames,
		frameBytes:   make([]byte, bufferFrames*2*4), // stereo, 4 bytes/float32
	}
	sdl.PauseAudioDevice(s.dev, false)
	return s, nil
}

// Close stops playback and releases the device.
func (s *Sink) Close() {
	if s.dev != 0 {
		sdl.CloseAudioDevice(s.dev)
		s.dev = 0
	}
	sdl.QuitSubSystem(sdl.INIT_AUDIO)
}

// Run pulls blocks from r and queues them until stopped. It blocks until
// Stop is called, so callers run it in its own goroutine.
func (s *Sink) Run(r Renderer) {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	defer close(s.done)

	out := make([][2]float32, s.bufferFrames)
	blockDuration := time.Duration(float64(s.bufferFrames) / float64(s.sampleRate) * float64(time.Second))
	ticker := time.NewTicker(blockDuration)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			// Bound the queue to ~2 blocks so a stalled mixer doesn't pile up
			// unbounded audio latency.
			if sdl.GetQueuedAudioSize(s.dev) > uint32(len(s.frameBytes))*2 {
				continue
			}
			r.Update(out, nil, s.sampleRate)
			s.encode(out)
			_ = sdl.QueueAudio(s.dev, s.frameBytes)
		}
	}
}

// Stop signals Run to return and waits for it to finish.
func (s *Sink) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
}

func (s *Sink) encode(out [][2]float32) {
	j := 0
	for _, frame := range out {
		binary.LittleEndian.PutUint32(s.frameBytes[j:j+4], math.Float32bits(frame[0]))
		binary.LittleEndian.PutUint32(s.frameBytes[j+4:j+8], math.Float32bits(frame[1]))
		j += 8
	}
}

var _ Renderer = (*mixer.Engine)(nil)
