package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeStemCache struct {
	entries int
	bytes   uint64
}

func (f fakeStemCache) Len() int                   { return f.entries }
func (f fakeStemCache) EstimateMemoryBytes() uint64 { return f.bytes }

type fakePipeline struct {
	pending   int
	completed uint64
	failed    uint64
	hits      uint64
}

func (f fakePipeline) PendingRequests() int     { return f.pending }
func (f fakePipeline) CompletedFetches() uint64 { return f.completed }
func (f fakePipeline) FailedFetches() uint64    { return f.failed }
func (f fakePipeline) CacheHits() uint64        { return f.hits }

type fakeMixer struct {
	hasRiff       bool
	transitioning bool
	bpm           float64
	stats         []MixerStemStats
}

func (f fakeMixer) HasCurrentRiff() bool             { return f.hasRiff }
func (f fakeMixer) TransitionActive() bool           { return f.transitioning }
func (f fakeMixer) BPM() float64                     { return f.bpm }
func (f fakeMixer) ActiveStemStats() []MixerStemStats { return f.stats }

func TestCollectEmitsStemCacheGauges(t *testing.T) {
	c := NewCollector(fakeStemCache{entries: 3, bytes: 4096}, nil, nil, time.Now())
	count := testutil.CollectAndCount(c)
	require.Equal(t, 3, count) // entries, memory, uptime
}

func TestCollectEmitsPipelineCounters(t *testing.T) {
	c := NewCollector(nil, fakePipeline{pending: 2, completed: 10, failed: 1, hits: 5}, nil, time.Now())
	count := testutil.CollectAndCount(c)
	require.Equal(t, 5, count) // 4 pipeline metrics + uptime
}

func TestCollectEmitsPerStemMixerGauges(t *testing.T) {
	stats := []MixerStemStats{
		{Index: 0, Gain: 1, Pulse: 0.5, Energy: 0.2},
		{Index: 1, Gain: 0.8, Pulse: 0.1, Energy: 0.05},
	}
	c := NewCollector(nil, nil, fakeMixer{hasRiff: true, bpm: 120, stats: stats}, time.Now())
	count := testutil.CollectAndCount(c)
	// hasRiff + transitioning + bpm + (gain+pulse+energy)*2 + uptime
	require.Equal(t, 3+3*2+1, count)
}

func TestCollectSkipsNilProvidersEntirely(t *testing.T) {
	c := NewCollector(nil, nil, nil, time.Now())
	require.Equal(t, 1, testutil.CollectAndCount(c)) // uptime only
}
