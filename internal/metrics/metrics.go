// Package metrics exposes a prometheus.Collector that gathers stem-cache,
// fetch-pipeline, and mixer statistics at scrape time.
package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/riffbeam/engine/internal/mixer"
)

// StemCacheProvider exposes the Stem Cache's resident-set statistics.
type StemCacheProvider interface {
	Len() int
	EstimateMemoryBytes() uint64
}

// PipelineProvider exposes the fetch pipeline's queue and outcome counters.
type PipelineProvider interface {
	PendingRequests() int
	CompletedFetches() uint64
	FailedFetches() uint64
	CacheHits() uint64
}

// MixerStemStats is one row of MixerProvider.ActiveStemStats, used for the
// per-slot gain/pulse/energy gauges.
type MixerStemStats struct {
	Index  int
	Gain   float64
	Pulse  float64
	Energy float64
}

// MixerProvider exposes the audio thread's last-published state summary.
type MixerProvider interface {
	HasCurrentRiff() bool
	TransitionActive() bool
	BPM() float64
	ActiveStemStats() []MixerStemStats
}

// Collector is a prometheus.Collector that gathers engine metrics at scrape
// time rather than pushing them as they change; any provider may be nil if
// that subsystem isn't wired into this process.
type Collector struct {
	stemCache StemCacheProvider
	pipeline  PipelineProvider
	mixer     MixerProvider
	startTime time.Time

	stemCacheEntriesDesc   *prometheus.Desc
	stemCacheMemoryDesc    *prometheus.Desc
	pipelinePendingDesc    *prometheus.Desc
	pipelineCompletedDesc  *prometheus.Desc
	pipelineFailedDesc     *prometheus.Desc
	pipelineCacheHitsDesc  *prometheus.Desc
	mixerHasRiffDesc       *prometheus.Desc
	mixerTransitioningDesc *prometheus.Desc
	mixerBPMDesc           *prometheus.Desc
	mixerStemGainDesc      *prometheus.Desc
	mixerStemPulseDesc     *prometheus.Desc
	mixerStemEnergyDesc    *prometheus.Desc
	uptimeDesc             *prometheus.Desc
}

// NewCollector creates a Collector. Any provider may be nil if its subsystem
// is unavailable in this process.
func NewCollector(stemCache StemCacheProvider, pipeline PipelineProvider, mixer MixerProvider, startTime time.Time) *Collector {
	return &Collector{
		stemCache: stemCache,
		pipeline:  pipeline,
		mixer:     mixer,
		startTime: startTime,

		stemCacheEntriesDesc: prometheus.NewDesc(
			"beamd_stem_cache_entries", "Number of decoded stems currently resident in the cache", nil, nil,
		),
		stemCacheMemoryDesc: prometheus.NewDesc(
			"beamd_stem_cache_memory_bytes", "Estimated memory held by resident stem cache entries", nil, nil,
		),
		pipelinePendingDesc: prometheus.NewDesc(
			"beamd_pipeline_pending_requests", "Number of riff requests queued and not yet started", nil, nil,
		),
		pipelineCompletedDesc: prometheus.NewDesc(
			"beamd_pipeline_fetches_completed_total", "Total stem fetches that completed successfully", nil, nil,
		),
		pipelineFailedDesc: prometheus.NewDesc(
			"beamd_pipeline_fetches_failed_total", "Total stem fetches that failed", nil, nil,
		),
		pipelineCacheHitsDesc: prometheus.NewDesc(
			"beamd_pipeline_cache_hits_total", "Total stems served from the resident stem cache without a decode", nil, nil,
		),
		mixerHasRiffDesc: prometheus.NewDesc(
			"beamd_mixer_has_current_riff", "1 if the audio thread currently has a riff loaded, else 0", nil, nil,
		),
		mixerTransitioningDesc: prometheus.NewDesc(
			"beamd_mixer_transition_active", "1 if the mixer is currently cross-fading between riffs", nil, nil,
		),
		mixerBPMDesc: prometheus.NewDesc(
			"beamd_mixer_bpm", "BPM of the currently playing riff", nil, nil,
		),
		mixerStemGainDesc: prometheus.NewDesc(
			"beamd_mixer_stem_gain", "Effective gain applied to a stem slot", []string{"stem"}, nil,
		),
		mixerStemPulseDesc: prometheus.NewDesc(
			"beamd_mixer_stem_pulse", "Decaying beat-pulse value for a stem slot", []string{"stem"}, nil,
		),
		mixerStemEnergyDesc: prometheus.NewDesc(
			"beamd_mixer_stem_energy", "Max sample energy observed for a stem slot in the last block", []string{"stem"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"beamd_uptime_seconds", "Seconds since the process started", nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.stemCacheEntriesDesc
	ch <- c.stemCacheMemoryDesc
	ch <- c.pipelinePendingDesc
	ch <- c.pipelineCompletedDesc
	ch <- c.pipelineFailedDesc
	ch <- c.pipelineCacheHitsDesc
	ch <- c.mixerHasRiffDesc
	ch <- c.mixerTransitioningDesc
	ch <- c.mixerBPMDesc
	ch <- c.mixerStemGainDesc
	ch <- c.mixerStemPulseDesc
	ch <- c.mixerStemEnergyDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.stemCache != nil {
		ch <- prometheus.MustNewConstMetric(c.stemCacheEntriesDesc, prometheus.GaugeValue, float64(c.stemCache.Len()))
		ch <- prometheus.MustNewConstMetric(c.stemCacheMemoryDesc, prometheus.GaugeValue, float64(c.stemCache.EstimateMemoryBytes()))
	}

	if c.pipeline != nil {
		ch <- prometheus.MustNewConstMetric(c.pipelinePendingDesc, prometheus.GaugeValue, float64(c.pipeline.PendingRequests()))
		ch <- prometheus.MustNewConstMetric(c.pipelineCompletedDesc, prometheus.CounterValue, float64(c.pipeline.CompletedFetches()))
		ch <- prometheus.MustNewConstMetric(c.pipelineFailedDesc, prometheus.CounterValue, float64(c.pipeline.FailedFetches()))
		ch <- prometheus.MustNewConstMetric(c.pipelineCacheHitsDesc, prometheus.CounterValue, float64(c.pipeline.CacheHits()))
	}

	if c.mixer != nil {
		ch <- prometheus.MustNewConstMetric(c.mixerHasRiffDesc, prometheus.GaugeValue, boolToFloat(c.mixer.HasCurrentRiff()))
		ch <- prometheus.MustNewConstMetric(c.mixerTransitioningDesc, prometheus.GaugeValue, boolToFloat(c.mixer.TransitionActive()))
		ch <- prometheus.MustNewConstMetric(c.mixerBPMDesc, prometheus.GaugeValue, c.mixer.BPM())
		for _, s := range c.mixer.ActiveStemStats() {
			label := stemLabel(s.Index)
			ch <- prometheus.MustNewConstMetric(c.mixerStemGainDesc, prometheus.GaugeValue, s.Gain, label)
			ch <- prometheus.MustNewConstMetric(c.mixerStemPulseDesc, prometheus.GaugeValue, s.Pulse, label)
			ch <- prometheus.MustNewConstMetric(c.mixerStemEnergyDesc, prometheus.GaugeValue, s.Energy, label)
		}
	}

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// EngineAdapter wraps a *mixer.Engine to satisfy MixerProvider, snapshotting
// State() once per method call rather than once per Collect (scrape-time
// jitter between fields is acceptable for a metrics endpoint).
type EngineAdapter struct {
	Engine *mixer.Engine
}

func (a EngineAdapter) HasCurrentRiff() bool   { return a.Engine.State().HasCurrent }
func (a EngineAdapter) TransitionActive() bool { return a.Engine.State().TransitionActive }
func (a EngineAdapter) BPM() float64           { return a.Engine.State().BPM }

func (a EngineAdapter) ActiveStemStats() []MixerStemStats {
	st := a.Engine.State()
	stats := make([]MixerStemStats, len(st.StemGain))
	for i := range stats {
		stats[i] = MixerStemStats{Index: i, Gain: st.StemGain[i], Pulse: st.StemPulse[i], Energy: st.StemEnergy[i]}
	}
	return stats
}

func stemLabel(i int) string {
	digits := "01234567"
	if i < 0 || i >= len(digits) {
		slog.Warn("metrics: stem index out of expected range", "index", i)
		return "?"
	}
	return digits[i : i+1]
}
