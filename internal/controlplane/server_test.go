package controlplane

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riffbeam/engine/internal/exchange"
	"github.com/riffbeam/engine/internal/ident"
	"github.com/riffbeam/engine/internal/mixer"
	"github.com/riffbeam/engine/internal/permutation"
	"github.com/riffbeam/engine/internal/riff"
)

type fakeEngine struct {
	muted        bool
	recording    bool
	lastPerm     permutation.Permutation
	lastProgress mixer.ProgressionConfig
	opSeq        uint64
}

func (f *fakeEngine) nextOp() mixer.OperationId { f.opSeq++; return mixer.OperationId(f.opSeq) }

func (f *fakeEngine) ToggleMute() mixer.OperationId {
	f.muted = !f.muted
	return f.nextOp()
}
func (f *fakeEngine) BeginRecording() mixer.OperationId { f.recording = true; return f.nextOp() }
func (f *fakeEngine) StopRecording() mixer.OperationId  { f.recording = false; return f.nextOp() }
func (f *fakeEngine) EnqueuePermutation(p permutation.Permutation) mixer.OperationId {
	f.lastPerm = p
	return f.nextOp()
}
func (f *fakeEngine) UpdateProgressionConfiguration(c mixer.ProgressionConfig) mixer.OperationId {
	f.lastProgress = c
	return f.nextOp()
}
func (f *fakeEngine) State() mixer.State { return mixer.State{} }

type fakePipeline struct {
	requestedID   ident.RiffId
	requestedPerm *permutation.Permutation
	cleared       bool
}

func (f *fakePipeline) RequestRiff(id ident.RiffId, perm *permutation.Permutation) {
	f.requestedID = id
	f.requestedPerm = perm
}
func (f *fakePipeline) RequestClear() { f.cleared = true }

type fakeCacheBrowser struct {
	riffs []riff.Meta
	err   error
}

func (f *fakeCacheBrowser) ListRiffs(ctx context.Context) ([]riff.Meta, error) {
	return f.riffs, f.err
}

func newTestServer() (*Server, *fakeEngine, *fakePipeline) {
	eng := &fakeEngine{}
	pl := &fakePipeline{}
	snap := exchange.NewPublisher("test-jam")
	s := NewServer(eng, pl, nil, snap, nil, nil)
	return s, eng, pl
}

func TestHealthzReturnsOK(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPlayRiffParsesHexIDAndEnqueues(t *testing.T) {
	s, _, pl := newTestServer()
	id := strings.Repeat("ab", 24)
	req := httptest.NewRequest(http.MethodPost, "/v1/riffs/"+id+"/play", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, id, pl.requestedID.String())
	require.Nil(t, pl.requestedPerm)
}

func TestPlayRiffRejectsBadHexID(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/v1/riffs/not-hex/play", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlayRiffWithPermutationBody(t *testing.T) {
	s, _, pl := newTestServer()
	id := strings.Repeat("cd", 24)
	body := `{"permutation":{"gainMultiplier":[1,1,1,1,1,1,1,1],"muted":[true,false,false,false,false,false,false,false],"solo":[false,false,false,false,false,false,false,false]}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/riffs/"+id+"/play", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, pl.requestedPerm)
	require.True(t, pl.requestedPerm.Muted[0])
}

func TestClearInvokesPipelineRequestClear(t *testing.T) {
	s, _, pl := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/v1/clear", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.True(t, pl.cleared)
}

func TestMuteTogglesEngineState(t *testing.T) {
	s, eng, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/v1/mute", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, eng.muted)
}

func TestProgressionUpdateParsesBody(t *testing.T) {
	s, eng, _ := newTestServer()
	body := `{"triggerPoint":2,"blendTime":3,"greedyMode":true}`
	req := httptest.NewRequest(http.MethodPut, "/v1/progression", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, mixer.AnyBarStart, eng.lastProgress.TriggerPoint)
	require.Equal(t, mixer.BlendFourBars, eng.lastProgress.BlendTime)
	require.True(t, eng.lastProgress.GreedyMode)
}

func TestSnapshotEndpointReturnsLatest(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/snapshot", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestListCachedJamsReturnsEmptyWhenNoCacheWired(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/cache/jams", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
}

func TestListCachedJamsReturnsStoredRiffs(t *testing.T) {
	eng := &fakeEngine{}
	pl := &fakePipeline{}
	snap := exchange.NewPublisher("test-jam")
	var id ident.RiffId
	id[0] = 0xab
	cache := &fakeCacheBrowser{riffs: []riff.Meta{{RiffID: id, BPM: 120, QuarterBeats: 4, BarCount: 8}}}
	s := NewServer(eng, pl, cache, snap, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/cache/jams", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), id.String())
	require.Contains(t, rec.Body.String(), `"bpm":120`)
}
