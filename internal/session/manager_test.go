package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/zoomrec/internal/clock"
	apperrors "github.com/GriffinCanCode/zoomrec/internal/errors"
	"github.com/GriffinCanCode/zoomrec/internal/metrics"
	"github.com/GriffinCanCode/zoomrec/internal/orchestrator"
	"github.com/GriffinCanCode/zoomrec/internal/orchestrator/join"
	"github.com/GriffinCanCode/zoomrec/internal/orchestrator/transcript"
	"github.com/GriffinCanCode/zoomrec/internal/transcribe"
)

var validRequest = orchestrator.MeetingRequest{
	MeetingID:   "123 456 789",
	Passcode:    "secret",
	DisplayName: "Recorder",
	Description: "standup",
}

var joinedResult = orchestrator.Result{
	Outcome:    join.Joined,
	ArtifactID: "standup_1",
	Path:       "recordings/standup_1.mp3",
	StartedAt:  time.Unix(1000, 0),
	EndedAt:    time.Unix(1600, 0),
}

// fakeRecorder reports a client and a recorder process, then blocks until
// released or cancelled.
type fakeRecorder struct {
	obs     orchestrator.Observer
	running chan struct{}
	release chan struct{}
	result  orchestrator.Result
	err     error

	mu      sync.Mutex
	stopped bool
}

func (r *fakeRecorder) Record(ctx context.Context, _ orchestrator.MeetingRequest) (orchestrator.Result, error) {
	r.obs.Phase(orchestrator.PhaseLaunching)
	r.obs.Process(orchestrator.RoleClient, 101)
	r.obs.JoinState(join.Admitted)
	r.obs.Phase(orchestrator.PhaseRecording)
	r.obs.Process(orchestrator.RoleRecorder, 202)
	close(r.running)

	select {
	case <-r.release:
		return r.result, r.err
	case <-ctx.Done():
		return r.result, ctx.Err()
	}
}

func (r *fakeRecorder) RequestStop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	return true
}

func (r *fakeRecorder) wasStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// recorders hands out a fresh fakeRecorder per session.
type recorders struct {
	mu     sync.Mutex
	result orchestrator.Result
	err    error
	made   []*fakeRecorder
}

func (rs *recorders) factory(obs orchestrator.Observer) Recorder {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r := &fakeRecorder{
		obs:     obs,
		running: make(chan struct{}),
		release: make(chan struct{}),
		result:  rs.result,
		err:     rs.err,
	}
	rs.made = append(rs.made, r)
	return r
}

func (rs *recorders) last() *fakeRecorder {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.made[len(rs.made)-1]
}

type fakeTree struct {
	mu         sync.Mutex
	alive      map[int]bool
	terminated []int
	err        error
}

func (t *fakeTree) Alive(_ context.Context, pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive[pid]
}

func (t *fakeTree) Terminate(_ context.Context, pid int, _ time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.terminated = append(t.terminated, pid)
	return t.err
}

type fakeTranscriber struct {
	mu     sync.Mutex
	calls  []string
	result *transcribe.Result
	err    error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, id string) (*transcribe.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	return f.result, f.err
}

type fakeUploader struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeUploader) Upload(_ context.Context, paths ...string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, paths...)
	uris := make([]string, len(paths))
	for i, p := range paths {
		uris[i] = "s3://bucket/" + p
	}
	return uris, nil
}

type fixture struct {
	recs        *recorders
	tree        *fakeTree
	transcriber *fakeTranscriber
	uploader    *fakeUploader
	metrics     *metrics.Metrics
	manager     *Manager
}

func newFixture(t *testing.T, result orchestrator.Result, err error) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	f := &fixture{
		recs: &recorders{result: result, err: err},
		tree: &fakeTree{alive: map[int]bool{101: true}},
		transcriber: &fakeTranscriber{result: &transcribe.Result{
			ArtifactID: "standup_1",
			Path:       "recordings/standup_1.txt",
			Chunks:     1,
		}},
		uploader: &fakeUploader{},
		metrics:  metrics.NewWith(reg, reg),
	}
	f.manager = NewManager(f.recs.factory, Options{
		TranscribeAfter: true,
		Transcriber:     f.transcriber,
		Uploader:        f.uploader,
		Tree:            f.tree,
		Clock:           clock.NewFake(time.Unix(5000, 0)),
		Metrics:         f.metrics,
	})
	return f
}

func (f *fixture) waitRunning(t *testing.T) *fakeRecorder {
	t.Helper()
	r := f.recs.last()
	select {
	case <-r.running:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder never started")
	}
	return r
}

func drain(ch <-chan Event) []EventType {
	var types []EventType
	for {
		select {
		case e := <-ch:
			types = append(types, e.Type)
		default:
			return types
		}
	}
}

func TestStartRejectsSecondSession(t *testing.T) {
	f := newFixture(t, joinedResult, nil)

	first, err := f.manager.Start(context.Background(), validRequest)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, first.Status)
	assert.Equal(t, "***", first.Request.Passcode)

	_, err = f.manager.Start(context.Background(), validRequest)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionActive)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeSessionActive))

	close(f.waitRunning(t).release)
	f.manager.Wait()

	_, err = f.manager.Start(context.Background(), validRequest)
	require.NoError(t, err, "a new session may start once the previous one ended")
	close(f.waitRunning(t).release)
	f.manager.Wait()
}

func TestStartValidatesRequest(t *testing.T) {
	f := newFixture(t, joinedResult, nil)

	_, err := f.manager.Start(context.Background(), orchestrator.MeetingRequest{MeetingID: "1"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidArgument))
	assert.False(t, f.manager.Active())
	assert.Empty(t, f.recs.made)
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, joinedResult, nil)
	events, unsubscribe := f.manager.Events().Subscribe()
	defer unsubscribe()

	_, err := f.manager.Start(context.Background(), validRequest)
	require.NoError(t, err)
	close(f.waitRunning(t).release)
	f.manager.Wait()

	assert.Equal(t, []EventType{
		EventStarted,
		EventPhase,
		EventProcess,
		EventJoinState,
		EventPhase,
		EventProcess,
		EventFinished,
		EventTranscriptReady,
		EventUploaded,
	}, drain(events))

	last, ok := f.manager.Last()
	require.True(t, ok)
	assert.Equal(t, StatusFinished, last.Status)
	assert.Equal(t, orchestrator.PhaseRecording, last.Phase)
	assert.Equal(t, join.Admitted, last.JoinState)
	require.NotNil(t, last.Result)
	assert.Equal(t, "standup_1", last.Result.ArtifactID)
	require.NotNil(t, last.Transcript)
	assert.Equal(t, "recordings/standup_1.txt", last.Transcript.Path)
	assert.Nil(t, last.LastError)
	assert.Equal(t, []string{"s3://bucket/recordings/standup_1.mp3", "s3://bucket/recordings/standup_1.txt"}, last.Uploaded)

	assert.Equal(t, []string{"standup_1"}, f.transcriber.calls)
	assert.False(t, f.manager.Active())

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionsTotal.WithLabelValues("finished")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JoinOutcomes.WithLabelValues("joined")))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.ActiveSessions))
}

func TestCurrentReportsProcessLiveness(t *testing.T) {
	f := newFixture(t, joinedResult, nil)

	_, err := f.manager.Current(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNoSession))

	_, err = f.manager.Start(context.Background(), validRequest)
	require.NoError(t, err)
	rec := f.waitRunning(t)

	snap, err := f.manager.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Process{
		{Role: orchestrator.RoleClient, PID: 101, Alive: true},
		{Role: orchestrator.RoleRecorder, PID: 202, Alive: false},
	}, snap.Processes)
	assert.Equal(t, orchestrator.PhaseRecording, snap.Phase)

	close(rec.release)
	f.manager.Wait()
}

func TestTerminateAlwaysClears(t *testing.T) {
	f := newFixture(t, joinedResult, nil)
	f.tree.err = errors.New("process tree survived SIGKILL")

	_, err := f.manager.Start(context.Background(), validRequest)
	require.NoError(t, err)
	rec := f.waitRunning(t)

	snap, err := f.manager.Terminate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, snap.Status)
	assert.False(t, f.manager.Active())
	assert.True(t, rec.wasStopped())
	assert.ElementsMatch(t, []int{101, 202}, f.tree.terminated)

	f.manager.Wait()
	last, ok := f.manager.Last()
	require.True(t, ok)
	assert.Equal(t, StatusTerminated, last.Status)
	assert.Empty(t, f.transcriber.calls, "terminated sessions are not transcribed")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionsTotal.WithLabelValues("terminated")))

	_, err = f.manager.Terminate(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRecordingFailureSetsLastError(t *testing.T) {
	failure := apperrors.New(apperrors.CodeCaptureExitedEarly, "recorder exited before the meeting ended")
	f := newFixture(t, joinedResult, failure)
	events, unsubscribe := f.manager.Events().Subscribe()
	defer unsubscribe()

	_, err := f.manager.Start(context.Background(), validRequest)
	require.NoError(t, err)
	close(f.waitRunning(t).release)
	f.manager.Wait()

	last, ok := f.manager.Last()
	require.True(t, ok)
	assert.Equal(t, StatusFailed, last.Status)
	require.NotNil(t, last.LastError)
	assert.Equal(t, apperrors.CodeCaptureExitedEarly, last.LastError.Code)
	assert.Contains(t, drain(events), EventFailed)
	assert.Empty(t, f.transcriber.calls)
	assert.Empty(t, f.uploader.paths)
}

func TestNotJoinedSkipsTranscription(t *testing.T) {
	f := newFixture(t, orchestrator.Result{Outcome: join.InvalidMeeting}, nil)

	_, err := f.manager.Start(context.Background(), validRequest)
	require.NoError(t, err)
	close(f.waitRunning(t).release)
	f.manager.Wait()

	last, ok := f.manager.Last()
	require.True(t, ok)
	assert.Equal(t, StatusFinished, last.Status)
	require.NotNil(t, last.Result)
	assert.Equal(t, join.InvalidMeeting, last.Result.Outcome)
	assert.Empty(t, f.transcriber.calls)
	assert.Empty(t, f.uploader.paths)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JoinOutcomes.WithLabelValues("invalid_meeting")))
}

func TestTranscriptGapsBecomeLastError(t *testing.T) {
	f := newFixture(t, joinedResult, nil)
	gap := transcript.Gap{Window: transcript.Window{Index: 1, Start: 10 * time.Minute, End: 20 * time.Minute}, Err: errors.New("boom")}
	f.transcriber.result.Gaps = []transcript.Gap{gap}
	f.transcriber.err = &transcribe.GapError{ArtifactID: "standup_1", Total: 2, Gaps: []transcript.Gap{gap}}

	_, err := f.manager.Start(context.Background(), validRequest)
	require.NoError(t, err)
	close(f.waitRunning(t).release)
	f.manager.Wait()

	last, ok := f.manager.Last()
	require.True(t, ok)
	assert.Equal(t, StatusFinished, last.Status)
	require.NotNil(t, last.Transcript)
	require.NotNil(t, last.LastError)
	assert.Equal(t, apperrors.CodeTranscription, last.LastError.Code)
	assert.Len(t, f.uploader.paths, 2, "a transcript with gaps is still uploaded")
}

func TestShutdownWithoutSession(t *testing.T) {
	f := newFixture(t, joinedResult, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, f.manager.Shutdown(ctx))
}
