package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/GriffinCanCode/zoomrec/internal/audio"
	"github.com/GriffinCanCode/zoomrec/internal/clock"
	apperrors "github.com/GriffinCanCode/zoomrec/internal/errors"
	"github.com/GriffinCanCode/zoomrec/internal/matcher"
	"github.com/GriffinCanCode/zoomrec/internal/orchestrator/ending"
	"github.com/GriffinCanCode/zoomrec/internal/orchestrator/join"
	"github.com/GriffinCanCode/zoomrec/internal/proc"
	"github.com/GriffinCanCode/zoomrec/internal/syncx"
)

func testSet() *matcher.Set {
	t := func(name string) *matcher.Template { return &matcher.Template{Name: name} }
	return &matcher.Set{
		Leave:      t(matcher.Leave),
		Join:       t(matcher.Join),
		NameFields: []*matcher.Template{t(matcher.NameField), t(matcher.NameField1), t(matcher.NameField2)},
		Invalid:    t(matcher.InvalidMeeting),
		End:        t(matcher.End),
	}
}

type frame map[string]bool

func (f frame) Find(t *matcher.Template) (matcher.Point, bool) { return matcher.Point{X: 5, Y: 5}, f[t.Name] }

type screen struct {
	mu     sync.Mutex
	frames []frame
	n      int
}

func (s *screen) Frame(context.Context) matcher.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.frames[min(s.n, len(s.frames)-1)]
	s.n++
	return f
}

type actuator struct{ clicks int }

func (a *actuator) Click(context.Context, matcher.Point) error        { a.clicks++; return nil }
func (a *actuator) Type(context.Context, string, time.Duration) error { return nil }

type handle struct{ done chan struct{} }

func (h *handle) Pid() int                    { return 777 }
func (h *handle) Done() <-chan struct{}       { return h.done }
func (h *handle) Err() error                  { return nil }
func (h *handle) Signal(syscall.Signal) error { return nil }
func (h *handle) Kill() error                 { return nil }

type launcher struct {
	specs []proc.Spec
	err   error
}

func (l *launcher) Launch(_ context.Context, spec proc.Spec) (proc.Handle, error) {
	l.specs = append(l.specs, spec)
	if l.err != nil {
		return nil, l.err
	}
	return &handle{done: make(chan struct{})}, nil
}

type tree struct {
	mu         sync.Mutex
	terminated []int
	killed     []string
}

func (t *tree) Terminate(_ context.Context, pid int, _ time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.terminated = append(t.terminated, pid)
	return nil
}

func (t *tree) KillByName(_ context.Context, name string, _ time.Duration) ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.killed = append(t.killed, name)
	return []int{1}, nil
}

// recorder waits for the end signal like the real controller.
type recorder struct {
	clock   clock.Clock
	err     error
	onStart func()
	calls   int
	path    string
}

func (r *recorder) Run(ctx context.Context, sink, path string, ended *syncx.Event, started func(audio.Session)) (audio.Session, error) {
	r.calls++
	r.path = path
	s := audio.Session{ArtifactID: audio.ArtifactID(path), Path: path, PID: 888, StartedAt: r.clock.Now()}
	if started != nil {
		started(s)
	}
	if r.err != nil {
		return s, r.err
	}
	if r.onStart != nil {
		r.onStart()
	}
	select {
	case <-ended.Done():
		s.StoppedAt = ended.FiredAt()
		return s, nil
	case <-ctx.Done():
		return s, ctx.Err()
	}
}

type observer struct {
	mu     sync.Mutex
	phases []Phase
	procs  map[Role]int
}

func (o *observer) Phase(p Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases = append(o.phases, p)
}

func (o *observer) JoinState(join.State) {}

func (o *observer) Process(r Role, pid int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.procs == nil {
		o.procs = map[Role]int{}
	}
	o.procs[r] = pid
}

type fixture struct {
	orch     *Orchestrator
	launcher *launcher
	tree     *tree
	recorder *recorder
	observer *observer
	actuator *actuator
}

func newFixture(t *testing.T, frames []frame, mutate func(*Config)) *fixture {
	fake := clock.NewFake(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC))
	f := &fixture{
		launcher: &launcher{},
		tree:     &tree{},
		recorder: &recorder{clock: fake},
		observer: &observer{},
		actuator: &actuator{},
	}
	cfg := Config{
		ClientProcessName: "zoom",
		CloseClientOnEnd:  true,
		SettleMin:         3 * time.Second,
		SettleMax:         5 * time.Second,
		Join:              join.Config{PollInterval: 300 * time.Millisecond, Timeout: time.Minute},
		EndPollInterval:   time.Second,
		RecordingsDir:     t.TempDir(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.orch = New(cfg, Deps{
		Screen:    &screen{frames: frames},
		Actuator:  f.actuator,
		Templates: testSet(),
		Launcher:  f.launcher,
		Tree:      f.tree,
		Recorder:  f.recorder,
		Clock:     fake,
		Observer:  f.observer,
	})
	return f
}

var req = MeetingRequest{MeetingID: "123 456 789", Passcode: "s3cret", DisplayName: "Recorder", Description: "Weekly Sync"}

var artifactPattern = regexp.MustCompile(`^weekly-sync_20240301-093\d{3}_[0-9a-f]{8}$`)

func TestRecordJoinedUntilEndScreen(t *testing.T) {
	f := newFixture(t, []frame{{matcher.Leave: true}, {}, {}, {matcher.End: true}}, nil)

	res, err := f.orch.Record(context.Background(), req)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !res.Joined() || res.EndReason != ending.EndScreen {
		t.Errorf("result = %+v", res)
	}
	if !artifactPattern.MatchString(res.ArtifactID) {
		t.Errorf("artifact id = %q", res.ArtifactID)
	}
	if filepath.Base(res.Path) != res.ArtifactID+".mp3" || f.recorder.path != res.Path {
		t.Errorf("path = %q, recorder path = %q", res.Path, f.recorder.path)
	}
	if res.EndedAt.Before(res.StartedAt) {
		t.Errorf("ended %v before started %v", res.EndedAt, res.StartedAt)
	}
	if f.actuator.clicks != 0 {
		t.Errorf("clicks = %d, want 0 when already admitted", f.actuator.clicks)
	}

	spec := f.launcher.specs[0]
	if spec.Name != DefaultClientBinary || spec.Args[0] != "--url=zoommtg://zoom.us/join?confno=123456789&pwd=s3cret" {
		t.Errorf("launch = %+v", spec)
	}
	if !slices.Equal(f.tree.terminated, []int{777}) {
		t.Errorf("terminated = %v, want client closed", f.tree.terminated)
	}
	if f.observer.procs[RoleClient] != 777 || f.observer.procs[RoleRecorder] != 888 {
		t.Errorf("procs = %v", f.observer.procs)
	}
	want := []Phase{PhaseLaunching, PhaseSettling, PhaseJoining, PhaseRecording, PhaseFinished}
	if !slices.Equal(f.observer.phases, want) {
		t.Errorf("phases = %v, want %v", f.observer.phases, want)
	}
}

func TestRecordInvalidMeeting(t *testing.T) {
	f := newFixture(t, []frame{{matcher.InvalidMeeting: true}}, nil)

	res, err := f.orch.Record(context.Background(), req)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.Outcome != join.InvalidMeeting || res.ArtifactID != "" {
		t.Errorf("result = %+v", res)
	}
	if f.recorder.calls != 0 {
		t.Error("capture attempted for invalid meeting")
	}
}

func TestRecordJoinTimeout(t *testing.T) {
	f := newFixture(t, []frame{{}}, func(c *Config) { c.Join.Timeout = 2 * time.Second })

	res, err := f.orch.Record(context.Background(), req)
	if err != nil || res.Outcome != join.TimedOut {
		t.Fatalf("Record = (%+v, %v)", res, err)
	}
	if f.recorder.calls != 0 {
		t.Error("capture attempted after timeout")
	}
}

func TestRecordLaunchFailure(t *testing.T) {
	f := newFixture(t, []frame{{}}, nil)
	f.launcher.err = errors.New("executable file not found")

	_, err := f.orch.Record(context.Background(), req)
	if !apperrors.IsCode(err, apperrors.CodeProcessLaunch) {
		t.Fatalf("err = %v, want PROCESS_LAUNCH_FAILED", err)
	}
}

func TestRecordCaptureFailure(t *testing.T) {
	f := newFixture(t, []frame{{matcher.Leave: true}, {}}, nil)
	f.recorder.err = apperrors.New(apperrors.CodeCaptureExitedEarly, "exited")

	res, err := f.orch.Record(context.Background(), req)
	if !apperrors.IsCode(err, apperrors.CodeCaptureExitedEarly) {
		t.Fatalf("err = %v", err)
	}
	if res.ArtifactID == "" {
		t.Error("failed result should still name the artifact")
	}
	if !slices.Equal(f.tree.terminated, []int{777}) {
		t.Errorf("client not closed after failure: %v", f.tree.terminated)
	}
}

func TestRequestStop(t *testing.T) {
	f := newFixture(t, []frame{{matcher.Leave: true}, {}}, nil)
	if f.orch.RequestStop() {
		t.Error("RequestStop with no recording should report false")
	}
	f.recorder.onStart = func() {
		if !f.orch.RequestStop() {
			t.Error("RequestStop during recording should report true")
		}
	}

	res, err := f.orch.Record(context.Background(), req)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.EndReason != ending.StopRequested {
		t.Errorf("reason = %q, want %q", res.EndReason, ending.StopRequested)
	}
}

func TestRecordLegacyNameAndStaleKill(t *testing.T) {
	f := newFixture(t, []frame{{matcher.Leave: true}, {matcher.End: true}}, func(c *Config) {
		c.ArtifactName = LegacyArtifactName
		c.KillStaleClients = true
	})

	res, err := f.orch.Record(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.ArtifactID != LegacyArtifactName {
		t.Errorf("artifact = %q", res.ArtifactID)
	}
	if !slices.Equal(f.tree.killed, []string{"zoom"}) {
		t.Errorf("killed = %v", f.tree.killed)
	}
}

func TestRecordRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t, []frame{{}}, nil)
	_, err := f.orch.Record(context.Background(), MeetingRequest{DisplayName: "x"})
	if !apperrors.IsCode(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("err = %v", err)
	}
	if len(f.launcher.specs) != 0 {
		t.Error("client launched for invalid request")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  MeetingRequest
		ok   bool
	}{
		{"url", MeetingRequest{URL: "https://zoom.us/j/1", DisplayName: "a"}, true},
		{"id", MeetingRequest{MeetingID: "1", DisplayName: "a"}, true},
		{"no name", MeetingRequest{URL: "https://zoom.us/j/1"}, false},
		{"blank name", MeetingRequest{URL: "https://zoom.us/j/1", DisplayName: "  "}, false},
		{"no locator", MeetingRequest{DisplayName: "a"}, false},
		{"both", MeetingRequest{URL: "u", MeetingID: "1", DisplayName: "a"}, false},
		{"invalid utf-8 name", MeetingRequest{URL: "https://zoom.us/j/1", DisplayName: "Rec\xffder"}, false},
		{"unicode name", MeetingRequest{URL: "https://zoom.us/j/1", DisplayName: "Zoë Recorder"}, true},
	}
	for _, tt := range tests {
		err := tt.req.Validate()
		if (err == nil) != tt.ok {
			t.Errorf("%s: Validate() = %v", tt.name, err)
		}
	}
}

func TestLink(t *testing.T) {
	tests := []struct {
		req  MeetingRequest
		want string
	}{
		{MeetingRequest{URL: " https://zoom.us/j/1?pwd=x "}, "https://zoom.us/j/1?pwd=x"},
		{MeetingRequest{MeetingID: "1", Passcode: "a&b c"}, "zoommtg://zoom.us/join?confno=1&pwd=a%26b+c"},
		{MeetingRequest{MeetingID: "987"}, "zoommtg://zoom.us/join?confno=987"},
	}
	for _, tt := range tests {
		if got := tt.req.Link(); got != tt.want {
			t.Errorf("Link() = %q, want %q", got, tt.want)
		}
	}
}

func TestSlug(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Weekly Sync", "weekly-sync"},
		{"  Q3 / planning!! ", "q3-planning"},
		{"Ünïcode only", "n-code-only"},
		{"", ""},
		{"---", ""},
		{strings.Repeat("a", 60), strings.Repeat("a", 40)},
	}
	for _, tt := range tests {
		if got := slug(tt.in); got != tt.want {
			t.Errorf("slug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if id := NewArtifactID("", time.Unix(0, 0).UTC()); !strings.HasPrefix(id, "meeting_19700101-000000_") {
		t.Errorf("NewArtifactID = %q", id)
	}
}
