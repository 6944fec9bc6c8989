package preflight

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/karlorz/cmux/internal/provider"
)

func TestReduce(t *testing.T) {
	tests := []struct {
		name     string
		current  Phase
		incoming Phase
		want     Phase
	}{
		{"adopt next phase", PhaseLoading, PhaseResuming, PhaseResuming},
		{"terminal absorbs", PhaseNotFound, PhaseReady, PhaseNotFound},
		{"error absorbs", PhaseError, PhaseResuming, PhaseError},
		{"unknown phase collapses to error", PhaseResuming, Phase("rebooting"), PhaseError},
		{"ready is terminal", PhaseReady, PhaseLoading, PhaseReady},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Reduce(tt.current, tt.incoming); got != tt.want {
				t.Errorf("Reduce(%q, %q) = %q, want %q", tt.current, tt.incoming, got, tt.want)
			}
		})
	}
}

type stubProvider struct {
	name      string
	instances map[string]*provider.Instance
	resumeErr error
	resumes   int
}

var _ provider.Provider = (*stubProvider)(nil)

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Start(context.Context, provider.Spec) (*provider.Instance, error) {
	return nil, errors.New("not implemented")
}
func (s *stubProvider) Get(_ context.Context, id string) (*provider.Instance, error) {
	inst, ok := s.instances[id]
	if !ok {
		return nil, provider.ErrNotFound
	}
	return inst, nil
}
func (s *stubProvider) List(context.Context) ([]*provider.Instance, error) { return nil, nil }
func (s *stubProvider) Exec(context.Context, string, []string) (*provider.ExecResult, error) {
	return nil, errors.New("not implemented")
}
func (s *stubProvider) Pause(context.Context, string) error { return nil }
func (s *stubProvider) Resume(_ context.Context, id string) (*provider.Instance, error) {
	s.resumes++
	if s.resumeErr != nil {
		return nil, s.resumeErr
	}
	inst := s.instances[id]
	inst.Status = provider.StatusRunning
	return inst, nil
}
func (s *stubProvider) Stop(context.Context, string) error { return nil }

type recordedResumes struct{ ids []string }

func (r *recordedResumes) RecordResume(id, _ string) error {
	r.ids = append(r.ids, id)
	return nil
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func okProbe() *http.Client {
	return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
	})}
}

const sandboxURL = "https://port-39380-morphvm-abc123.http.cloud.morph.so/vnc.html"

func collect(t *testing.T, updates <-chan Phase) []Phase {
	t.Helper()
	var phases []Phase
	deadline := time.After(5 * time.Second)
	for {
		select {
		case p, ok := <-updates:
			if !ok {
				return phases
			}
			phases = append(phases, p)
		case <-deadline:
			t.Fatalf("probe did not finish; got %v", phases)
		}
	}
}

func newTestStack(t *testing.T, sp *stubProvider, act Activity) (*httptest.Server, *Prober) {
	t.Helper()
	h := &Handler{
		Providers: provider.NewRegistry(sp),
		Activity:  act,
		Probe:     okProbe(),
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	prober := NewProber(srv.URL)
	t.Cleanup(prober.Close)
	return srv, prober
}

func TestPreflightResumesPausedInstance(t *testing.T) {
	sp := &stubProvider{
		name: "morph",
		instances: map[string]*provider.Instance{
			"abc123": {ID: "abc123", Provider: "morph", Status: provider.StatusPaused},
		},
	}
	resumes := &recordedResumes{}
	_, prober := newTestStack(t, sp, resumes)

	phases := collect(t, prober.Start(sandboxURL))
	want := []Phase{PhaseLoading, PhaseResuming, PhaseResumed, PhaseReady}
	if diff := cmp.Diff(want, phases); diff != "" {
		t.Errorf("phase sequence mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"abc123"}, resumes.ids); diff != "" {
		t.Errorf("ledger resume records mismatch (-want +got):\n%s", diff)
	}
}

func TestPreflightRunningInstanceSkipsResume(t *testing.T) {
	sp := &stubProvider{
		name: "morph",
		instances: map[string]*provider.Instance{
			"abc123": {ID: "abc123", Provider: "morph", Status: provider.StatusRunning},
		},
	}
	_, prober := newTestStack(t, sp, nil)

	phases := collect(t, prober.Start(sandboxURL))
	want := []Phase{PhaseLoading, PhaseReady}
	if diff := cmp.Diff(want, phases); diff != "" {
		t.Errorf("phase sequence mismatch (-want +got):\n%s", diff)
	}
	if sp.resumes != 0 {
		t.Errorf("resume called %d times on a running instance", sp.resumes)
	}
}

func TestPreflightUnknownInstanceEndsAtNotFound(t *testing.T) {
	sp := &stubProvider{name: "morph", instances: map[string]*provider.Instance{}}
	_, prober := newTestStack(t, sp, nil)

	phases := collect(t, prober.Start(sandboxURL))
	want := []Phase{PhaseLoading, PhaseNotFound}
	if diff := cmp.Diff(want, phases); diff != "" {
		t.Errorf("phase sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestPreflightStoppedInstanceIsExpired(t *testing.T) {
	sp := &stubProvider{
		name: "morph",
		instances: map[string]*provider.Instance{
			"abc123": {ID: "abc123", Provider: "morph", Status: provider.StatusStopped},
		},
	}
	_, prober := newTestStack(t, sp, nil)

	phases := collect(t, prober.Start(sandboxURL))
	if len(phases) == 0 || phases[len(phases)-1] != PhaseNotFound {
		t.Errorf("stopped instance should end at %q, got %v", PhaseNotFound, phases)
	}
	if sp.resumes != 0 {
		t.Error("resume attempted on a stopped instance")
	}
}

func TestPreflightResumeFailureAfterRetries(t *testing.T) {
	sp := &stubProvider{
		name: "morph",
		instances: map[string]*provider.Instance{
			"abc123": {ID: "abc123", Provider: "morph", Status: provider.StatusPaused},
		},
		resumeErr: provider.ErrProviderUnavailable,
	}
	h := &Handler{
		Providers:     provider.NewRegistry(sp),
		Probe:         okProbe(),
		ResumeRetries: 2,
	}
	srv := httptest.NewServer(h)
	defer srv.Close()
	prober := NewProber(srv.URL)
	defer prober.Close()

	phases := collect(t, prober.Start(sandboxURL))
	want := []Phase{PhaseLoading, PhaseResuming, PhaseResuming, PhaseResumeFailed}
	if diff := cmp.Diff(want, phases); diff != "" {
		t.Errorf("phase sequence mismatch (-want +got):\n%s", diff)
	}
	if sp.resumes != 2 {
		t.Errorf("resume attempts = %d, want 2", sp.resumes)
	}
}

func TestPreflightNonMatchingURL(t *testing.T) {
	sp := &stubProvider{name: "morph", instances: map[string]*provider.Instance{}}
	_, prober := newTestStack(t, sp, nil)

	phases := collect(t, prober.Start("https://example.com/"))
	want := []Phase{PhaseLoading, PhaseNotFound}
	if diff := cmp.Diff(want, phases); diff != "" {
		t.Errorf("phase sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestProberNon200IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	prober := NewProber(srv.URL)
	defer prober.Close()

	phases := collect(t, prober.Start(sandboxURL))
	want := []Phase{PhaseError}
	if diff := cmp.Diff(want, phases); diff != "" {
		t.Errorf("phase sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestProberAbortStopsUpdates(t *testing.T) {
	firstLine := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"loading"}` + "\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		close(firstLine)
		<-r.Context().Done()
	}))
	defer srv.Close()

	prober := NewProber(srv.URL)
	defer prober.Close()

	updates := prober.Start(sandboxURL)
	select {
	case p := <-updates:
		if p != PhaseLoading {
			t.Fatalf("first phase = %q, want loading", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no first phase")
	}
	<-firstLine

	prober.Close()

	// The channel must close without a terminal phase ever arriving.
	select {
	case p, ok := <-updates:
		if ok {
			t.Fatalf("update %q delivered after teardown", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel never closed after abort")
	}
}

// Starting a probe for a new URL aborts the previous one.
func TestProberNewURLAbortsPrevious(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.Query().Get("url")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"loading"}` + "\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		if target == "https://slow.example/" {
			close(blocked)
			<-r.Context().Done()
			return
		}
		w.Write([]byte(`{"status":"couldn't find instance"}` + "\n"))
	}))
	defer srv.Close()

	prober := NewProber(srv.URL)
	defer prober.Close()

	first := prober.Start("https://slow.example/")
	<-blocked

	second := prober.Start("https://example.com/")

	firstPhases := collect(t, first)
	for _, p := range firstPhases {
		if p.Terminal() {
			t.Errorf("aborted probe reached terminal phase %q", p)
		}
	}

	secondPhases := collect(t, second)
	want := []Phase{PhaseLoading, PhaseNotFound}
	if diff := cmp.Diff(want, secondPhases); diff != "" {
		t.Errorf("second probe mismatch (-want +got):\n%s", diff)
	}
}
