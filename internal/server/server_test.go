package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/karlorz/cmux/internal/maintenance"
	"github.com/karlorz/cmux/internal/previewurl"
	"github.com/karlorz/cmux/internal/provider"
)

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

type fakeJobs struct {
	ran []string
	err error
}

func (f *fakeJobs) RunJob(_ context.Context, name string) error {
	if f.err != nil {
		return f.err
	}
	f.ran = append(f.ran, name)
	return nil
}

type fakeActivity struct{ resumes []string }

func (f *fakeActivity) RecordResume(id, _ string) error {
	f.resumes = append(f.resumes, id)
	return nil
}

func newTestServer(sp *stubProvider, jobs JobRunner, act Activity) *httptest.Server {
	s := &Server{Providers: provider.NewRegistry(sp), Jobs: jobs, Activity: act}
	return httptest.NewServer(s.Router())
}

func TestRoutesTranslatesMorphURL(t *testing.T) {
	srv := newTestServer(&stubProvider{name: "morph"}, nil, nil)
	defer srv.Close()

	raw := "https://port-39378-morphvm-abc123.http.cloud.morph.so/?folder=/root/workspace"
	resp, err := http.Get(srv.URL + "/api/routes?url=" + url.QueryEscape(raw))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var route previewurl.Route
	if err := json.NewDecoder(resp.Body).Decode(&route); err != nil {
		t.Fatal(err)
	}
	if route.MorphID != "abc123" {
		t.Errorf("morph id = %q", route.MorphID)
	}
	if route.NavigationURL != "http://localhost:39378/?folder=/root/workspace" {
		t.Errorf("navigation url = %q", route.NavigationURL)
	}
	if route.Proxy == nil || route.Proxy.Port != 39384 {
		t.Errorf("proxy config = %+v", route.Proxy)
	}
}

func TestRoutesPassThrough(t *testing.T) {
	srv := newTestServer(&stubProvider{name: "morph"}, nil, nil)
	defer srv.Close()

	raw := "https://example.com/app"
	resp, err := http.Get(srv.URL + "/api/routes?url=" + url.QueryEscape(raw))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var route previewurl.Route
	if err := json.NewDecoder(resp.Body).Decode(&route); err != nil {
		t.Fatal(err)
	}
	want := previewurl.Route{NavigationURL: raw, DisplayURL: raw}
	if diff := cmp.Diff(want, route); diff != "" {
		t.Errorf("route mismatch (-want +got):\n%s", diff)
	}
}

func TestRoutesRequiresURL(t *testing.T) {
	srv := newTestServer(&stubProvider{name: "morph"}, nil, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/routes")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestMaintenanceTrigger(t *testing.T) {
	jobs := &fakeJobs{}
	srv := newTestServer(&stubProvider{name: "morph"}, jobs, nil)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/maintenance/pause-old-instances", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if diff := cmp.Diff([]string{"pause-old-instances"}, jobs.ran); diff != "" {
		t.Errorf("jobs run mismatch (-want +got):\n%s", diff)
	}
}

func TestMaintenanceUnknownJob(t *testing.T) {
	jobs := &fakeJobs{err: fmt.Errorf("%w %q", maintenance.ErrUnknownJob, "defrag")}
	srv := newTestServer(&stubProvider{name: "morph"}, jobs, nil)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/maintenance/defrag", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// A job that exists but fails mid-run is a collaborator problem, not a bad
// request.
func TestMaintenanceJobFailureIsBadGateway(t *testing.T) {
	jobs := &fakeJobs{err: errors.New("load known instance ids: registry down")}
	srv := newTestServer(&stubProvider{name: "morph"}, jobs, nil)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/maintenance/cleanup-orphaned-containers", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestResumePausedInstance(t *testing.T) {
	sp := &stubProvider{
		name: "morph",
		instances: map[string]*provider.Instance{
			"abc123": {ID: "abc123", Provider: "morph", Status: provider.StatusPaused},
		},
	}
	act := &fakeActivity{}
	srv := newTestServer(sp, nil, act)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/instances/abc123/resume", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var inst provider.Instance
	if err := json.NewDecoder(resp.Body).Decode(&inst); err != nil {
		t.Fatal(err)
	}
	if inst.Status != provider.StatusRunning {
		t.Errorf("status after resume = %q", inst.Status)
	}
	if diff := cmp.Diff([]string{"abc123"}, act.resumes); diff != "" {
		t.Errorf("recorded resumes mismatch (-want +got):\n%s", diff)
	}
}

func TestResumeRunningInstanceIsNoop(t *testing.T) {
	sp := &stubProvider{
		name: "morph",
		instances: map[string]*provider.Instance{
			"abc123": {ID: "abc123", Provider: "morph", Status: provider.StatusRunning},
		},
	}
	srv := newTestServer(sp, nil, &fakeActivity{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/instances/abc123/resume", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if sp.resumes != 0 {
		t.Errorf("resume called %d times on a running instance", sp.resumes)
	}
}

func TestResumeErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unavailable backend", provider.ErrProviderUnavailable, http.StatusBadGateway},
		{"resume timeout", provider.ErrTimeout, http.StatusGatewayTimeout},
		{"wrong tenant", provider.ErrUnauthorized, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp := &stubProvider{
				name: "morph",
				instances: map[string]*provider.Instance{
					"abc123": {ID: "abc123", Provider: "morph", Status: provider.StatusPaused},
				},
				resumeErr: tt.err,
			}
			srv := newTestServer(sp, nil, nil)
			defer srv.Close()

			resp, err := http.Post(srv.URL+"/api/instances/abc123/resume", "", nil)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestResumeCrossTenantIsForbidden(t *testing.T) {
	sp := &stubProvider{
		name: "morph",
		instances: map[string]*provider.Instance{
			"abc123": {
				ID: "abc123", Provider: "morph", Status: provider.StatusPaused,
				Metadata: map[string]string{"teamId": "team-a"},
			},
		},
	}
	srv := newTestServer(sp, nil, nil)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/instances/abc123/resume", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Team-ID", "team-b")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	if sp.resumes != 0 {
		t.Errorf("resume called %d times for a cross-tenant caller", sp.resumes)
	}

	req.Header.Set("X-Team-ID", "team-a")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status for owning team = %d, want 200", resp.StatusCode)
	}
	if sp.resumes != 1 {
		t.Errorf("resume calls for owning team = %d, want 1", sp.resumes)
	}
}

func TestResumeUnknownInstance(t *testing.T) {
	srv := newTestServer(&stubProvider{name: "morph", instances: map[string]*provider.Instance{}}, nil, nil)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/instances/nope/resume", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
