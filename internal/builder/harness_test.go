package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/appfactory/internal/builder/metrics"
	"github.com/narvanalabs/appfactory/internal/integrations/github"
	"github.com/narvanalabs/appfactory/internal/lock"
	"github.com/narvanalabs/appfactory/internal/models"
	"github.com/narvanalabs/appfactory/internal/store"
	"github.com/narvanalabs/appfactory/internal/store/memory"
	"github.com/narvanalabs/appfactory/internal/workspace"
)

const testBranch = "main"

// fakeActions is an in-process GitHub Actions API. Every accepted dispatch
// creates a run whose status walks through statuses; the last entry repeats.
type fakeActions struct {
	mu             sync.Mutex
	dispatchStatus int
	createRuns     bool
	statuses       []string
	conclusion     string
	runs           []github.Run
	polls          map[int64]int
	dispatches     []map[string]any
	nextID         int64
}

func newFakeActions() *fakeActions {
	return &fakeActions{
		dispatchStatus: http.StatusNoContent,
		createRuns:     true,
		statuses:       []string{github.RunStatusQueued, github.RunStatusInProgress, github.RunStatusCompleted},
		conclusion:     github.ConclusionSuccess,
		polls:          map[int64]int{},
		nextID:         1000,
	}
}

func (f *fakeActions) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/dispatches"):
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.dispatches = append(f.dispatches, body)
		if f.dispatchStatus != http.StatusNoContent {
			w.WriteHeader(f.dispatchStatus)
			_, _ = w.Write([]byte(`{"message":"Workflow does not have 'workflow_dispatch' trigger"}`))
			return
		}
		if f.createRuns {
			f.nextID++
			ref, _ := body["ref"].(string)
			f.runs = append(f.runs, github.Run{
				ID:         f.nextID,
				Name:       "build",
				HeadBranch: ref,
				Event:      "workflow_dispatch",
				Status:     github.RunStatusQueued,
				CreatedAt:  time.Now().UTC(),
			})
		}
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/actions/runs"):
		out := make([]github.Run, 0, len(f.runs))
		for i := len(f.runs) - 1; i >= 0; i-- {
			out = append(out, f.runs[i])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"workflow_runs": out})

	case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/actions/runs/"):
		id, err := strconv.ParseInt(r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:], 10, 64)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		n := f.polls[id]
		f.polls[id] = n + 1
		status := f.statuses[min(n, len(f.statuses)-1)]
		run := github.Run{ID: id, HeadBranch: testBranch, Status: status}
		if status == github.RunStatusCompleted {
			run.Conclusion = f.conclusion
		}
		_ = json.NewEncoder(w).Encode(run)

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeActions) dispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatches)
}

// fakeWorkspaces creates empty workspace directories and tracks how many
// materializations overlap per company.
type fakeWorkspaces struct {
	root string
	err  error
	hold time.Duration

	mu      sync.Mutex
	active  map[string]int
	overlap bool
	calls   int
}

func (f *fakeWorkspaces) Materialize(ctx context.Context, repoURL string, target workspace.Target) (string, error) {
	f.mu.Lock()
	f.calls++
	f.active[target.CompanyID]++
	if f.active[target.CompanyID] > 1 {
		f.overlap = true
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active[target.CompanyID]--
		f.mu.Unlock()
	}()

	time.Sleep(f.hold)
	if f.err != nil {
		return "", f.err
	}
	path := filepath.Join(f.root, target.CompanyID, target.AppKey)
	if err := os.MkdirAll(filepath.Join(path, "android"), 0755); err != nil {
		return "", err
	}
	return path, nil
}

type fakeCredentials struct {
	blob []byte
	err  error
}

func (f *fakeCredentials) Resolve(ctx context.Context, company *models.Company) ([]byte, error) {
	return f.blob, f.err
}

type fakeInjector struct {
	err error
}

func (f *fakeInjector) Inject(workspacePath string, blob []byte) error {
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(filepath.Join(workspacePath, "android", "play-store-credentials.json"), blob, 0600)
}

type fakePublisher struct {
	mu       sync.Mutex
	err      error
	messages []string
}

func (f *fakePublisher) Publish(ctx context.Context, workspacePath, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.messages = append(f.messages, message)
	return fmt.Sprintf("%040d", len(f.messages)), nil
}

// harness wires a pipeline against the in-memory store and a fake Actions API.
type harness struct {
	store      *memory.Store
	actions    *fakeActions
	ci         *github.Client
	workspaces *fakeWorkspaces
	creds      *fakeCredentials
	injector   *fakeInjector
	publisher  *fakePublisher
	pollCfg    PollerConfig
	locker     *lock.MemoryLocker
	staleAfter time.Duration
	heartbeat  time.Duration
	// wrap, when set, decorates the store seen by the pipeline
	wrap     func(store.Store) store.Store
	registry *prometheus.Registry
	metrics  *metrics.Collector

	company  *models.Company
	template *models.Template
	app      *models.App
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	actions := newFakeActions()
	srv := httptest.NewServer(actions)
	t.Cleanup(srv.Close)

	h := &harness{
		store:   memory.New(),
		actions: actions,
		ci: github.NewClient(github.Config{
			APIURL: srv.URL,
			Owner:  "factory",
			Repo:   "apps",
			Token:  "test-token",
		}),
		workspaces: &fakeWorkspaces{root: t.TempDir(), active: map[string]int{}},
		creds:      &fakeCredentials{blob: []byte(`{"type":"service_account"}`)},
		injector:   &fakeInjector{},
		publisher:  &fakePublisher{},
		pollCfg: PollerConfig{
			Branch:      testBranch,
			Interval:    time.Millisecond,
			MaxAttempts: 20,
			Timeout:     10 * time.Second,
		},
		locker:     lock.NewMemoryLocker(),
		staleAfter: time.Minute,
		registry:   prometheus.NewRegistry(),
	}
	h.metrics = metrics.NewCollector(h.registry)

	ctx := context.Background()
	h.company = &models.Company{ID: "7", Name: "Acme Ltda", TaxID: "12.345.678/0001-90"}
	require.NoError(t, h.store.Companies().Create(ctx, h.company))
	h.template = &models.Template{Name: "flutter", RepoURL: "https://git.example.com/flutter.git"}
	require.NoError(t, h.store.Templates().Create(ctx, h.template))
	h.app = &models.App{CompanyID: h.company.ID, TemplateID: h.template.ID, AppKey: "acme-ltda-7", Active: true}
	require.NoError(t, h.store.Apps().Create(ctx, h.app))
	return h
}

func (h *harness) pipeline() *Pipeline {
	var st store.Store = h.store
	if h.wrap != nil {
		st = h.wrap(st)
	}
	return NewPipeline(PipelineConfig{
		Store:             st,
		Workspaces:        h.workspaces,
		Credentials:       h.creds,
		Injector:          h.injector,
		Publisher:         h.publisher,
		Dispatcher:        NewDispatcher(st, h.ci, "build.yml", testBranch, h.metrics, nil),
		Poller:            NewPoller(st, h.ci, h.pollCfg, h.metrics, nil),
		Locker:            h.locker,
		Branch:            testBranch,
		StaleAfter:        h.staleAfter,
		HeartbeatInterval: h.heartbeat,
		Metrics:           h.metrics,
	})
}

// later returns a clock running ahead of the build heartbeats.
func later() time.Time {
	return time.Now().Add(time.Hour)
}

func (h *harness) newBuild(t *testing.T) *models.Build {
	t.Helper()
	b := &models.Build{CompanyID: h.company.ID, AppID: h.app.ID}
	require.NoError(t, h.store.Builds().Create(context.Background(), b))
	return b
}

func (h *harness) reload(t *testing.T, id string) *models.Build {
	t.Helper()
	b, err := h.store.Builds().Get(context.Background(), id)
	require.NoError(t, err)
	return b
}
