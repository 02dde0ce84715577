// Package memory provides an in-memory implementation of the store interfaces.
// It backs single-process deployments (DATABASE_URL=memory) and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/appfactory/internal/models"
	"github.com/narvanalabs/appfactory/internal/store"
)

// Store implements store.Store in memory.
type Store struct {
	mu  sync.RWMutex
	seq int64

	companies map[string]*companyRow
	templates map[string]*templateRow
	apps      map[string]*appRow
	builds    map[string]*buildRow
}

type companyRow struct {
	seq int64
	v   models.Company
}

type templateRow struct {
	seq int64
	v   models.Template
}

type appRow struct {
	seq int64
	v   models.App
}

type buildRow struct {
	seq int64
	v   models.Build
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		companies: make(map[string]*companyRow),
		templates: make(map[string]*templateRow),
		apps:      make(map[string]*appRow),
		builds:    make(map[string]*buildRow),
	}
}

// Companies returns the CompanyStore.
func (s *Store) Companies() store.CompanyStore { return (*companyStore)(s) }

// Templates returns the TemplateStore.
func (s *Store) Templates() store.TemplateStore { return (*templateStore)(s) }

// Apps returns the AppStore.
func (s *Store) Apps() store.AppStore { return (*appStore)(s) }

// Builds returns the BuildStore.
func (s *Store) Builds() store.BuildStore { return (*buildStore)(s) }

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// WithTx runs fn against the store itself; individual operations are atomic.
func (s *Store) WithTx(ctx context.Context, fn func(store.Store) error) error { return fn(s) }

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) next() int64 {
	s.seq++
	return s.seq
}

func assignID(id *string) {
	if *id == "" {
		*id = uuid.New().String()
	}
}

func stamp(t *time.Time) {
	if t.IsZero() {
		*t = time.Now().UTC()
	}
}

// newestFirst orders by created_at descending, breaking ties by insertion order.
func newestFirst(created func(i int) (time.Time, int64)) func(i, j int) bool {
	return func(i, j int) bool {
		ti, si := created(i)
		tj, sj := created(j)
		if ti.Equal(tj) {
			return si > sj
		}
		return ti.After(tj)
	}
}

type companyStore Store

func (c *companyStore) Create(ctx context.Context, company *models.Company) error {
	s := (*Store)(c)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.companies {
		if row.v.TaxID == company.TaxID {
			return store.ErrDuplicate
		}
	}
	assignID(&company.ID)
	stamp(&company.CreatedAt)
	v := *company
	v.StoreCredential = append([]byte(nil), company.StoreCredential...)
	s.companies[company.ID] = &companyRow{seq: s.next(), v: v}
	return nil
}

func (c *companyStore) Get(ctx context.Context, id string) (*models.Company, error) {
	s := (*Store)(c)
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.companies[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	v := row.v
	return &v, nil
}

func (c *companyStore) GetByTaxID(ctx context.Context, taxID string) (*models.Company, error) {
	s := (*Store)(c)
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, row := range s.companies {
		if row.v.TaxID == taxID {
			v := row.v
			return &v, nil
		}
	}
	return nil, store.ErrNotFound
}

func (c *companyStore) List(ctx context.Context) ([]*models.Company, error) {
	s := (*Store)(c)
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]*companyRow, 0, len(s.companies))
	for _, row := range s.companies {
		rows = append(rows, row)
	}
	sort.Slice(rows, newestFirst(func(i int) (time.Time, int64) { return rows[i].v.CreatedAt, rows[i].seq }))

	out := make([]*models.Company, len(rows))
	for i, row := range rows {
		v := row.v
		out[i] = &v
	}
	return out, nil
}

type templateStore Store

func (t *templateStore) Create(ctx context.Context, tmpl *models.Template) error {
	s := (*Store)(t)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.templates {
		if row.v.RepoURL == tmpl.RepoURL {
			return store.ErrDuplicate
		}
	}
	assignID(&tmpl.ID)
	stamp(&tmpl.CreatedAt)
	s.templates[tmpl.ID] = &templateRow{seq: s.next(), v: *tmpl}
	return nil
}

func (t *templateStore) Get(ctx context.Context, id string) (*models.Template, error) {
	s := (*Store)(t)
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.templates[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	v := row.v
	return &v, nil
}

func (t *templateStore) GetByRepoURL(ctx context.Context, repoURL string) (*models.Template, error) {
	s := (*Store)(t)
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, row := range s.templates {
		if row.v.RepoURL == repoURL {
			v := row.v
			return &v, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *templateStore) List(ctx context.Context) ([]*models.Template, error) {
	s := (*Store)(t)
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]*templateRow, 0, len(s.templates))
	for _, row := range s.templates {
		rows = append(rows, row)
	}
	sort.Slice(rows, newestFirst(func(i int) (time.Time, int64) { return rows[i].v.CreatedAt, rows[i].seq }))

	out := make([]*models.Template, len(rows))
	for i, row := range rows {
		v := row.v
		out[i] = &v
	}
	return out, nil
}

type appStore Store

func (a *appStore) Create(ctx context.Context, app *models.App) error {
	s := (*Store)(a)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.apps {
		if row.v.AppKey == app.AppKey {
			return store.ErrDuplicate
		}
	}
	assignID(&app.ID)
	stamp(&app.CreatedAt)
	s.apps[app.ID] = &appRow{seq: s.next(), v: *app}
	return nil
}

func (a *appStore) Get(ctx context.Context, id string) (*models.App, error) {
	s := (*Store)(a)
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.apps[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	v := row.v
	return &v, nil
}

func (a *appStore) GetByKey(ctx context.Context, appKey string) (*models.App, error) {
	s := (*Store)(a)
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, row := range s.apps {
		if row.v.AppKey == appKey {
			v := row.v
			return &v, nil
		}
	}
	return nil, store.ErrNotFound
}

func (a *appStore) List(ctx context.Context) ([]*models.App, error) {
	return a.list(func(*models.App) bool { return true }), nil
}

func (a *appStore) ListByCompany(ctx context.Context, companyID string) ([]*models.App, error) {
	return a.list(func(app *models.App) bool { return app.CompanyID == companyID }), nil
}

func (a *appStore) list(keep func(*models.App) bool) []*models.App {
	s := (*Store)(a)
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]*appRow, 0, len(s.apps))
	for _, row := range s.apps {
		if keep(&row.v) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, newestFirst(func(i int) (time.Time, int64) { return rows[i].v.CreatedAt, rows[i].seq }))

	out := make([]*models.App, len(rows))
	for i, row := range rows {
		v := row.v
		out[i] = &v
	}
	return out
}

type buildStore Store

func copyBuild(b models.Build) *models.Build {
	if b.WorkflowRunID != nil {
		id := *b.WorkflowRunID
		b.WorkflowRunID = &id
	}
	return &b
}

func (b *buildStore) Create(ctx context.Context, build *models.Build) error {
	s := (*Store)(b)
	s.mu.Lock()
	defer s.mu.Unlock()

	assignID(&build.ID)
	if _, exists := s.builds[build.ID]; exists {
		return store.ErrDuplicate
	}
	stamp(&build.CreatedAt)
	build.UpdatedAt = build.CreatedAt
	if build.Status == "" {
		build.Status = models.BuildStatusPending
	}
	s.builds[build.ID] = &buildRow{seq: s.next(), v: *copyBuild(*build)}
	return nil
}

func (b *buildStore) Get(ctx context.Context, id string) (*models.Build, error) {
	s := (*Store)(b)
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.builds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyBuild(row.v), nil
}

func (b *buildStore) ListByCompany(ctx context.Context, companyID string) ([]*models.Build, error) {
	s := (*Store)(b)
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]*buildRow, 0)
	for _, row := range s.builds {
		if row.v.CompanyID == companyID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, newestFirst(func(i int) (time.Time, int64) { return rows[i].v.CreatedAt, rows[i].seq }))

	out := make([]*models.Build, len(rows))
	for i, row := range rows {
		out[i] = copyBuild(row.v)
	}
	return out, nil
}

func (b *buildStore) Transition(ctx context.Context, id string, change models.StatusChange) (*models.Build, error) {
	s := (*Store)(b)
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.builds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if row.v.Status != change.From || !change.From.CanTransitionTo(change.To) {
		return nil, store.ErrInvalidTransition
	}

	now := time.Now().UTC()
	row.v.Status = change.To
	row.v.UpdatedAt = now
	switch {
	case change.To == models.BuildStatusInProgress:
		row.v.StartedAt = &now
	case change.To.IsTerminal():
		row.v.FinishedAt = &now
		row.v.FailureReason = change.Reason
		row.v.FailureDetail = change.Detail
	}
	return copyBuild(row.v), nil
}

func (b *buildStore) SetWorkflowRunID(ctx context.Context, id string, runID int64) error {
	s := (*Store)(b)
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.builds[id]
	if !ok {
		return store.ErrNotFound
	}
	if row.v.Status != models.BuildStatusInProgress || row.v.WorkflowRunID != nil {
		return store.ErrRunIDAlreadySet
	}
	row.v.WorkflowRunID = &runID
	row.v.UpdatedAt = time.Now().UTC()
	return nil
}

func (b *buildStore) Heartbeat(ctx context.Context, id string) error {
	s := (*Store)(b)
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.builds[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	row.v.HeartbeatAt = &now
	return nil
}

func (b *buildStore) ListStale(ctx context.Context, status models.BuildStatus, before time.Time) ([]*models.Build, error) {
	s := (*Store)(b)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Build, 0)
	for _, row := range s.builds {
		if row.v.Status != status {
			continue
		}
		last := row.v.UpdatedAt
		if row.v.HeartbeatAt != nil && row.v.HeartbeatAt.After(last) {
			last = *row.v.HeartbeatAt
		}
		if last.Before(before) {
			out = append(out, copyBuild(row.v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
