package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/benediktbwimmer/apphub-controlplane/internal/apperrors"
	"github.com/benediktbwimmer/apphub-controlplane/internal/eventbus"
)

// MemStore is the reference in-memory Store implementation. Every exported
// method takes the lock for its whole body, so callers never observe a
// torn read across the fields of one entity.
type MemStore struct {
	mu  sync.Mutex
	bus *eventbus.Bus

	repos        map[string]*Repository
	ingestLog    map[string][]*IngestionEvent
	builds       map[string]*Build
	buildsByRepo map[string][]string

	launches       map[string]*Launch
	launchesByRepo map[string][]string

	networks        map[string]*ServiceNetwork
	networkMembers  map[string][]NetworkMember
	networkLaunches map[string][]string

	services map[string]*Service
	jobs     map[string]*JobDefinition

	bundles     map[string]map[string]*JobBundleVersion // slug -> version -> bundle
	bundleOrder map[string][]string                     // slug -> versions in insertion order

	jobRuns map[string]*JobRun

	nextIngestionEventID int64
}

// NewMemStore builds an empty in-memory store. bus may be nil, in which
// case mutations are not published.
func NewMemStore(bus *eventbus.Bus) *MemStore {
	return &MemStore{
		bus:             bus,
		repos:           make(map[string]*Repository),
		ingestLog:       make(map[string][]*IngestionEvent),
		builds:          make(map[string]*Build),
		buildsByRepo:    make(map[string][]string),
		launches:        make(map[string]*Launch),
		launchesByRepo:  make(map[string][]string),
		networks:        make(map[string]*ServiceNetwork),
		networkMembers:  make(map[string][]NetworkMember),
		networkLaunches: make(map[string][]string),
		services:        make(map[string]*Service),
		jobs:            make(map[string]*JobDefinition),
		bundles:         make(map[string]map[string]*JobBundleVersion),
		bundleOrder:     make(map[string][]string),
		jobRuns:         make(map[string]*JobRun),
	}
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// NewID generates a "<prefix>_<uuid>" identifier, the same scheme MemStore
// uses for every entity it creates. Pipelines that build entities ahead of
// a Store.CreateX call (e.g. to enqueue a queue payload referencing the new
// ID before persisting) use this instead of duplicating the scheme.
func NewID(prefix string) string {
	return newID(prefix)
}

func (s *MemStore) publish(kind eventbus.Kind, data any) {
	if s.bus != nil {
		s.bus.Publish(kind, data)
	}
}

// --- Repositories ---------------------------------------------------------

func (s *MemStore) CreateRepository(ctx context.Context, r *Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = newID("repo")
	}
	if _, exists := s.repos[r.ID]; exists {
		return apperrors.New(apperrors.KindConflict, "repository already exists")
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	if r.IngestStatus == "" {
		r.IngestStatus = IngestSeed
	}
	cp := *r
	s.repos[r.ID] = &cp
	s.publish(eventbus.KindRepositoryUpdated, cp)
	return nil
}

func (s *MemStore) GetRepository(ctx context.Context, id string) (*Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repos[id]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "repository not found")
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) ListRepositories(ctx context.Context, q RepositoryQuery) ([]*Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Repository
	for _, r := range s.repos {
		if q.IngestStatus != "" && r.IngestStatus != q.IngestStatus {
			continue
		}
		if q.Tag != nil && !hasTag(r.Tags, *q.Tag) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, q.Offset, q.Limit), nil
}

func hasTag(tags []Tag, want Tag) bool {
	for _, t := range tags {
		if t.Key == want.Key && (want.Value == "" || t.Value == want.Value) {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (s *MemStore) UpdateRepository(ctx context.Context, id string, fn func(r *Repository) error) (*Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repos[id]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "repository not found")
	}
	cp := *r
	if err := fn(&cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now().UTC()
	stored := cp
	s.repos[id] = &stored
	out := cp
	s.publish(eventbus.KindRepositoryUpdated, out)
	return &out, nil
}

func (s *MemStore) AppendIngestionEvent(ctx context.Context, e *IngestionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repos[e.RepositoryID]; !ok {
		return apperrors.New(apperrors.KindNotFound, "repository not found")
	}
	s.nextIngestionEventID++
	e.ID = s.nextIngestionEventID
	e.CreatedAt = time.Now().UTC()
	cp := *e
	s.ingestLog[e.RepositoryID] = append(s.ingestLog[e.RepositoryID], &cp)
	s.publish(eventbus.KindRepositoryIngestionEvt, cp)
	return nil
}

func (s *MemStore) ListIngestionEvents(ctx context.Context, repositoryID string) ([]*IngestionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.ingestLog[repositoryID]
	out := make([]*IngestionEvent, len(events))
	for i, e := range events {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// --- Builds ----------------------------------------------------------------

func (s *MemStore) CreateBuild(ctx context.Context, b *Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repos[b.RepositoryID]; !ok {
		return apperrors.New(apperrors.KindNotFound, "repository not found")
	}
	if b.ID == "" {
		b.ID = newID("build")
	}
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	if b.Status == "" {
		b.Status = BuildPending
	}
	cp := *b
	s.builds[b.ID] = &cp
	s.buildsByRepo[b.RepositoryID] = append(s.buildsByRepo[b.RepositoryID], b.ID)
	s.publish(eventbus.KindBuildUpdated, cp)
	return nil
}

func (s *MemStore) GetBuild(ctx context.Context, id string) (*Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "build not found")
	}
	cp := *b
	return &cp, nil
}

func (s *MemStore) ListBuilds(ctx context.Context, repositoryID string) ([]*Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.buildsByRepo[repositoryID]
	out := make([]*Build, 0, len(ids))
	for _, id := range ids {
		cp := *s.builds[id]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) UpdateBuild(ctx context.Context, id string, fn func(b *Build) error) (*Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "build not found")
	}
	cp := *b
	if err := fn(&cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now().UTC()
	stored := cp
	s.builds[id] = &stored
	out := cp
	s.publish(eventbus.KindBuildUpdated, out)
	return &out, nil
}

// --- Launches ----------------------------------------------------------------

func (s *MemStore) CreateLaunch(ctx context.Context, l *Launch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repos[l.RepositoryID]; !ok {
		return apperrors.New(apperrors.KindNotFound, "repository not found")
	}
	if l.ID == "" {
		l.ID = newID("launch")
	}
	now := time.Now().UTC()
	l.CreatedAt, l.UpdatedAt = now, now
	if l.Status == "" {
		l.Status = LaunchPending
	}
	cp := *l
	s.launches[l.ID] = &cp
	s.launchesByRepo[l.RepositoryID] = append(s.launchesByRepo[l.RepositoryID], l.ID)
	s.publish(eventbus.KindLaunchUpdated, cp)
	return nil
}

func (s *MemStore) GetLaunch(ctx context.Context, id string) (*Launch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.launches[id]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "launch not found")
	}
	cp := *l
	return &cp, nil
}

func (s *MemStore) ListLaunches(ctx context.Context, repositoryID string) ([]*Launch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.launchesByRepo[repositoryID]
	out := make([]*Launch, 0, len(ids))
	for _, id := range ids {
		cp := *s.launches[id]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) UpdateLaunch(ctx context.Context, id string, fn func(l *Launch) error) (*Launch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.launches[id]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "launch not found")
	}
	cp := *l
	if err := fn(&cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now().UTC()
	stored := cp
	s.launches[id] = &stored
	out := cp
	s.publish(eventbus.KindLaunchUpdated, out)
	return &out, nil
}

// --- Service networks --------------------------------------------------------

func (s *MemStore) CreateServiceNetwork(ctx context.Context, n *ServiceNetwork, members []NetworkMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == "" {
		n.ID = newID("network")
	}
	n.CreatedAt = time.Now().UTC()
	cp := *n
	s.networks[n.ID] = &cp
	memberCopies := make([]NetworkMember, len(members))
	copy(memberCopies, members)
	s.networkMembers[n.ID] = memberCopies
	return nil
}

func (s *MemStore) GetServiceNetwork(ctx context.Context, id string) (*ServiceNetwork, []NetworkMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.networks[id]
	if !ok {
		return nil, nil, apperrors.New(apperrors.KindNotFound, "service network not found")
	}
	cp := *n
	members := make([]NetworkMember, len(s.networkMembers[id]))
	copy(members, s.networkMembers[id])
	return &cp, members, nil
}

func (s *MemStore) LinkLaunchToNetwork(ctx context.Context, networkID, launchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.networks[networkID]; !ok {
		return apperrors.New(apperrors.KindNotFound, "service network not found")
	}
	if _, ok := s.launches[launchID]; !ok {
		return apperrors.New(apperrors.KindNotFound, "launch not found")
	}
	s.networkLaunches[networkID] = append(s.networkLaunches[networkID], launchID)
	return nil
}

func (s *MemStore) ListLaunchesForNetwork(ctx context.Context, networkID string) ([]*Launch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.networkLaunches[networkID]
	out := make([]*Launch, 0, len(ids))
	for _, id := range ids {
		if l, ok := s.launches[id]; ok {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Services ----------------------------------------------------------------

func (s *MemStore) UpsertService(ctx context.Context, svc *Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *svc
	s.services[svc.Slug] = &cp
	s.publish(eventbus.KindServiceUpdated, cp)
	return nil
}

func (s *MemStore) GetService(ctx context.Context, slug string) (*Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[slug]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "service not found")
	}
	cp := *svc
	return &cp, nil
}

func (s *MemStore) ListServices(ctx context.Context) ([]*Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Service, 0, len(s.services))
	for _, svc := range s.services {
		cp := *svc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// --- Job definitions ----------------------------------------------------------

func (s *MemStore) UpsertJobDefinition(ctx context.Context, j *JobDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.jobs[j.Slug]; ok {
		j.CreatedAt = existing.CreatedAt
	} else {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	cp := *j
	s.jobs[j.Slug] = &cp
	return nil
}

func (s *MemStore) GetJobDefinition(ctx context.Context, slug string) (*JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[slug]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "job definition not found")
	}
	cp := *j
	return &cp, nil
}

func (s *MemStore) ListJobDefinitions(ctx context.Context) ([]*JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*JobDefinition, 0, len(s.jobs))
	for _, j := range s.jobs {
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// --- Bundle versions ------------------------------------------------------------

func (s *MemStore) CreateBundleVersion(ctx context.Context, v *JobBundleVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byVersion, ok := s.bundles[v.Slug]
	if !ok {
		byVersion = make(map[string]*JobBundleVersion)
		s.bundles[v.Slug] = byVersion
	}
	if _, exists := byVersion[v.Version]; exists {
		return apperrors.New(apperrors.KindConflict, "bundle version already exists")
	}
	now := time.Now().UTC()
	v.CreatedAt, v.UpdatedAt = now, now
	cp := *v
	byVersion[v.Version] = &cp
	s.bundleOrder[v.Slug] = append(s.bundleOrder[v.Slug], v.Version)
	return nil
}

func (s *MemStore) GetBundleVersion(ctx context.Context, slug, version string) (*JobBundleVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byVersion, ok := s.bundles[slug]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "bundle not found")
	}
	v, ok := byVersion[version]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "bundle version not found")
	}
	cp := *v
	return &cp, nil
}

func (s *MemStore) GetLatestBundleVersion(ctx context.Context, slug string) (*JobBundleVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := s.bundleOrder[slug]
	if len(order) == 0 {
		return nil, apperrors.New(apperrors.KindNotFound, "bundle not found")
	}
	latest := order[len(order)-1]
	cp := *s.bundles[slug][latest]
	return &cp, nil
}

func (s *MemStore) ListBundleVersions(ctx context.Context, slug string) ([]*JobBundleVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := s.bundleOrder[slug]
	out := make([]*JobBundleVersion, 0, len(order))
	for _, version := range order {
		cp := *s.bundles[slug][version]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) AppendBundleHistory(ctx context.Context, slug, version string, entry BundleHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byVersion, ok := s.bundles[slug]
	if !ok {
		return apperrors.New(apperrors.KindNotFound, "bundle not found")
	}
	v, ok := byVersion[version]
	if !ok {
		return apperrors.New(apperrors.KindNotFound, "bundle version not found")
	}
	v.History = append(v.History, entry)
	v.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Job runs --------------------------------------------------------------

func (s *MemStore) CreateJobRun(ctx context.Context, r *JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = newID("run")
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	if r.Status == "" {
		r.Status = JobRunPending
	}
	cp := *r
	s.jobRuns[r.ID] = &cp
	s.publish(eventbus.KindJobRunUpdated, cp)
	return nil
}

func (s *MemStore) GetJobRun(ctx context.Context, id string) (*JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobRuns[id]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "job run not found")
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) ListJobRuns(ctx context.Context, q JobRunQuery) ([]*JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*JobRun
	for _, r := range s.jobRuns {
		if q.JobSlug != "" && r.JobSlug != q.JobSlug {
			continue
		}
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		if !q.Since.IsZero() && r.CreatedAt.Before(q.Since) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, q.Offset, q.Limit), nil
}

func (s *MemStore) UpdateJobRun(ctx context.Context, id string, fn func(r *JobRun) error) (*JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobRuns[id]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "job run not found")
	}
	cp := *r
	if err := fn(&cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now().UTC()
	stored := cp
	s.jobRuns[id] = &stored
	out := cp
	s.publish(eventbus.KindJobRunUpdated, out)
	return &out, nil
}

// --- Search ------------------------------------------------------------------

func (s *MemStore) Search(ctx context.Context, q SearchQuery) (*SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wantKind := func(k string) bool {
		if len(q.Kinds) == 0 {
			return true
		}
		for _, want := range q.Kinds {
			if want == k {
				return true
			}
		}
		return false
	}
	term := strings.ToLower(strings.TrimSpace(q.Text))

	var hits []SearchHit
	facets := make(map[string]int)

	if wantKind("repository") {
		for _, r := range s.repos {
			if !matchesTags(r.Tags, q.Tags) {
				continue
			}
			score := scoreMatch(term, r.Name, r.Description, r.RepoURL)
			if term != "" && score == 0 {
				continue
			}
			hits = append(hits, SearchHit{Kind: "repository", ID: r.ID, Name: r.Name, Excerpt: r.Description, Score: score})
			for _, t := range r.Tags {
				facets[t.Key+":"+t.Value]++
			}
		}
	}
	if wantKind("service") {
		for _, svc := range s.services {
			score := scoreMatch(term, svc.DisplayName, svc.Slug, svc.BaseURL)
			if term != "" && score == 0 {
				continue
			}
			hits = append(hits, SearchHit{Kind: "service", ID: svc.Slug, Name: svc.DisplayName, Score: score})
		}
	}
	if wantKind("job") {
		for _, j := range s.jobs {
			score := scoreMatch(term, j.Name, j.Slug, j.Type)
			if term != "" && score == 0 {
				continue
			}
			hits = append(hits, SearchHit{Kind: "job", ID: j.Slug, Name: j.Name, Score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Name < hits[j].Name
	})

	total := len(hits)
	return &SearchResult{Hits: paginate(hits, q.Offset, q.Limit), Facets: facets, Total: total}, nil
}

func matchesTags(have []Tag, want []Tag) bool {
	for _, w := range want {
		if !hasTag(have, w) {
			return false
		}
	}
	return true
}

// scoreMatch is a simple substring relevance score: an exact field match
// outranks a mere substring, and every matching field adds to the score.
func scoreMatch(term string, fields ...string) float64 {
	if term == "" {
		return 1
	}
	var score float64
	for _, f := range fields {
		lower := strings.ToLower(f)
		switch {
		case lower == term:
			score += 10
		case strings.HasPrefix(lower, term):
			score += 5
		case strings.Contains(lower, term):
			score += 2
		}
	}
	return score
}
