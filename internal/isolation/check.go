// Package isolation checks a live deployment for cross-user leaks.
// Every check writes records under two fresh scratch users and then
// verifies that neither user can observe the other's data.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatcontext/internal/logging"
	"chatcontext/internal/models"
	"chatcontext/internal/services"

	"github.com/google/uuid"
)

// Searcher is the retrieval entry point being checked
type Searcher interface {
	Search(ctx context.Context, userID, query string) (*services.RetrievalResult, error)
}

// Deps are the components under test
type Deps struct {
	Knowledge *services.KnowledgeService
	Search    Searcher
	Cache     *services.SemanticCacheService
	Insights  services.InsightStore
}

// Result is the outcome of one check
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Report lists every check result
type Report struct {
	UserA   string   `json:"user_a"`
	UserB   string   `json:"user_b"`
	Results []Result `json:"results"`
}

// Passed reports whether every check passed
func (r *Report) Passed() bool {
	for _, res := range r.Results {
		if !res.Passed {
			return false
		}
	}
	return true
}

// Run executes all checks. An error means a check could not run at all;
// detected leaks are reported as failed results.
func Run(ctx context.Context, deps Deps) (*Report, error) {
	suffix := uuid.New().String()[:8]
	report := &Report{
		UserA: "isolation-check-a-" + suffix,
		UserB: "isolation-check-b-" + suffix,
	}
	marker := "isolation marker " + suffix
	log := logging.Component("isolation").WithField("run", suffix)

	fragment, err := deps.Knowledge.Create(ctx, report.UserA, models.CreateFragmentRequest{
		Content:     "I keep a private note: " + marker,
		ContentType: string(models.ContentTypeUserFact),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to seed fragment: %w", err)
	}

	report.add(checkList(ctx, deps, report))
	report.add(checkSearch(ctx, deps, report, marker, fragment.ID))

	cacheResult, err := checkCache(ctx, deps, report, marker)
	if err != nil {
		return nil, err
	}
	report.add(cacheResult)

	insightResult, err := checkInsights(ctx, deps, report)
	if err != nil {
		return nil, err
	}
	report.add(insightResult)

	log.WithField("passed", report.Passed()).Info("Isolation checks finished")
	return report, nil
}

func (r *Report) add(res Result) {
	r.Results = append(r.Results, res)
}

func checkList(ctx context.Context, deps Deps, r *Report) Result {
	res := Result{Name: "knowledge_list"}
	list, err := deps.Knowledge.List(ctx, r.UserB, "", 1, 100)
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	for _, f := range list.Fragments {
		if f.UserID != r.UserB {
			res.Detail = fmt.Sprintf("user B listed fragment %s owned by %s", f.ID, f.UserID)
			return res
		}
	}
	own, err := deps.Knowledge.List(ctx, r.UserA, "", 1, 100)
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	if own.Total != 1 {
		res.Detail = fmt.Sprintf("user A sees %d fragments, expected 1", own.Total)
		return res
	}
	res.Passed = true
	return res
}

func checkSearch(ctx context.Context, deps Deps, r *Report, marker, fragmentID string) Result {
	res := Result{Name: "retrieval"}
	other, err := deps.Search.Search(ctx, r.UserB, marker)
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	for _, f := range other.Fragments {
		if f.UserID != r.UserB || f.ID == fragmentID {
			res.Detail = fmt.Sprintf("user B retrieved fragment %s owned by %s", f.ID, f.UserID)
			return res
		}
	}

	own, err := deps.Search.Search(ctx, r.UserA, marker)
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	for _, f := range own.Fragments {
		if f.ID == fragmentID {
			res.Passed = true
			return res
		}
	}
	res.Detail = "user A could not retrieve its own fragment"
	return res
}

func checkCache(ctx context.Context, deps Deps, r *Report, marker string) (Result, error) {
	res := Result{Name: "semantic_cache"}
	hash := services.HashQuery(marker)
	err := deps.Cache.Store(ctx, r.UserA, hash, nil, models.CachedResponse{
		Answer:  "isolation check answer",
		Sources: []string{},
	}, time.Hour)
	if err != nil {
		return res, fmt.Errorf("failed to seed cache entry: %w", err)
	}
	defer func() {
		_, _ = deps.Cache.Invalidate(context.Background(), r.UserA)
	}()

	if entry := deps.Cache.Lookup(ctx, r.UserB, hash); entry != nil {
		res.Detail = "user B hit user A's cache entry"
		return res, nil
	}
	if entry := deps.Cache.Lookup(ctx, r.UserA, hash); entry == nil {
		res.Detail = "user A missed its own cache entry"
		return res, nil
	}
	res.Passed = true
	return res, nil
}

func checkInsights(ctx context.Context, deps Deps, r *Report) (Result, error) {
	res := Result{Name: "insight_profile"}
	if err := deps.Insights.MarkAnalyzed(ctx, r.UserA, time.Now().UTC()); err != nil {
		return res, fmt.Errorf("failed to seed profile: %w", err)
	}

	profile, err := deps.Insights.GetProfile(ctx, r.UserB)
	switch {
	case err == nil:
		res.Detail = fmt.Sprintf("user B loaded a profile owned by %s", profile.UserID)
		return res, nil
	case !errors.Is(err, services.ErrNotFound):
		res.Detail = err.Error()
		return res, nil
	}

	entries, err := deps.Insights.ListLog(ctx, r.UserB, 1, 100)
	if err != nil {
		res.Detail = err.Error()
		return res, nil
	}
	if len(entries) > 0 {
		res.Detail = fmt.Sprintf("user B sees %d audit entries", len(entries))
		return res, nil
	}

	if _, err := deps.Insights.GetProfile(ctx, r.UserA); err != nil {
		res.Detail = "user A could not load its own profile: " + err.Error()
		return res, nil
	}
	res.Passed = true
	return res, nil
}
