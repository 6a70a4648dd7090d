package evaluation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trustmodel/internal/config"
	"trustmodel/internal/domain"
	"trustmodel/internal/events"
	"trustmodel/internal/repo"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrRunNotFound   = errors.New("evaluation not found")
	ErrRunFinished   = errors.New("evaluation already finished")
)

// errCancelled marks a run context cancelled by an explicit Cancel call, as
// opposed to the run budget expiring.
var errCancelled = errors.New("run cancelled")

const engineActor = "evaluation-engine"

// Engine owns the evaluation run state machine. Runs execute on background
// workers; Start returns as soon as the pending run is persisted.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Executor AgentExecutor
	Config   *config.Config
	Now      func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
	sem     chan struct{}
	wg      sync.WaitGroup
}

func New(db *sql.DB, executor AgentExecutor, cfg *config.Config) *Engine {
	return &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Executor: executor,
		Config:   cfg,
		Now:      time.Now,
		cancels:  map[string]context.CancelCauseFunc{},
		sem:      make(chan struct{}, cfg.Evaluation.Workers),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Create persists a pending run without dispatching it. Suites default to
// the full battery; duplicates collapse and order is canonical.
func (e *Engine) Create(ctx context.Context, agentID string, suites []string, actorID string) (domain.EvaluationRun, error) {
	if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.EvaluationRun{}, ErrAgentNotFound
		}
		return domain.EvaluationRun{}, err
	}
	if len(suites) == 0 {
		suites = domain.Suites
	}
	requested := map[string]bool{}
	for _, s := range suites {
		if _, ok := TestsFor(s); !ok {
			return domain.EvaluationRun{}, UnknownSuiteError{Name: s}
		}
		requested[s] = true
	}
	var ordered []string
	for _, s := range domain.Suites {
		if requested[s] {
			ordered = append(ordered, s)
		}
	}
	run := domain.EvaluationRun{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Status:    domain.RunPending,
		Suites:    ordered,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EvaluationRun{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.EvaluationRun{}, err
	}
	if err := e.Events.Append(ctx, tx, "evaluation.requested", "evaluation", run.ID, actorID, events.EventPayload{
		"agent_id": agentID,
		"suites":   ordered,
	}); err != nil {
		return domain.EvaluationRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.EvaluationRun{}, err
	}
	return run, nil
}

// Start creates a run and hands it to the worker pool.
func (e *Engine) Start(ctx context.Context, agentID string, suites []string, actorID string) (domain.EvaluationRun, error) {
	run, err := e.Create(ctx, agentID, suites, actorID)
	if err != nil {
		return domain.EvaluationRun{}, err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
		// The request context dies with the request; runs outlive it.
		if err := e.Process(context.Background(), run.ID); err != nil {
			log.Printf("evaluation: run %s: %v", run.ID, err)
		}
	}()
	return run, nil
}

// Wait blocks until all dispatched runs have finished. Used on shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) Get(ctx context.Context, runID string) (domain.EvaluationRun, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.EvaluationRun{}, ErrRunNotFound
	}
	return run, err
}

// Cancel is cooperative: a pending run flips to cancelled immediately, a
// running run is signalled and transitions between tests. Terminal runs
// fail with ErrRunFinished.
func (e *Engine) Cancel(ctx context.Context, runID, actorID string) (domain.EvaluationRun, error) {
	run, err := e.Get(ctx, runID)
	if err != nil {
		return domain.EvaluationRun{}, err
	}
	switch run.Status {
	case domain.RunPending:
		now := e.now().UTC().Format(time.RFC3339)
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.EvaluationRun{}, err
		}
		defer tx.Rollback()
		res, err := tx.ExecContext(ctx, `UPDATE evaluation_runs SET status=?, completed_at=? WHERE id=? AND status=?`,
			domain.RunCancelled, now, runID, domain.RunPending)
		if err != nil {
			return domain.EvaluationRun{}, err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			// Lost the race to a worker; fall back to the running path.
			break
		}
		if err := e.Events.Append(ctx, tx, "evaluation.cancelled", "evaluation", runID, actorID, nil); err != nil {
			return domain.EvaluationRun{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.EvaluationRun{}, err
		}
		run.Status = domain.RunCancelled
		run.CompletedAt = &now
		return run, nil
	case domain.RunRunning:
	default:
		return run, ErrRunFinished
	}
	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()
	if !ok {
		// The cancel func is registered before the running flip commits,
		// so a running run without one has already reached a terminal
		// state on the worker; never report a cancel that cannot land.
		run, err = e.Get(ctx, runID)
		if err != nil {
			return domain.EvaluationRun{}, err
		}
		return run, ErrRunFinished
	}
	cancel(errCancelled)
	return run, nil
}

// Process executes one pending run to a terminal state. Runs already picked
// up or cancelled are skipped without error.
func (e *Engine) Process(ctx context.Context, runID string) error {
	run, err := e.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != domain.RunPending {
		return nil
	}
	// Register the cancel signal before the running flip commits so any
	// Cancel that observes status running can always deliver it.
	runCtx, cancel := context.WithCancelCause(ctx)
	e.mu.Lock()
	e.cancels[run.ID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel(nil)
		e.mu.Lock()
		delete(e.cancels, run.ID)
		e.mu.Unlock()
	}()

	started := e.now().UTC().Format(time.RFC3339)
	run.Status = domain.RunRunning
	run.StartedAt = &started
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE evaluation_runs SET status=?, started_at=? WHERE id=? AND status=?`,
		domain.RunRunning, started, run.ID, domain.RunPending)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		// Lost the run to a concurrent cancel; nothing to execute.
		return nil
	}
	if err := e.Events.Append(ctx, tx, "evaluation.started", "evaluation", run.ID, engineActor, events.EventPayload{"suites": run.Suites}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	budgetCtx, cancelBudget := context.WithTimeout(runCtx, e.Config.RunBudget())
	defer cancelBudget()

	outcomes, suiteErrs := e.runSuites(budgetCtx, run)

	completed := e.now().UTC().Format(time.RFC3339)
	run.CompletedAt = &completed
	switch {
	case errors.Is(context.Cause(budgetCtx), errCancelled):
		run.Status = domain.RunCancelled
		return e.update(ctx, run, "evaluation.cancelled", nil)
	case errors.Is(budgetCtx.Err(), context.DeadlineExceeded):
		run.Status = domain.RunFailed
		run.FailReason = fmt.Sprintf("run exceeded its %s budget", e.Config.RunBudget())
		return e.update(ctx, run, "evaluation.failed", events.EventPayload{"reason": run.FailReason})
	case len(suiteErrs) > 0:
		run.Status = domain.RunFailed
		run.FailReason = firstSuiteError(run.Suites, suiteErrs)
		return e.update(ctx, run, "evaluation.failed", events.EventPayload{"reason": run.FailReason})
	}

	suiteScores := map[string]float64{}
	var results []domain.TestOutcome
	for _, suite := range run.Suites {
		res := outcomes[suite]
		sort.Slice(res, func(i, j int) bool { return res[i].TestID < res[j].TestID })
		suiteScores[suite] = meanScore(res)
		results = append(results, res...)
	}
	overall := Overall(suiteScores)
	grade := domain.GradeFor(overall)
	run.Status = domain.RunCompleted
	run.SuiteScores = suiteScores
	run.OverallScore = &overall
	run.Grade = &grade
	run.Results = results
	return e.update(ctx, run, "evaluation.completed", events.EventPayload{
		"overall_score": overall,
		"grade":         grade,
	})
}

// runSuites executes the run's suites on a bounded pool. Tests within a
// suite run sequentially; cancellation is observed between tests.
func (e *Engine) runSuites(ctx context.Context, run domain.EvaluationRun) (map[string][]domain.TestOutcome, map[string]error) {
	var (
		mu        sync.Mutex
		outcomes  = map[string][]domain.TestOutcome{}
		suiteErrs = map[string]error{}
	)
	sem := make(chan struct{}, e.Config.Evaluation.SuiteParallelism)
	var wg sync.WaitGroup
	for _, suite := range run.Suites {
		wg.Add(1)
		go func(suite string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			res, err := e.runSuite(ctx, run.AgentID, suite)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctx.Err() == nil {
					suiteErrs[suite] = err
				}
				return
			}
			outcomes[suite] = res
		}(suite)
	}
	wg.Wait()
	return outcomes, suiteErrs
}

func (e *Engine) runSuite(ctx context.Context, agentID, suite string) ([]domain.TestOutcome, error) {
	specs, _ := TestsFor(suite)
	res := make([]domain.TestOutcome, 0, len(specs))
	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		testCtx, cancelTest := context.WithTimeout(ctx, e.Config.TestTimeout())
		startedAt := time.Now()
		score, err := e.Executor.RunTest(testCtx, agentID, spec)
		cancelTest()
		out := domain.TestOutcome{
			TestID:     spec.ID,
			Suite:      suite,
			Threshold:  spec.Threshold,
			DurationMS: time.Since(startedAt).Milliseconds(),
		}
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, ErrAgentUnreachable):
			return nil, err
		case errors.Is(err, context.DeadlineExceeded):
			// Faulty test, not a faulty run: score 0 and move on.
			out.Error = fmt.Sprintf("test timed out after %s", e.Config.TestTimeout())
		case err != nil:
			out.Error = err.Error()
		default:
			out.Score = clamp01(score)
			out.Passed = out.Score >= spec.Threshold
		}
		res = append(res, out)
	}
	return res, nil
}

func (e *Engine) update(ctx context.Context, run domain.EvaluationRun, evtType string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, evtType, "evaluation", run.ID, engineActor, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func firstSuiteError(suites []string, errs map[string]error) string {
	for _, suite := range suites {
		if err, ok := errs[suite]; ok {
			return fmt.Sprintf("suite %s: %v", suite, err)
		}
	}
	return "suite execution failed"
}
