package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx/types"

	"github.com/sumire/aidev/internal/domain"
	"github.com/sumire/aidev/internal/repository"
)

// fakeJobs mirrors the guarded transitions of repository.JobRepository.
type fakeJobs struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[string]*domain.Job
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]*domain.Job{}}
}

func (f *fakeJobs) put(j domain.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if j.ID == 0 {
		j.ID = f.nextID
	}
	f.jobs[j.IssueKey] = &j
}

func clone(j *domain.Job) *domain.Job {
	c := *j
	return &c
}

func (f *fakeJobs) byRun(runID string) *domain.Job {
	for _, j := range f.jobs {
		if j.CurrentShardJobID != nil && *j.CurrentShardJobID == runID {
			return j
		}
	}
	return nil
}

func (f *fakeJobs) GetOrCreate(_ context.Context, in repository.NewJob) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[in.IssueKey]; ok {
		return clone(j), nil
	}
	f.nextID++
	j := &domain.Job{
		ID:               f.nextID,
		IssueKey:         in.IssueKey,
		BoardID:          in.BoardID,
		RepoConnectionID: in.RepoConnectionID,
		CloudID:          in.CloudID,
		Status:           domain.JobStatusPending,
		CreatedAt:        time.Now(),
	}
	f.jobs[in.IssueKey] = j
	return clone(j), nil
}

func (f *fakeJobs) Get(_ context.Context, issueKey string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[issueKey]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(j), nil
}

func (f *fakeJobs) GetByShardJobID(_ context.Context, runID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.byRun(runID)
	if j == nil {
		return nil, domain.ErrNotFound
	}
	return clone(j), nil
}

func (f *fakeJobs) List(_ context.Context, filter repository.JobFilter) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.Job{}
	for _, j := range f.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID > out[b].ID })
	return out, nil
}

func (f *fakeJobs) ListRunningSince(_ context.Context, t time.Time) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.Job{}
	for _, j := range f.jobs {
		if j.Status == domain.JobStatusRunning && j.StartedAt != nil && j.StartedAt.Before(t) {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (f *fakeJobs) BeginRun(_ context.Context, issueKey string, kind domain.DispatchKind, runID, defaultBranch string) (*repository.Claim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[issueKey]
	if !ok {
		return nil, domain.ErrInvalidTransition
	}
	allowed := false
	for _, s := range domain.DispatchableFrom(kind) {
		if j.Status == s && (!s.RequiresBranch() || j.BranchName != nil) {
			allowed = true
		}
	}
	if !allowed {
		return nil, fmt.Errorf("dispatch %s (%s): %w", issueKey, kind, domain.ErrInvalidTransition)
	}

	claim := &repository.Claim{
		PrevStatus:     j.Status,
		PrevShardJobID: j.CurrentShardJobID,
		PrevShardID:    j.CurrentShardID,
		PrevError:      j.ErrorMessage,
	}
	now := time.Now()
	j.Status = domain.JobStatusRunning
	j.CurrentShardJobID = &runID
	j.CurrentShardID = nil
	j.RunCount++
	if j.BranchName == nil {
		b := defaultBranch
		j.BranchName = &b
	}
	j.ErrorMessage = nil
	j.StartedAt = &now
	j.CompletedAt = nil
	claim.Job = clone(j)
	return claim, nil
}

func (f *fakeJobs) AssignShard(_ context.Context, runID string, shardID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j := f.byRun(runID); j != nil && j.Status == domain.JobStatusRunning {
		j.CurrentShardID = &shardID
	}
	return nil
}

func (f *fakeJobs) AbortRun(_ context.Context, c *repository.Claim) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[c.Job.IssueKey]
	if !ok || j.ShardJobID() != c.Job.ShardJobID() || j.Status != domain.JobStatusRunning {
		return nil
	}
	j.Status = c.PrevStatus
	j.CurrentShardJobID = c.PrevShardJobID
	j.CurrentShardID = c.PrevShardID
	j.ErrorMessage = c.PrevError
	if j.RunCount > 0 {
		j.RunCount--
	}
	return nil
}

func (f *fakeJobs) running(runID string) *domain.Job {
	j := f.byRun(runID)
	if j == nil || j.Status != domain.JobStatusRunning {
		return nil
	}
	return j
}

func outcomeJSON(o repository.Outcome) types.JSONText {
	if o.Result == nil {
		return types.JSONText("{}")
	}
	b, _ := json.Marshal(o.Result)
	return b
}

func (f *fakeJobs) MarkPRCreated(_ context.Context, runID string, o repository.Outcome) (*domain.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.running(runID)
	if j == nil {
		return nil, false, nil
	}
	now := time.Now()
	j.Status = domain.JobStatusPRCreated
	if o.BranchName != "" {
		b := o.BranchName
		j.BranchName = &b
	}
	prURL := o.PRURL
	j.PRURL = &prURL
	if o.PRNumber != 0 {
		n := o.PRNumber
		j.PRNumber = &n
	}
	if o.CommitSHA != "" {
		sha := o.CommitSHA
		j.CommitSHA = &sha
	}
	out := o.Output
	j.LastOutput = &out
	j.LastResultJSON = outcomeJSON(o)
	j.ErrorMessage = nil
	j.CompletedAt = &now
	return clone(j), true, nil
}

func (f *fakeJobs) MarkWaitingClarification(_ context.Context, runID string, questions []string, o repository.Outcome) (*domain.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.running(runID)
	if j == nil {
		return nil, false, nil
	}
	qs, _ := json.Marshal(questions)
	j.Status = domain.JobStatusWaitingClarification
	j.ClarificationQuestions = qs
	j.ClarificationCommentID = nil
	out := o.Output
	j.LastOutput = &out
	j.LastResultJSON = outcomeJSON(o)
	return clone(j), true, nil
}

func (f *fakeJobs) SetClarificationComment(_ context.Context, issueKey, commentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[issueKey]; ok && j.Status == domain.JobStatusWaitingClarification {
		j.ClarificationCommentID = &commentID
	}
	return nil
}

func (f *fakeJobs) MarkFailed(_ context.Context, runID, errMsg string, o repository.Outcome) (*domain.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.running(runID)
	if j == nil {
		return nil, false, nil
	}
	now := time.Now()
	j.Status = domain.JobStatusFailed
	j.ErrorMessage = &errMsg
	if o.Output != "" {
		out := o.Output
		j.LastOutput = &out
	}
	j.LastResultJSON = outcomeJSON(o)
	j.CompletedAt = &now
	return clone(j), true, nil
}

func (f *fakeJobs) MarkComplete(_ context.Context, issueKey string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[issueKey]
	if !ok || j.Status != domain.JobStatusPRCreated {
		return nil, fmt.Errorf("complete %s: %w", issueKey, domain.ErrInvalidTransition)
	}
	j.Status = domain.JobStatusComplete
	return clone(j), nil
}

type fakeLogs struct {
	mu      sync.Mutex
	entries []domain.JobLog
}

func (f *fakeLogs) Append(_ context.Context, issueKey string, level domain.LogLevel, message string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, domain.JobLog{ID: int64(len(f.entries) + 1), IssueKey: issueKey, Level: level, Message: message})
	return nil
}

func (f *fakeLogs) List(_ context.Context, issueKey string, _ int) ([]domain.JobLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.JobLog{}
	for _, e := range f.entries {
		if e.IssueKey == issueKey {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLogs) messages(issueKey string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.entries {
		if e.IssueKey == issueKey {
			out = append(out, e.Message)
		}
	}
	return out
}

type fakeRuns struct {
	mu   sync.Mutex
	runs map[string]*domain.ShardJob
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{runs: map[string]*domain.ShardJob{}}
}

func (f *fakeRuns) Create(_ context.Context, jobID string, shardID int64, issueKey string, request any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runs[jobID]; ok {
		return domain.ErrConflict
	}
	req, _ := json.Marshal(request)
	f.runs[jobID] = &domain.ShardJob{
		JobID:       jobID,
		ShardID:     shardID,
		IssueKey:    issueKey,
		Status:      domain.RunStatusQueued,
		RequestJSON: req,
		CreatedAt:   time.Now(),
	}
	return nil
}

func (f *fakeRuns) Reassign(_ context.Context, jobID string, shardID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runs[jobID]; ok {
		r.ShardID = shardID
	}
	return nil
}

func (f *fakeRuns) UpdateStatus(_ context.Context, jobID string, status domain.RunStatus, errMsg string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[jobID]
	if !ok || r.Status.IsTerminal() {
		return nil
	}
	r.Status = status
	if errMsg != "" {
		r.ErrorMessage = &errMsg
	}
	return nil
}

func (f *fakeRuns) Get(_ context.Context, jobID string) (*domain.ShardJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (f *fakeRuns) ListForIssue(_ context.Context, issueKey string) ([]domain.ShardJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.ShardJob{}
	for _, r := range f.runs {
		if r.IssueKey == issueKey {
			out = append(out, *r)
		}
	}
	return out, nil
}

type fakeShards struct {
	mu     sync.Mutex
	loads  []domain.ShardLoad
	health map[int64]domain.ShardHealth
}

func newFakeShards(loads ...domain.ShardLoad) *fakeShards {
	return &fakeShards{loads: loads, health: map[int64]domain.ShardHealth{}}
}

func (f *fakeShards) FindByID(_ context.Context, id int64) (*domain.Shard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.loads {
		if l.ID == id {
			s := l.Shard
			return &s, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeShards) List(_ context.Context) ([]domain.Shard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Shard, 0, len(f.loads))
	for _, l := range f.loads {
		out = append(out, l.Shard)
	}
	return out, nil
}

func (f *fakeShards) ListEnabledWithLoad(_ context.Context) ([]domain.ShardLoad, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.ShardLoad{}
	for _, l := range f.loads {
		if l.IsEnabled {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeShards) UpdateHealth(_ context.Context, id int64, health domain.ShardHealth) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health[id] = health
	return nil
}

func (f *fakeShards) healthOf(id int64) domain.ShardHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health[id]
}

type fakeBoards map[int64]*domain.Board

func (f fakeBoards) FindByID(_ context.Context, id int64) (*domain.Board, error) {
	b, ok := f[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

type fakeRepos map[int64]*domain.RepoConnection

func (f fakeRepos) FindByID(_ context.Context, id int64) (*domain.RepoConnection, error) {
	r, ok := f[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r, nil
}

type fakeWarnings struct {
	mu       sync.Mutex
	warnings []domain.OperatorWarning
}

func (f *fakeWarnings) Create(_ context.Context, issueKey, kind, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warnings = append(f.warnings, domain.OperatorWarning{IssueKey: issueKey, Kind: kind, Message: message})
	return nil
}

func (f *fakeWarnings) List(_ context.Context, _ int) ([]domain.OperatorWarning, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.OperatorWarning(nil), f.warnings...), nil
}

type postedComment struct {
	IssueKey string
	ID       string
	Text     string
}

type fakeTracker struct {
	mu            sync.Mutex
	botAccountID  string
	tickets       map[string]*domain.Ticket
	comments      []postedComment
	transitions   []string
	labelsAdded   []string
	labelsRemoved []string
}

func newFakeTracker(botAccountID string) *fakeTracker {
	return &fakeTracker{botAccountID: botAccountID, tickets: map[string]*domain.Ticket{}}
}

func (f *fakeTracker) ticket(key string) *domain.Ticket {
	t, ok := f.tickets[key]
	if !ok {
		t = &domain.Ticket{Key: key, Summary: "Summary of " + key, Description: "Description of " + key}
		f.tickets[key] = t
	}
	return t
}

func (f *fakeTracker) GetIssue(_ context.Context, _, key string) (*domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := *f.ticket(key)
	t.Comments = append([]domain.TicketComment(nil), t.Comments...)
	return &t, nil
}

func (f *fakeTracker) AddComment(_ context.Context, _, key, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("c%d", len(f.comments)+1)
	f.comments = append(f.comments, postedComment{IssueKey: key, ID: id, Text: text})
	t := f.ticket(key)
	t.Comments = append(t.Comments, domain.TicketComment{ID: id, AuthorAccountID: f.botAccountID, Body: text})
	return id, nil
}

func (f *fakeTracker) addHumanComment(key, id, author, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.ticket(key)
	t.Comments = append(t.Comments, domain.TicketComment{ID: id, AuthorAccountID: author, Body: body})
}

func (f *fakeTracker) TransitionToStatus(_ context.Context, _, key, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, key+"->"+status)
	return nil
}

func (f *fakeTracker) AddLabel(_ context.Context, _, key, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labelsAdded = append(f.labelsAdded, key+":"+label)
	return nil
}

func (f *fakeTracker) RemoveLabel(_ context.Context, _, key, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labelsRemoved = append(f.labelsRemoved, key+":"+label)
	return nil
}

func (f *fakeTracker) posted() []postedComment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]postedComment(nil), f.comments...)
}

type executeCall struct {
	Shard string
	Req   domain.ExecuteRequest
}

type fakeShardAPI struct {
	mu         sync.Mutex
	executeErr map[string]error
	executed   []executeCall
	attempts   []string
	status     map[string]*domain.RunSnapshot
	statusErr  error
	cancelled  []string
	cancelErr  error
	healthErr  map[string]error
}

func newFakeShardAPI() *fakeShardAPI {
	return &fakeShardAPI{
		executeErr: map[string]error{},
		status:     map[string]*domain.RunSnapshot{},
		healthErr:  map[string]error{},
	}
}

func (f *fakeShardAPI) Execute(_ context.Context, s domain.Shard, req domain.ExecuteRequest) (*domain.ExecuteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, s.Name)
	if err := f.executeErr[s.Name]; err != nil {
		return nil, err
	}
	f.executed = append(f.executed, executeCall{Shard: s.Name, Req: req})
	return &domain.ExecuteResponse{Success: true, JobID: req.JobID, Status: domain.RunStatusQueued}, nil
}

func (f *fakeShardAPI) Status(_ context.Context, _ domain.Shard, jobID string) (*domain.RunSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	snap, ok := f.status[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return snap, nil
}

func (f *fakeShardAPI) Cancel(_ context.Context, _ domain.Shard, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return f.cancelErr
}

func (f *fakeShardAPI) Health(_ context.Context, s domain.Shard) (*domain.HealthResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.healthErr[s.Name]; err != nil {
		return nil, err
	}
	return &domain.HealthResponse{Status: "healthy", ShardID: s.Name}, nil
}

func (f *fakeShardAPI) executions() []executeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]executeCall(nil), f.executed...)
}
