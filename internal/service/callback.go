package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/sumire/aidev/internal/domain"
	"github.com/sumire/aidev/internal/repository"
)

const (
	maxStoredOutput  = 64 * 1024
	maxCommentOutput = 2000
)

var creditExhausted = regexp.MustCompile(`(?i)credit balance|insufficient`)

// HandleCallback applies a shard's report about a run. Unknown runs yield
// domain.ErrNotFound. Reports about a run the job has moved past, and
// repeated reports about the same run, are accepted and change nothing.
func (s *JobService) HandleCallback(ctx context.Context, cb domain.Callback) error {
	run, err := s.runs.Get(ctx, cb.JobID)
	if err != nil {
		return err
	}

	if cb.Status == domain.RunStatusProgress {
		msg := cb.Message
		if msg == "" {
			msg = "run progress"
		}
		if err := s.runs.UpdateStatus(ctx, cb.JobID, domain.RunStatusRunning, "", nil); err != nil {
			slog.Warn("failed to record run progress", "run_id", cb.JobID, "error", err)
		}
		s.appendLog(ctx, run.IssueKey, domain.LogLevelInfo, msg, map[string]any{"run_id": cb.JobID})
		return nil
	}

	if err := s.runs.UpdateStatus(ctx, cb.JobID, cb.Status, cb.Error, cb.Result); err != nil {
		return err
	}

	job, err := s.jobs.GetByShardJobID(ctx, cb.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		slog.Info("ignoring callback for superseded run", "run_id", cb.JobID, "issue_key", run.IssueKey, "status", cb.Status)
		return nil
	}
	if err != nil {
		return err
	}

	return s.applyOutcome(ctx, job, cb)
}

func (s *JobService) applyOutcome(ctx context.Context, job *domain.Job, cb domain.Callback) error {
	res := cb.Result
	o := repository.Outcome{}
	if res != nil {
		o.Output = tail(res.RawOutput, maxStoredOutput)
		o.Result = res
	}

	switch {
	case cb.Status == domain.RunStatusCompleted && res != nil && res.Success && res.PRURL != "":
		o.BranchName = res.BranchName
		o.PRURL = res.PRURL
		o.PRNumber = res.PRNumber
		o.CommitSHA = res.CommitSHA
		updated, ok, err := s.jobs.MarkPRCreated(ctx, cb.JobID, o)
		if err != nil {
			return err
		}
		if !ok {
			slog.Info("duplicate completion ignored", "run_id", cb.JobID, "issue_key", job.IssueKey)
			return nil
		}
		s.onPRCreated(ctx, updated, res)

	case cb.Status == domain.RunStatusCompleted && res != nil && res.NeedsClarification && len(res.Questions) > 0:
		updated, ok, err := s.jobs.MarkWaitingClarification(ctx, cb.JobID, res.Questions, o)
		if err != nil {
			return err
		}
		if !ok {
			slog.Info("duplicate clarification ignored", "run_id", cb.JobID, "issue_key", job.IssueKey)
			return nil
		}
		s.onClarification(ctx, updated, res.Questions)

	default:
		reason := failureReason(cb)
		updated, ok, err := s.jobs.MarkFailed(ctx, cb.JobID, reason, o)
		if err != nil {
			return err
		}
		if !ok {
			slog.Info("duplicate failure ignored", "run_id", cb.JobID, "issue_key", job.IssueKey)
			return nil
		}
		s.onFailed(ctx, updated, reason)
	}
	return nil
}

func failureReason(cb domain.Callback) string {
	if cb.Error != "" {
		return cb.Error
	}
	res := cb.Result
	if res == nil {
		return "run failed without a result"
	}
	if res.Reason != "" {
		return res.Reason
	}
	if res.Stderr != "" {
		return tail(res.Stderr, maxCommentOutput)
	}
	if cb.Status == domain.RunStatusCompleted {
		return "agent finished without creating a pull request"
	}
	if res.RawOutput != "" {
		return tail(res.RawOutput, maxCommentOutput)
	}
	return "run failed"
}

func (s *JobService) onPRCreated(ctx context.Context, job *domain.Job, res *domain.RunResult) {
	slog.Info("pull request created", "issue_key", job.IssueKey, "pr_url", res.PRURL)
	s.appendLog(ctx, job.IssueKey, domain.LogLevelInfo, "pull request created", map[string]any{
		"run_id":    job.ShardJobID(),
		"pr_url":    res.PRURL,
		"pr_number": res.PRNumber,
		"branch":    job.Branch(),
	})

	s.trackerStep(ctx, job, "add pull request comment", func() error {
		_, err := s.tracker.AddComment(ctx, job.CloudID, job.IssueKey, prComment(job, res))
		return err
	})
	s.boardSteps(ctx, job, func(b *domain.Board) *string { return b.StatusPRCreated })
}

func (s *JobService) onClarification(ctx context.Context, job *domain.Job, questions []string) {
	s.appendLog(ctx, job.IssueKey, domain.LogLevelInfo, "clarification requested", map[string]any{
		"run_id":    job.ShardJobID(),
		"questions": questions,
	})

	s.trackerStep(ctx, job, "add clarification comment", func() error {
		id, err := s.tracker.AddComment(ctx, job.CloudID, job.IssueKey, clarificationComment(questions))
		if err != nil {
			return err
		}
		return s.jobs.SetClarificationComment(ctx, job.IssueKey, id)
	})
	s.boardSteps(ctx, job, func(b *domain.Board) *string { return b.StatusClarification })
}

func (s *JobService) onFailed(ctx context.Context, job *domain.Job, reason string) {
	slog.Warn("run failed", "issue_key", job.IssueKey, "run_id", job.ShardJobID(), "error", reason)
	s.appendLog(ctx, job.IssueKey, domain.LogLevelError, "run failed", map[string]any{
		"run_id": job.ShardJobID(),
		"error":  reason,
	})

	if creditExhausted.MatchString(reason) {
		if err := s.warnings.Create(ctx, job.IssueKey, domain.WarningCreditBalance, reason); err != nil {
			slog.Error("failed to record operator warning", "issue_key", job.IssueKey, "error", err)
		}
	}

	if reason == "cancelled" {
		return
	}
	s.trackerStep(ctx, job, "add failure comment", func() error {
		_, err := s.tracker.AddComment(ctx, job.CloudID, job.IssueKey, failureComment(reason))
		return err
	})
	s.boardSteps(ctx, job, func(b *domain.Board) *string { return b.StatusFailed })
}

// boardSteps moves the ticket to the board's status for the new job state
// and drops the working label.
func (s *JobService) boardSteps(ctx context.Context, job *domain.Job, status func(*domain.Board) *string) {
	board, err := s.boards.FindByID(ctx, job.BoardID)
	if err != nil {
		slog.Warn("board lookup failed", "issue_key", job.IssueKey, "board_id", job.BoardID, "error", err)
		return
	}
	if st := deref(status(board)); st != "" {
		s.trackerStep(ctx, job, "transition to "+st, func() error {
			return s.tracker.TransitionToStatus(ctx, job.CloudID, job.IssueKey, st)
		})
	}
	if label := deref(board.WorkingLabel); label != "" {
		s.trackerStep(ctx, job, "remove label "+label, func() error {
			return s.tracker.RemoveLabel(ctx, job.CloudID, job.IssueKey, label)
		})
	}
}

// TicketComment is a comment-created event from the tracker.
type TicketComment struct {
	IssueKey        string
	CommentID       string
	AuthorAccountID string
	Body            string
}

// HandleTicketComment resumes a job waiting for clarification when a human
// replies on its ticket. It reports whether a resume was dispatched.
func (s *JobService) HandleTicketComment(ctx context.Context, ev TicketComment) (bool, error) {
	job, err := s.jobs.Get(ctx, ev.IssueKey)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if job.Status != domain.JobStatusWaitingClarification {
		return false, nil
	}
	if job.ClarificationCommentID != nil && *job.ClarificationCommentID == ev.CommentID {
		return false, nil
	}
	if isBotComment(ev.AuthorAccountID, ev.Body, s.cfg.BotAccountID) {
		return false, nil
	}

	_, err = s.dispatchJob(ctx, job, domain.DispatchResume, dispatchOptions{})
	if errors.Is(err, domain.ErrInvalidTransition) {
		// Another delivery of this event already resumed the job.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resume %s: %w", ev.IssueKey, err)
	}
	return true, nil
}

func prComment(job *domain.Job, res *domain.RunResult) string {
	var b strings.Builder
	b.WriteString(domain.BotMarker + ": Pull request created\n\n")
	fmt.Fprintf(&b, "Pull request: %s\n", res.PRURL)
	if branch := job.Branch(); branch != "" {
		fmt.Fprintf(&b, "Branch: %s\n", branch)
	}
	if res.Summary != "" {
		b.WriteString("\n" + res.Summary + "\n")
	}
	if len(res.FilesChanged) > 0 {
		b.WriteString("\nFiles changed:\n")
		for _, f := range res.FilesChanged {
			b.WriteString("- " + f + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func clarificationComment(questions []string) string {
	var b strings.Builder
	b.WriteString(domain.BotMarker + ": Clarification Needed\n\n")
	b.WriteString("Before continuing, please answer the following:\n")
	for i, q := range questions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, q)
	}
	b.WriteString("\nReply with a comment on this ticket and work will resume automatically.")
	return b.String()
}

func failureComment(reason string) string {
	return domain.BotMarker + ": Run failed\n\n" + tail(reason, maxCommentOutput)
}

// tail keeps at most the last n bytes of s, starting on a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
