package service

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumire/aidev/internal/domain"
)

func prCallback(runID string) domain.Callback {
	return domain.Callback{
		JobID:  runID,
		Status: domain.RunStatusCompleted,
		Result: &domain.RunResult{
			Success:    true,
			PRURL:      "https://github.com/x/y/pull/9",
			PRNumber:   9,
			BranchName: "fix/ABC-123",
			Summary:    "Added the endpoint.",
		},
		ElapsedSeconds: 42,
	}
}

func TestHandleCallback_PRCreatedScenario(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	require.NoError(t, h.svc.HandleCallback(context.Background(), prCallback("run-1")))

	job, err := h.jobs.Get(context.Background(), testIssue)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPRCreated, job.Status)
	require.NotNil(t, job.PRURL)
	assert.Equal(t, "https://github.com/x/y/pull/9", *job.PRURL)
	require.NotNil(t, job.PRNumber)
	assert.Equal(t, 9, *job.PRNumber)
	assert.Equal(t, "fix/ABC-123", job.Branch())

	comments := h.tracker.posted()
	require.Len(t, comments, 1)
	assert.Equal(t, testIssue, comments[0].IssueKey)
	assert.Contains(t, comments[0].Text, "https://github.com/x/y/pull/9")
	assert.True(t, strings.HasPrefix(comments[0].Text, domain.BotMarker))

	assert.Contains(t, h.tracker.transitions, "ABC-123->In Review")
	assert.Equal(t, []string{"ABC-123:ai-working"}, h.tracker.labelsRemoved)

	run, err := h.runs.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
}

func TestHandleCallback_DuplicateDeliveryIsNoop(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	require.NoError(t, h.svc.HandleCallback(context.Background(), prCallback("run-1")))
	require.NoError(t, h.svc.HandleCallback(context.Background(), prCallback("run-1")))

	assert.Len(t, h.tracker.posted(), 1)
	assert.Len(t, h.tracker.labelsRemoved, 1)
	job, err := h.jobs.Get(context.Background(), testIssue)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPRCreated, job.Status)
}

func TestHandleCallback_UnknownRun(t *testing.T) {
	h := newHarness(t)

	err := h.svc.HandleCallback(context.Background(), prCallback("nope"))

	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHandleCallback_StaleRunIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	require.NoError(t, h.svc.HandleCallback(context.Background(), domain.Callback{
		JobID: "run-1", Status: domain.RunStatusFailed, Error: "tests failed",
	}))
	_, err := h.svc.Dispatch(context.Background(), DispatchRequest{IssueKey: testIssue})
	require.NoError(t, err)
	before := len(h.tracker.posted())

	err = h.svc.HandleCallback(context.Background(), prCallback("run-1"))
	require.NoError(t, err)

	job, err := h.jobs.Get(context.Background(), testIssue)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	assert.Equal(t, "run-2", job.ShardJobID())
	assert.Len(t, h.tracker.posted(), before)
}

func TestHandleCallback_ClarificationScenario(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	require.NoError(t, h.svc.HandleCallback(context.Background(), domain.Callback{
		JobID:  "run-1",
		Status: domain.RunStatusCompleted,
		Result: &domain.RunResult{NeedsClarification: true, Questions: []string{"Which endpoint?"}},
	}))

	job, err := h.jobs.Get(context.Background(), testIssue)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusWaitingClarification, job.Status)
	assert.Equal(t, []string{"Which endpoint?"}, job.Questions())
	comments := h.tracker.posted()
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0].Text, "Which endpoint?")
	assert.Contains(t, comments[0].Text, "Clarification Needed")
	require.NotNil(t, job.ClarificationCommentID)
	assert.Equal(t, comments[0].ID, *job.ClarificationCommentID)

	// The tracker echoes our own comment back first.
	resumed, err := h.svc.HandleTicketComment(context.Background(), TicketComment{
		IssueKey: testIssue, CommentID: comments[0].ID, AuthorAccountID: testBot, Body: comments[0].Text,
	})
	require.NoError(t, err)
	assert.False(t, resumed)

	h.tracker.addHumanComment(testIssue, "h1", "human", "Use /v2/orders")
	reply := TicketComment{IssueKey: testIssue, CommentID: "h1", AuthorAccountID: "human", Body: "Use /v2/orders"}
	resumed, err = h.svc.HandleTicketComment(context.Background(), reply)
	require.NoError(t, err)
	assert.True(t, resumed)

	// Redelivery of the same webhook must not resume twice.
	resumed, err = h.svc.HandleTicketComment(context.Background(), reply)
	require.NoError(t, err)
	assert.False(t, resumed)

	calls := h.client.executions()
	require.Len(t, calls, 2)
	resume := calls[1].Req
	assert.Equal(t, "run-2", resume.JobID)
	assert.Equal(t, "ai-dev/ABC-123", resume.Task.Branch)
	assert.Contains(t, resume.Context.ClarificationAnswers, "Which endpoint?")
	assert.Contains(t, resume.Context.ClarificationAnswers, "Use /v2/orders")
}

func TestHandleTicketComment_IgnoresMarkedComments(t *testing.T) {
	h := newHarness(t)
	h.jobs.put(domain.Job{IssueKey: testIssue, BoardID: 1, CloudID: "cloud-1", Status: domain.JobStatusWaitingClarification, BranchName: strp("ai-dev/ABC-123")})

	resumed, err := h.svc.HandleTicketComment(context.Background(), TicketComment{
		IssueKey: testIssue, CommentID: "x", AuthorAccountID: "someone", Body: domain.BotMarker + ": Run failed",
	})
	require.NoError(t, err)
	assert.False(t, resumed)

	resumed, err = h.svc.HandleTicketComment(context.Background(), TicketComment{IssueKey: "OTHER-1", CommentID: "y", Body: "hi"})
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Empty(t, h.client.executions())
}

func TestHandleCallback_FailureRecordsCreditWarning(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	require.NoError(t, h.svc.HandleCallback(context.Background(), domain.Callback{
		JobID:  "run-1",
		Status: domain.RunStatusFailed,
		Error:  "Your credit balance is too low to access the Anthropic API",
		Result: &domain.RunResult{ExitCode: 1},
	}))

	job, err := h.jobs.Get(context.Background(), testIssue)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "credit balance")

	warnings, err := h.svc.Warnings(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, domain.WarningCreditBalance, warnings[0].Kind)
	assert.Len(t, h.tracker.posted(), 1)
}

func TestHandleCallback_SuccessWithoutPRFails(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	require.NoError(t, h.svc.HandleCallback(context.Background(), domain.Callback{
		JobID:  "run-1",
		Status: domain.RunStatusCompleted,
		Result: &domain.RunResult{Success: true, RawOutput: "done"},
	}))

	job, err := h.jobs.Get(context.Background(), testIssue)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, "agent finished without creating a pull request", *job.ErrorMessage)
	assert.Empty(t, h.warnings.warnings)
}

func TestHandleCallback_ProgressOnlyLogs(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	require.NoError(t, h.svc.HandleCallback(context.Background(), domain.Callback{
		JobID: "run-1", Status: domain.RunStatusProgress, Message: "run started",
	}))

	job, err := h.jobs.Get(context.Background(), testIssue)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	assert.Contains(t, h.logs.messages(testIssue), "run started")
	run, err := h.runs.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, run.Status)
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		name string
		cb   domain.Callback
		want string
	}{
		{"error wins", domain.Callback{Status: domain.RunStatusFailed, Error: "boom", Result: &domain.RunResult{Reason: "r"}}, "boom"},
		{"reason", domain.Callback{Status: domain.RunStatusFailed, Result: &domain.RunResult{Reason: "no access"}}, "no access"},
		{"stderr", domain.Callback{Status: domain.RunStatusFailed, Result: &domain.RunResult{Stderr: "fatal: x"}}, "fatal: x"},
		{"no result", domain.Callback{Status: domain.RunStatusFailed}, "run failed without a result"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, failureReason(tt.cb))
		})
	}
}

func TestFailureReason_TruncatesOnRuneBoundary(t *testing.T) {
	stderr := strings.Repeat("✓ ok\n", 1000)

	got := failureReason(domain.Callback{Status: domain.RunStatusFailed, Result: &domain.RunResult{Stderr: stderr}})

	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxCommentOutput)
	assert.True(t, strings.HasPrefix(got, " ok\n"))
	assert.True(t, strings.HasSuffix(stderr, got))
}

func TestHandleCallback_MultibyteOutputIsStoredValid(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	out := strings.Repeat("✓ ok\n", 1000)
	require.NoError(t, h.svc.HandleCallback(context.Background(), domain.Callback{
		JobID:  "run-1",
		Status: domain.RunStatusFailed,
		Result: &domain.RunResult{ExitCode: 1, Stderr: out, RawOutput: out},
	}))

	job, err := h.jobs.Get(context.Background(), testIssue)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.True(t, utf8.ValidString(*job.ErrorMessage))
	require.NotNil(t, job.LastOutput)
	assert.True(t, utf8.ValidString(*job.LastOutput))

	posted := h.tracker.posted()
	require.Len(t, posted, 1)
	assert.True(t, utf8.ValidString(posted[0].Text))
}
