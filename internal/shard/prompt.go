package shard

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/google/uuid"

	"github.com/sumire/aidev/internal/domain"
)

// sessionNamespace scopes agent session ids so retries of the same issue
// reuse one conversation.
var sessionNamespace = uuid.MustParse("6f1c4a52-7d3e-4b8e-9a0c-2f5d1e8b7c34")

// SessionID derives the stable agent session id for key.
func SessionID(key string) string {
	if key == "" {
		return ""
	}
	return uuid.NewSHA1(sessionNamespace, []byte(key)).String()
}

const resultInstructions = `
When you are done, end your reply with a single JSON object in a ` + "```json" + ` block:
{"success": true|false, "pr_url": "...", "pr_number": 0, "branch_name": "...",
 "commit_sha": "...", "summary": "...", "files_changed": ["..."],
 "needs_clarification": false, "questions": [], "reason": "..."}
If the ticket is too ambiguous to implement safely, do not guess: set
"needs_clarification" to true and list your questions.`

var promptTemplates = map[domain.TaskType]*template.Template{
	domain.TaskImplementTicket: template.Must(template.New("implement").Parse(`You are an autonomous software developer working on ticket {{.Task.IssueKey}}.

## Ticket
Summary: {{.Task.Summary}}
{{if .Task.Description}}
Description:
{{.Task.Description}}
{{end}}
## Repository
The repository is checked out in the current directory.
{{- if .CreateBranch}}
Create the branch {{.Task.Branch}} from {{.BaseBranch}} and do all work on it.
{{- else if .Task.Branch}}
You are on branch {{.Task.Branch}}. Continue the work already there.
{{- end}}
{{if .Context.ClarificationAnswers}}
## Answers to your earlier questions
{{.Context.ClarificationAnswers}}
{{end}}
## Instructions
1. Read the relevant code before changing it.
2. Implement the ticket with focused, minimal changes.
{{- if .Context.TestCommand}}
3. Run the tests with: {{.Context.TestCommand}}
{{- else}}
3. Run the project's tests if it has any.
{{- end}}
4. Commit with a message referencing {{.Task.IssueKey}}, push the branch and open a pull request against {{.BaseBranch}}.
{{if .Context.AdditionalInstructions}}
## Additional instructions
{{.Context.AdditionalInstructions}}
{{end}}{{.Result}}`)),

	domain.TaskCodeReview: template.Must(template.New("review").Parse(`Review the changes on the current branch{{if .Task.Branch}} ({{.Task.Branch}}){{end}} against {{.BaseBranch}}.
{{if .Task.IssueKey}}The changes address {{.Task.IssueKey}}: {{.Task.Summary}}
{{end}}
Look for bugs, missing tests, security problems and unclear code. Do not modify files.
Report findings ordered by severity with file and line references.
{{if .Context.AdditionalInstructions}}
{{.Context.AdditionalInstructions}}
{{end}}{{.Result}}`)),

	domain.TaskRunTests: template.Must(template.New("tests").Parse(`Run the test suite of the repository in the current directory.
{{if .Context.TestCommand}}Use this command: {{.Context.TestCommand}}
{{else}}Work out how the project runs its tests and run them.
{{end}}
Report the number of passing and failing tests and summarise each failure. Do not modify files.
{{if .Context.AdditionalInstructions}}
{{.Context.AdditionalInstructions}}
{{end}}{{.Result}}`)),
}

type promptData struct {
	Task         domain.Task
	Context      domain.TaskContext
	BaseBranch   string
	CreateBranch bool
	Result       string
}

// BuildPrompt renders the prompt for req. Custom tasks use task.prompt
// verbatim with any additional instructions appended.
func BuildPrompt(req domain.ExecuteRequest, createBranch bool) (string, error) {
	taskType := req.Task.Type
	if taskType == "" {
		taskType = domain.TaskImplementTicket
	}

	if taskType == domain.TaskCustom {
		prompt := strings.TrimSpace(req.Task.Prompt)
		if prompt == "" {
			return "", &domain.ValidationError{Field: "task.prompt", Message: "required for custom tasks"}
		}
		if extra := strings.TrimSpace(req.Context.AdditionalInstructions); extra != "" {
			prompt += "\n\n" + extra
		}
		return prompt, nil
	}

	tmpl, ok := promptTemplates[taskType]
	if !ok {
		return "", &domain.ValidationError{Field: "task.type", Message: fmt.Sprintf("unknown task type %q", taskType)}
	}

	base := req.Task.BaseBranch
	if base == "" {
		base = "the default branch"
	}

	var b strings.Builder
	err := tmpl.Execute(&b, promptData{
		Task:         req.Task,
		Context:      req.Context,
		BaseBranch:   base,
		CreateBranch: createBranch,
		Result:       resultInstructions,
	})
	if err != nil {
		return "", fmt.Errorf("render %s prompt: %w", taskType, err)
	}
	return b.String(), nil
}
