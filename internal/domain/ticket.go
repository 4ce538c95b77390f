package domain

// Ticket is the subset of a tracker issue the orchestrator reads.
type Ticket struct {
	Key         string
	Summary     string
	Description string
	IssueType   string
	Comments    []TicketComment
	Labels      []string
}

// TicketComment is a plain-text view of a tracker comment.
type TicketComment struct {
	ID              string
	AuthorAccountID string
	Body            string
}

// Transition is an available workflow transition on a ticket.
type Transition struct {
	ID       string
	Name     string
	ToStatus string
}

// BotMarker prefixes every comment the orchestrator posts, so webhook
// ingress can ignore its own comments.
const BotMarker = "AI Developer"
