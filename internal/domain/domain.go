package domain

// Work order statuses.
const (
	StatusPending      = "pending"
	StatusInProgress   = "in_progress"
	StatusAwaitingPart = "awaiting_part"
	StatusCompleted    = "completed"
	StatusCancelled    = "cancelled"
)

// Priorities.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Milestone identifies a once-only notification condition for an order.
type Milestone string

const (
	MilestoneAccepted   Milestone = "accepted"
	MilestoneStage1Done Milestone = "stage1_done"
	MilestoneStage2Done Milestone = "stage2_done"
	MilestoneStage3Done Milestone = "stage3_done"
)

// AllMilestones is the fixed evaluation order used by the dispatcher.
var AllMilestones = []Milestone{MilestoneAccepted, MilestoneStage1Done, MilestoneStage2Done, MilestoneStage3Done}

// Message channels.
const (
	ChannelInternal = "internal"
	ChannelExternal = "external"
)

type Company struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WorkOrder struct {
	ID           string  `json:"id"`
	CompanyID    string  `json:"company_id"`
	Code         string  `json:"code"`
	ClientName   string  `json:"client_name"`
	ClientPhone  string  `json:"client_phone,omitempty"`
	ClientEmail  string  `json:"client_email,omitempty"`
	Address      string  `json:"address"`
	City         string  `json:"city,omitempty"`
	Status       string  `json:"status" enum:"pending,in_progress,awaiting_part,completed,cancelled"`
	Priority     string  `json:"priority" enum:"high,medium,low"`
	AssigneeID   *string `json:"assignee_id,omitempty"`
	Description  string  `json:"description"`
	ExternalChat string  `json:"external_chat,omitempty"`
	AcceptedAt   *string `json:"accepted_at,omitempty" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy  *string `json:"completed_by,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`

	Stages     map[int]Stage `json:"stages,omitempty"`
	Milestones []Milestone   `json:"milestones,omitempty"`
}

// Terminal reports whether no transition may leave the given status.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

// Stage is one checklist record written by the field agent. Which of the
// payload fields are meaningful depends on the stage number; CompletedAt is
// stamped on every successful write and is what the dispatcher consumes.
type Stage struct {
	OrderID     string       `json:"order_id"`
	Number      int          `json:"number" minimum:"1" maximum:"3"`
	Payload     StagePayload `json:"payload"`
	CompletedAt string       `json:"completed_at" format:"date-time"`
}

// StagePayload carries the union of the three stage shapes.
type StagePayload struct {
	// Stage 1 (recognition)
	DataConfirmed bool   `json:"data_confirmed,omitempty"`
	RecognizedAt  string `json:"recognized_at,omitempty" format:"date-time"`
	LocationState string `json:"location_state,omitempty"`

	// Stage 2 (execution)
	Items        []ChecklistItem `json:"items,omitempty"`
	GeneralNotes string          `json:"general_notes,omitempty"`

	// Stage 3 (closeout)
	DurationTotal   string `json:"duration_total,omitempty"`
	WarrantyApplied bool   `json:"warranty_applied,omitempty"`
	ReviewNotes     string `json:"review_notes,omitempty"`
	SignatureRef    string `json:"signature_ref,omitempty"`

	// Stages 2 and 3
	FinishedAt string `json:"finished_at,omitempty" format:"date-time"`
}

type ChecklistItem struct {
	Label    string `json:"label"`
	Type     string `json:"type" enum:"boolean,note,photo"`
	Checked  bool   `json:"checked"`
	Note     string `json:"note,omitempty"`
	PhotoRef string `json:"photo_ref,omitempty"`
	Required bool   `json:"required"`
}

// Message is the common shape both conversation channels merge into.
// Timestamp is unix milliseconds; the merger sorts by it.
type Message struct {
	ID          string `json:"id"`
	OrderID     string `json:"order_id,omitempty"`
	Channel     string `json:"channel" enum:"internal,external"`
	SenderID    string `json:"sender_id"`
	SenderName  string `json:"sender_name,omitempty"`
	Body        string `json:"body"`
	MediaRef    string `json:"media_ref,omitempty"`
	MediaType   string `json:"media_type,omitempty"`
	FromCompany bool   `json:"from_company"`
	Read        bool   `json:"read"`
	Timestamp   int64  `json:"timestamp"`
}

type Notification struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	OrderID   string `json:"order_id,omitempty"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Audience  string `json:"audience,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Rating is a satisfaction score extracted from an inbound message.
type Rating struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	OrderID   string `json:"order_id,omitempty"`
	MessageID string `json:"message_id"`
	Score     int    `json:"score" minimum:"0" maximum:"10"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CompanyID  string `json:"company_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
