package domain

// Operation statuses.
const (
	StatusPending    = "PENDING"
	StatusReady      = "READY"
	StatusAssigned   = "ASSIGNED"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
)

type Order struct {
	ID               int64   `json:"id"`
	DrawingNumber    string  `json:"drawing_number"`
	Quantity         int     `json:"quantity"`
	Deadline         string  `json:"deadline" format:"date-time"`
	OriginalDeadline *string `json:"original_deadline,omitempty" format:"date-time"`
	DaysOverdue      int     `json:"days_overdue"`
	Priority         int     `json:"priority"`
	WorkType         string  `json:"work_type,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

type Operation struct {
	ID                int64   `json:"id"`
	OrderID           int64   `json:"order_id"`
	Sequence          int     `json:"sequence"`
	Type              string  `json:"type"`
	Axes              int     `json:"axes"`
	EstimatedMinutes  float64 `json:"estimated_minutes"`
	Status            string  `json:"status" enum:"PENDING,READY,ASSIGNED,IN_PROGRESS,COMPLETED"`
	AssignedMachineID *int64  `json:"assigned_machine_id,omitempty"`
	ActualQuantity    *int    `json:"actual_quantity,omitempty"`
	StartedAt         *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt       *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
}

type Machine struct {
	ID                 int64   `json:"id"`
	Code               string  `json:"code"`
	Class              string  `json:"class"`
	Axes               int     `json:"axes"`
	Active             bool    `json:"active"`
	Occupied           bool    `json:"occupied"`
	CurrentOperationID *int64  `json:"current_operation_id,omitempty"`
	AssignedAt         *string `json:"assigned_at,omitempty" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

type ShiftRecord struct {
	ID                 int64   `json:"id"`
	Date               string  `json:"date" format:"date"`
	MachineID          int64   `json:"machine_id"`
	OperationID        *int64  `json:"operation_id,omitempty"`
	DrawingNumber      string  `json:"drawing_number,omitempty"`
	OrderDrawingNumber string  `json:"order_drawing_number,omitempty"`
	DayQuantity        int     `json:"day_quantity"`
	NightQuantity      int     `json:"night_quantity"`
	DayOperator        string  `json:"day_operator,omitempty"`
	NightOperator      string  `json:"night_operator,omitempty"`
	SetupMinutes       float64 `json:"setup_minutes"`
	Archived           bool    `json:"archived"`
	ArchivedAt         *string `json:"archived_at,omitempty" format:"date-time"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
}

type OperationProgress struct {
	OperationID    int64   `json:"operation_id"`
	CompletedUnits int     `json:"completed_units"`
	TotalUnits     int     `json:"total_units"`
	Percentage     int     `json:"percentage"`
	DayOperator    string  `json:"day_operator,omitempty"`
	NightOperator  string  `json:"night_operator,omitempty"`
	StartedAt      *string `json:"started_at,omitempty" format:"date-time"`
	LastUpdated    string  `json:"last_updated" format:"date-time"`
}

// MachineRef is the compact machine view carried by candidates.
type MachineRef struct {
	ID    int64  `json:"id"`
	Code  string `json:"code"`
	Class string `json:"class"`
	Axes  int    `json:"axes"`
}

// Candidate is produced fresh on every scan and never persisted.
type Candidate struct {
	OperationID        int64        `json:"operation_id"`
	OrderID            int64        `json:"order_id"`
	DrawingNumber      string       `json:"drawing_number"`
	Sequence           int          `json:"sequence"`
	Type               string       `json:"type"`
	TypeClass          string       `json:"type_class,omitempty"`
	Axes               int          `json:"axes"`
	EstimatedMinutes   float64      `json:"estimated_minutes"`
	Status             string       `json:"status"`
	Priority           int          `json:"priority"`
	Deadline           string       `json:"deadline" format:"date-time"`
	DaysOverdue        int          `json:"days_overdue"`
	Quantity           int          `json:"quantity"`
	CanStart           bool         `json:"can_start"`
	BlockingReason     string       `json:"blocking_reason,omitempty"`
	CompatibleMachines []MachineRef `json:"compatible_machines"`
}

type CandidateList struct {
	Candidates         []Candidate `json:"candidates"`
	Total              int         `json:"total"`
	ReadyToStart       int         `json:"ready_to_start"`
	NeedsPrerequisites int         `json:"needs_prerequisites"`
	GeneratedAt        string      `json:"generated_at" format:"date-time"`
}

type Notification struct {
	ID             string  `json:"id"`
	OperationID    int64   `json:"operation_id"`
	DrawingNumber  string  `json:"drawing_number,omitempty"`
	CompletedUnits int     `json:"completed_units"`
	TotalUnits     int     `json:"total_units"`
	Percentage     int     `json:"percentage"`
	Source         string  `json:"source" enum:"event,manual"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	ExpiresAt      *string `json:"expires_at,omitempty" format:"date-time"`
}

type ProductionMetrics struct {
	TotalOperations      int     `json:"total_operations"`
	CompletedOperations  int     `json:"completed_operations"`
	InProgressOperations int     `json:"in_progress_operations"`
	PendingOperations    int     `json:"pending_operations"`
	AverageProgress      float64 `json:"average_progress"`
	DailyUnits           int     `json:"daily_units"`
	ActiveMachines       int     `json:"active_machines"`
	BusyMachines         int     `json:"busy_machines"`
	MachineUtilization   float64 `json:"machine_utilization"`
	GeneratedAt          string  `json:"generated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

type APIKey struct {
	ID          string   `json:"id"`
	ActorID     string   `json:"actor_id"`
	Name        string   `json:"name,omitempty"`
	KeyHash     string   `json:"-"`
	Permissions []string `json:"permissions"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

// Ack acknowledges a state-change request. Changed is false when the request
// was absorbed because the operation already sat in the requested state.
type Ack struct {
	OperationID int64              `json:"operation_id"`
	Success     bool               `json:"success"`
	Changed     bool               `json:"changed"`
	Status      string             `json:"status"`
	Message     string             `json:"message,omitempty"`
	Progress    *OperationProgress `json:"progress,omitempty"`
}

// ScheduleAdjustment reports what the preprocessor did to one order.
type ScheduleAdjustment struct {
	OrderID          int64  `json:"order_id"`
	DrawingNumber    string `json:"drawing_number"`
	Overdue          bool   `json:"overdue"`
	DaysOverdue      int    `json:"days_overdue"`
	OriginalDeadline string `json:"original_deadline" format:"date-time"`
	Deadline         string `json:"deadline" format:"date-time"`
	Priority         int    `json:"priority"`
	PriorityChanged  bool   `json:"priority_changed"`
}

type ReconcileResult struct {
	Machines    int                 `json:"machines"`
	Updated     []OperationProgress `json:"updated"`
	Completed   []int64             `json:"completed"`
	GeneratedAt string              `json:"generated_at" format:"date-time"`
}

// CompletionOutcome is returned by completion actions. FreedMachineID and
// Recommendations are only set by the plan action.
type CompletionOutcome struct {
	Action          string      `json:"action" enum:"close,continue,plan"`
	Ack             Ack         `json:"ack"`
	ArchivedRecords int64       `json:"archived_records"`
	FreedMachineID  *int64      `json:"freed_machine_id,omitempty"`
	Recommendations []Candidate `json:"recommendations,omitempty"`
}

type PlanEntry struct {
	OperationID   int64   `json:"operation_id"`
	DrawingNumber string  `json:"drawing_number"`
	Sequence      int     `json:"sequence"`
	Minutes       float64 `json:"minutes"`
	Start         string  `json:"start" format:"date-time"`
	End           string  `json:"end" format:"date-time"`
}

type MachinePlan struct {
	Machine      MachineRef  `json:"machine"`
	Entries      []PlanEntry `json:"entries"`
	TotalMinutes float64     `json:"total_minutes"`
}

type ImportResult struct {
	Orders       int `json:"orders"`
	Operations   int `json:"operations"`
	Machines     int `json:"machines"`
	ShiftRecords int `json:"shift_records"`
}

// CompletionCheck is the answer to a manual per-operation completion check.
type CompletionCheck struct {
	OperationID  int64              `json:"operation_id"`
	Complete     bool               `json:"complete"`
	Notified     bool               `json:"notified"`
	Notification *Notification      `json:"notification,omitempty"`
	Progress     *OperationProgress `json:"progress,omitempty"`
}
