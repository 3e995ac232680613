package workflow

import "encoding/json"

// Phase is the coarse stage of the confirmation-gated research process.
type Phase string

const (
	PhaseIdle                Phase = "idle"
	PhaseWaitingConfirmation Phase = "waiting_confirmation"
	PhaseResearching         Phase = "researching"
	PhaseCompleted           Phase = "completed"
)

// Status is the progress state of a main step or sub-topic.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
)

// Step is one ordered, named stage of the Researching phase, owned by a
// named agent. Identity is the ID; order is fixed at creation.
type Step struct {
	ID     string
	Title  string
	Agent  string
	Status Status
}

// SubTopic is a dynamically discovered unit of work within the
// Researching phase. Identity is the ID (assigned in discovery order),
// but inbound progress events refer to it by display title.
type SubTopic struct {
	ID      string
	Title   string
	Status  Status
	Content string
}

// State is the aggregate workflow state. It is mutated only by
// event-driven transitions inside the coordinator.
type State struct {
	Phase               Phase
	ConfirmationPending bool
	PendingTopic        string
	Steps               []Step
	SubTopics           []SubTopic
	ResearchData        json.RawMessage
	ReportShown         bool
}

func newState() State {
	return State{Phase: PhaseIdle}
}

// clone returns a deep copy safe to hand to callers.
func (s State) clone() State {
	out := s
	out.Steps = append([]Step(nil), s.Steps...)
	out.SubTopics = append([]SubTopic(nil), s.SubTopics...)
	if s.ResearchData != nil {
		out.ResearchData = append(json.RawMessage(nil), s.ResearchData...)
	}
	return out
}

// normalizeStatus maps a wire status string onto a Status. Anything that
// is not running or completed renders as pending.
func normalizeStatus(s string) Status {
	switch Status(s) {
	case StatusRunning:
		return StatusRunning
	case StatusCompleted:
		return StatusCompleted
	default:
		return StatusPending
	}
}

// defaultSteps is the fixed three-step template used when the server
// starts a research run without announcing its own step list.
func defaultSteps() []Step {
	return []Step{
		{ID: "step1", Title: "Kapsamlı Ön Web Araştırması", Agent: "WebResearcher", Status: StatusPending},
		{ID: "step2", Title: "YouTube Video Analizi", Agent: "YouTubeAnalyst", Status: StatusPending},
		{ID: "step3", Title: "Raporu Yapılandırma ve JSON Formatına Dönüştürme", Agent: "ReportProcessor", Status: StatusPending},
	}
}

// agentSteps maps a workflow agent label to its fixed main-step id.
var agentSteps = map[string]string{
	"WebResearcher":   "step1",
	"YouTubeAnalyst":  "step2",
	"ReportProcessor": "step3",
}
