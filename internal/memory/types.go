package memory

import (
	"context"
	"errors"
	"time"
)

var (
	ErrConversationLocked = errors.New("conversation locked")
	ErrTurnNotFound       = errors.New("turn not found")
	ErrNoCheckpoint       = errors.New("no compaction checkpoint")
	ErrInvalidSpan        = errors.New("invalid fact span")
	ErrMissingID          = errors.New("conversation id is required")
)

type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Message is one immutable utterance. Payload carries structured extras such as
// a detected language or resolved coordinates.
type Message struct {
	Role     Role              `json:"role"`
	SenderID string            `json:"sender_id,omitempty"`
	Text     string            `json:"text"`
	Payload  map[string]string `json:"payload,omitempty"`
}

// PlanStep names one capability invocation. DependsOn lists the IDs of steps
// whose output this step consumes.
type PlanStep struct {
	ID          string   `json:"id"`
	Tag         string   `json:"tag"`
	AgentID     string   `json:"agent_id"`
	Input       string   `json:"input,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Optional    bool     `json:"optional,omitempty"`
	Internal    bool     `json:"internal,omitempty"`
	FallbackFor string   `json:"fallback_for,omitempty"`
}

type Plan struct {
	Steps      []PlanStep `json:"steps"`
	Classifier string     `json:"classifier,omitempty"`
}

type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailure StepStatus = "failure"
	StepTimeout StepStatus = "timeout"
)

type StepResult struct {
	StepID     string            `json:"step_id"`
	Tag        string            `json:"tag"`
	AgentID    string            `json:"agent_id"`
	Status     StepStatus        `json:"status"`
	Output     string            `json:"output,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	Facts      []string          `json:"facts,omitempty"`
	Error      string            `json:"error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Attempts   int               `json:"attempts"`
	Retries    int               `json:"retries"`
	Skipped    bool              `json:"skipped,omitempty"`
	Internal   bool              `json:"internal,omitempty"`
	DurationMS int64             `json:"duration_ms"`
}

type TurnStatus string

const (
	TurnCompleted TurnStatus = "completed"
	TurnFailed    TurnStatus = "failed"
)

// TurnError records why a Turn failed.
type TurnError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	State   string `json:"state"`
	Step    string `json:"step,omitempty"`
}

// Turn is one request/response cycle. Seq is assigned by the Store on append
// and is contiguous from 1 within a conversation.
type Turn struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Seq            int          `json:"seq"`
	Status         TurnStatus   `json:"status"`
	Inbound        Message      `json:"inbound"`
	Plan           Plan         `json:"plan"`
	Steps          []StepResult `json:"steps"`
	Outbound       *Message     `json:"outbound,omitempty"`
	Error          *TurnError   `json:"error,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Fact field names accepted by FactSpan.Field. Step outputs use "step:<step id>".
const (
	FieldInbound  = "inbound"
	FieldOutbound = "outbound"
	stepPrefix    = "step:"
)

// FactSpan addresses a byte range of one field of a Turn.
type FactSpan struct {
	Field string `json:"field"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Fact is a load-bearing span captured verbatim at mark time.
type Fact struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	TurnID         string    `json:"turn_id"`
	TurnSeq        int       `json:"turn_seq"`
	Span           FactSpan  `json:"span"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}

// ExtractedFact is the form a Fact takes inside a WorkingContext. Key is empty
// when the fact is kept verbatim.
type ExtractedFact struct {
	TurnSeq int    `json:"turn_seq"`
	Key     string `json:"key,omitempty"`
	Value   string `json:"value,omitempty"`
	Text    string `json:"text"`
}

type Summary struct {
	FromSeq    int    `json:"from_seq"`
	ThroughSeq int    `json:"through_seq"`
	Condensed  int    `json:"condensed"`
	Text       string `json:"text"`
}

// WorkingContext is the bounded view handed to a reasoning step.
type WorkingContext struct {
	ConversationID string          `json:"conversation_id"`
	Budget         int             `json:"budget"`
	Summary        Summary         `json:"summary"`
	Verbatim       []Turn          `json:"verbatim"`
	Facts          []ExtractedFact `json:"facts"`
	Size           int             `json:"size"`
	Overflow       bool            `json:"overflow"`
	Fingerprint    string          `json:"fingerprint"`
}

type Digest struct {
	Seq  int    `json:"seq"`
	Text string `json:"text"`
}

// Checkpoint caches the per-turn digests of a folded prefix. Digests are a pure
// function of each Turn, so a checkpoint never changes what a read returns.
type Checkpoint struct {
	ConversationID string    `json:"conversation_id"`
	PolicyVersion  string    `json:"policy_version"`
	ThroughSeq     int       `json:"through_seq"`
	Digests        []Digest  `json:"digests"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store is the durable, append-only turn log.
type Store interface {
	AppendTurn(ctx context.Context, turn Turn) (Turn, error)
	Turns(ctx context.Context, conversationID string) ([]Turn, error)
	Turn(ctx context.Context, turnID string) (Turn, error)
	SaveFact(ctx context.Context, fact Fact) error
	Facts(ctx context.Context, conversationID string) ([]Fact, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	LoadCheckpoint(ctx context.Context, conversationID string) (Checkpoint, error)
	Conversations(ctx context.Context) ([]string, error)
	Close() error
}

// Clone returns a deep copy so callers cannot mutate logged state.
func (t Turn) Clone() Turn {
	out := t
	out.Inbound = t.Inbound.clone()
	if t.Plan.Steps != nil {
		out.Plan.Steps = make([]PlanStep, len(t.Plan.Steps))
		for i, s := range t.Plan.Steps {
			s.DependsOn = append([]string(nil), s.DependsOn...)
			out.Plan.Steps[i] = s
		}
	}
	if t.Steps != nil {
		out.Steps = make([]StepResult, len(t.Steps))
		for i, r := range t.Steps {
			r.Data = cloneMap(r.Data)
			r.Facts = append([]string(nil), r.Facts...)
			out.Steps[i] = r
		}
	}
	if t.Outbound != nil {
		msg := t.Outbound.clone()
		out.Outbound = &msg
	}
	if t.Error != nil {
		e := *t.Error
		out.Error = &e
	}
	return out
}

// FieldText returns the text a FactSpan field refers to.
func (t Turn) FieldText(field string) (string, bool) {
	switch {
	case field == FieldInbound:
		return t.Inbound.Text, true
	case field == FieldOutbound:
		if t.Outbound == nil {
			return "", false
		}
		return t.Outbound.Text, true
	case len(field) > len(stepPrefix) && field[:len(stepPrefix)] == stepPrefix:
		id := field[len(stepPrefix):]
		for _, r := range t.Steps {
			if r.StepID == id {
				return r.Output, true
			}
		}
	}
	return "", false
}

// StepField is the FactSpan field naming a step's output.
func StepField(stepID string) string {
	return stepPrefix + stepID
}

func (m Message) clone() Message {
	m.Payload = cloneMap(m.Payload)
	return m
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
