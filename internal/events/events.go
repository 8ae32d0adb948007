// Package events defines the closed set of conversation events.
// Every state change in a conversation is recorded as exactly one of the
// variants below; trackers never mutate state any other way. The set is
// deliberately closed: serialization dispatches on an explicit tag and
// unknown tags are load errors, not extension points.
package events

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"
)

// Type tags used in the serialized form of each event.
const (
	TagUserUttered             = "user"
	TagBotUttered              = "bot"
	TagSlotSet                 = "slot"
	TagActionExecuted          = "action"
	TagActiveLoop              = "active_loop"
	TagLoopInterrupted         = "loop_interrupted"
	TagActionExecutionRejected = "action_execution_rejected"
	TagSessionStarted          = "session_started"
	TagRestarted               = "restart"
	TagUserFeaturization       = "user_featurization"
	TagReminderScheduled       = "reminder"
	TagReminderCancelled       = "cancel_reminder"
)

// ExternalMessagePrefix marks synthetic user messages injected by reminder
// jobs rather than typed by a user.
const ExternalMessagePrefix = "EXTERNAL: "

// Event is one immutable, timestamped conversation state change.
type Event interface {
	// TypeName returns the serialization tag of the variant.
	TypeName() string
	// EventTimestamp returns the creation time as Unix seconds.
	EventTimestamp() float64
}

// Base carries the fields common to all events.
type Base struct {
	Timestamp float64        `json:"timestamp,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EventTimestamp implements Event.
func (b *Base) EventTimestamp() float64 { return b.Timestamp }

func now() Base {
	return Base{Timestamp: float64(time.Now().UnixNano()) / float64(time.Second)}
}

// Intent is the classified intent of a user message.
type Intent struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	IsExternal bool    `json:"is_external,omitempty"`
}

// Entity is a single extracted entity with optional role/group sub-labels.
type Entity struct {
	Name  string `json:"entity"`
	Value any    `json:"value"`
	Role  string `json:"role,omitempty"`
	Group string `json:"group,omitempty"`
	Start int    `json:"start,omitempty"`
	End   int    `json:"end,omitempty"`
}

// ParseData is the interpreter's view of one user message.
type ParseData struct {
	Intent    Intent   `json:"intent"`
	Entities  []Entity `json:"entities,omitempty"`
	Text      string   `json:"text"`
	MessageID string   `json:"message_id,omitempty"`
}

// UserUttered records an incoming user message together with its parse.
type UserUttered struct {
	Base
	Text         string    `json:"text"`
	ParseData    ParseData `json:"parse_data"`
	InputChannel string    `json:"input_channel,omitempty"`
}

// NewUserUttered builds a user event for plain text with a parsed intent.
func NewUserUttered(text string, intent Intent, entities []Entity) *UserUttered {
	return &UserUttered{
		Base: now(),
		Text: text,
		ParseData: ParseData{
			Intent:   intent,
			Entities: entities,
			Text:     text,
		},
	}
}

func (e *UserUttered) TypeName() string { return TagUserUttered }

// IsExternal reports whether the message was injected by a reminder job.
func (e *UserUttered) IsExternal() bool { return e.ParseData.Intent.IsExternal }

// BotUttered records an outgoing bot message.
type BotUttered struct {
	Base
	Text string         `json:"text"`
	Data map[string]any `json:"data,omitempty"`
}

func NewBotUttered(text string) *BotUttered {
	return &BotUttered{Base: now(), Text: text}
}

func (e *BotUttered) TypeName() string { return TagBotUttered }

// SlotSet records a slot value change. A nil value unsets the slot.
type SlotSet struct {
	Base
	Key   string `json:"name"`
	Value any    `json:"value"`
}

func NewSlotSet(key string, value any) *SlotSet {
	return &SlotSet{Base: now(), Key: key, Value: value}
}

func (e *SlotSet) TypeName() string { return TagSlotSet }

// ActionExecuted records that an action ran. Exactly one of Name and
// ActionText is set; ActionText carries the free-form text of an
// end-to-end prediction.
type ActionExecuted struct {
	Base
	Name         string  `json:"name,omitempty"`
	ActionText   string  `json:"action_text,omitempty"`
	Policy       string  `json:"policy,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
	HideRuleTurn bool    `json:"hide_rule_turn,omitempty"`
}

func NewActionExecuted(name string) *ActionExecuted {
	return &ActionExecuted{Base: now(), Name: name}
}

// NewEndToEndActionExecuted records an action predicted directly from text.
func NewEndToEndActionExecuted(actionText string) *ActionExecuted {
	return &ActionExecuted{Base: now(), ActionText: actionText}
}

func (e *ActionExecuted) TypeName() string { return TagActionExecuted }

// NameOrText returns the action name, falling back to the action text.
func (e *ActionExecuted) NameOrText() string {
	if e.Name != "" {
		return e.Name
	}
	return e.ActionText
}

// ActiveLoop marks a loop (form) becoming active; an empty name ends it.
type ActiveLoop struct {
	Base
	Name string `json:"name"`
}

func NewActiveLoop(name string) *ActiveLoop {
	return &ActiveLoop{Base: now(), Name: name}
}

func (e *ActiveLoop) TypeName() string { return TagActiveLoop }

// LoopInterrupted flags whether the active loop was put on hold by an
// interruption (for example an unhappy-path digression).
type LoopInterrupted struct {
	Base
	IsInterrupted bool `json:"is_interrupted"`
}

func NewLoopInterrupted(interrupted bool) *LoopInterrupted {
	return &LoopInterrupted{Base: now(), IsInterrupted: interrupted}
}

func (e *LoopInterrupted) TypeName() string { return TagLoopInterrupted }

// ActionExecutionRejected records that an action declined to run.
type ActionExecutionRejected struct {
	Base
	Name       string  `json:"name"`
	Policy     string  `json:"policy,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

func NewActionExecutionRejected(name string) *ActionExecutionRejected {
	return &ActionExecutionRejected{Base: now(), Name: name}
}

func (e *ActionExecutionRejected) TypeName() string { return TagActionExecutionRejected }

// SessionStarted marks the beginning of a conversation session.
type SessionStarted struct {
	Base
}

func NewSessionStarted() *SessionStarted { return &SessionStarted{Base: now()} }

func (e *SessionStarted) TypeName() string { return TagSessionStarted }

// Restarted wipes the conversation history for state derivation.
type Restarted struct {
	Base
}

func NewRestarted() *Restarted { return &Restarted{Base: now()} }

func (e *Restarted) TypeName() string { return TagRestarted }

// DefinePrevUserUtteredFeaturization records whether the preceding user
// turn should be featurized from raw text (end-to-end) or from the
// classified intent and entities.
type DefinePrevUserUtteredFeaturization struct {
	Base
	UseTextForFeaturization bool `json:"use_text_for_featurization"`
}

func NewDefinePrevUserUtteredFeaturization(useText bool) *DefinePrevUserUtteredFeaturization {
	return &DefinePrevUserUtteredFeaturization{Base: now(), UseTextForFeaturization: useText}
}

func (e *DefinePrevUserUtteredFeaturization) TypeName() string { return TagUserFeaturization }

// ReminderScheduled asks for a synthetic user message carrying IntentName
// to be injected at TriggerTime.
type ReminderScheduled struct {
	Base
	IntentName        string    `json:"intent"`
	Entities          []Entity  `json:"entities,omitempty"`
	TriggerTime       time.Time `json:"date_time"`
	Name              string    `json:"name,omitempty"`
	KillOnUserMessage bool      `json:"kill_on_user_message,omitempty"`
}

func NewReminderScheduled(intent string, triggerTime time.Time) *ReminderScheduled {
	return &ReminderScheduled{Base: now(), IntentName: intent, TriggerTime: triggerTime}
}

func (e *ReminderScheduled) TypeName() string { return TagReminderScheduled }

// ScheduledJobName derives the deterministic scheduler job name for this
// reminder in the given conversation. Cancellation relies on the name
// being reproducible from the event alone.
func (e *ReminderScheduled) ScheduledJobName(senderID string) string {
	h := sha1.Sum([]byte(senderID + "\x00" + e.Name + "\x00" + e.IntentName))
	return fmt.Sprintf("reminder_%s", hex.EncodeToString(h[:8]))
}

// ReminderCancelled cancels pending reminders matching its filters. All
// zero filters cancel every pending reminder of the conversation.
type ReminderCancelled struct {
	Base
	Name       string   `json:"name,omitempty"`
	IntentName string   `json:"intent,omitempty"`
	Entities   []Entity `json:"entities,omitempty"`
}

func NewReminderCancelled() *ReminderCancelled { return &ReminderCancelled{Base: now()} }

func (e *ReminderCancelled) TypeName() string { return TagReminderCancelled }

// Cancels reports whether this cancellation matches the given reminder.
func (e *ReminderCancelled) Cancels(r *ReminderScheduled) bool {
	if e.Name != "" {
		return e.Name == r.Name
	}
	if e.IntentName != "" {
		return e.IntentName == r.IntentName
	}
	if len(e.Entities) > 0 {
		return entitiesEqual(e.Entities, r.Entities)
	}
	return true
}
