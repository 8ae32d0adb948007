// Package processor drives one conversation turn: lock, parse, predict,
// act, persist. It is the only component that appends events to a
// stored tracker.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"converse/internal/actions"
	"converse/internal/channels"
	"converse/internal/domain"
	"converse/internal/events"
	"converse/internal/interpreter"
	"converse/internal/lock"
	"converse/internal/nlg"
	"converse/internal/policies"
	"converse/internal/scheduler"
	"converse/internal/store"
	"converse/internal/tracker"
)

// DefaultMaxPredictionLoops bounds the predict-act cycle of one turn.
const DefaultMaxPredictionLoops = 10

// ErrTooManyPredictions is returned when a turn's predict-act cycle does
// not reach a listening state within the configured bound.
var ErrTooManyPredictions = errors.New("too many prediction loops for one message")

// UserMessage is one incoming message to process.
type UserMessage struct {
	SenderID string
	Text     string
	Output   channels.OutputChannel
}

// Processor owns the per-message control loop.
type Processor struct {
	store    store.TrackerStore
	locks    lock.LockStore
	ensemble *policies.Ensemble
	registry *actions.Registry
	interp   interpreter.Interpreter
	sched    *scheduler.Scheduler
	maxLoops int
	logger   *zap.Logger

	dom atomic.Pointer[domain.Domain]

	mu       sync.RWMutex
	channels map[string]channels.OutputChannel
}

// New wires a processor. maxLoops <= 0 selects the default bound.
func New(
	d *domain.Domain,
	trackers store.TrackerStore,
	locks lock.LockStore,
	ensemble *policies.Ensemble,
	registry *actions.Registry,
	interp interpreter.Interpreter,
	sched *scheduler.Scheduler,
	maxLoops int,
	logger *zap.Logger,
) *Processor {
	if maxLoops <= 0 {
		maxLoops = DefaultMaxPredictionLoops
	}
	p := &Processor{
		store:    trackers,
		locks:    locks,
		ensemble: ensemble,
		registry: registry,
		interp:   interp,
		sched:    sched,
		maxLoops: maxLoops,
		logger:   logger,
		channels: make(map[string]channels.OutputChannel),
	}
	p.dom.Store(d)
	return p
}

// Domain returns the currently active domain.
func (p *Processor) Domain() *domain.Domain { return p.dom.Load() }

// SetDomain swaps the active domain. Running turns keep the domain they
// started with.
func (p *Processor) SetDomain(d *domain.Domain) { p.dom.Store(d) }

// RegisterChannel makes an output channel reachable by name, so fired
// reminders can emit to the conversation's latest input channel.
func (p *Processor) RegisterChannel(ch channels.OutputChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels[ch.Name()] = ch
}

func (p *Processor) channelByName(name string) channels.OutputChannel {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.channels[name]
}

// HandleMessage runs one full conversation turn for the message.
func (p *Processor) HandleMessage(ctx context.Context, msg *UserMessage) error {
	release, err := p.locks.Acquire(ctx, msg.SenderID)
	if err != nil {
		return fmt.Errorf("acquire conversation lock for %q: %w", msg.SenderID, err)
	}
	defer release()

	d := p.Domain()
	tr, err := p.fetchTracker(ctx, msg.SenderID, d, msg.Output)
	if err != nil {
		return err
	}
	turnStart := len(tr.Events())

	if err := p.appendUserMessage(ctx, tr, d, msg); err != nil {
		return err
	}

	loopErr := p.predictionLoop(ctx, tr, d, msg.Output)

	if err := p.store.Save(ctx, tr); err != nil {
		return fmt.Errorf("save tracker for %q: %w", msg.SenderID, err)
	}
	p.syncReminders(tr, turnStart)
	return loopErr
}

// fetchTracker loads or creates the tracker and ensures a live session,
// appending the session-start sequence to a fresh or expired one.
func (p *Processor) fetchTracker(ctx context.Context, senderID string, d *domain.Domain, out channels.OutputChannel) (*tracker.Tracker, error) {
	tr, err := p.store.GetOrCreate(ctx, senderID, d)
	if err != nil {
		return nil, fmt.Errorf("load tracker for %q: %w", senderID, err)
	}

	if len(tr.Events()) == 0 || p.sessionExpired(tr, d) {
		if err := p.runActionByName(ctx, tr, d, domain.ActionSessionStartName, nil, out); err != nil {
			return nil, fmt.Errorf("start session for %q: %w", senderID, err)
		}
	}
	return tr, nil
}

func (p *Processor) sessionExpired(tr *tracker.Tracker, d *domain.Domain) bool {
	if !d.Session.Enabled() {
		return false
	}
	last := tr.LatestMessageTimestamp()
	if last == 0 {
		return false
	}
	idle := time.Since(time.Unix(0, int64(last*float64(time.Second))))
	return idle.Minutes() > d.Session.ExpirationMinutes
}

// appendUserMessage parses the text, logs the UserUttered and auto-fills
// slots named after extracted entities.
func (p *Processor) appendUserMessage(ctx context.Context, tr *tracker.Tracker, d *domain.Domain, msg *UserMessage) error {
	parsed, err := p.interp.Parse(ctx, msg.Text)
	if err != nil {
		return fmt.Errorf("parse message for %q: %w", msg.SenderID, err)
	}
	parsed.MessageID = uuid.NewString()

	ev := &events.UserUttered{Text: msg.Text, ParseData: parsed}
	ev.Timestamp = float64(time.Now().UnixNano()) / float64(time.Second)
	if msg.Output != nil {
		ev.InputChannel = msg.Output.Name()
	}
	tr.Update(ev)

	p.logger.Debug("received user message",
		zap.String("sender_id", msg.SenderID),
		zap.String("intent", parsed.Intent.Name),
		zap.Int("entities", len(parsed.Entities)))

	for _, entity := range parsed.Entities {
		slot, ok := d.Slots[entity.Name]
		if ok && slot.AutoFilled() {
			tr.Update(events.NewSlotSet(entity.Name, entity.Value))
		}
	}
	return nil
}

// predictionLoop alternates prediction and execution until the assistant
// is listening again or the loop bound trips.
func (p *Processor) predictionLoop(ctx context.Context, tr *tracker.Tracker, d *domain.Domain, out channels.OutputChannel) error {
	for steps := 0; ; steps++ {
		if steps >= p.maxLoops {
			p.logger.Error("aborting: prediction loop bound reached",
				zap.String("sender_id", tr.SenderID()),
				zap.Int("max_loops", p.maxLoops))
			tr.Update(events.NewActionExecuted(domain.ActionListenName))
			return ErrTooManyPredictions
		}

		var actionName string
		var pred *policies.Prediction

		if followup := tr.FollowupAction(); followup != "" {
			actionName = followup
			tr.ClearFollowupAction()
		} else {
			var err error
			pred, err = p.ensemble.Predict(ctx, tr, d)
			if err != nil {
				return fmt.Errorf("predict next action for %q: %w", tr.SenderID(), err)
			}
			name, ok := d.ActionForIndex(pred.MaxIndex())
			if !ok {
				return fmt.Errorf("prediction for %q selects no action", tr.SenderID())
			}
			actionName = name
		}

		if err := p.runActionByName(ctx, tr, d, actionName, pred, out); err != nil {
			return err
		}

		if actionName == domain.ActionListenName || actionName == domain.ActionSessionStartName {
			return nil
		}
	}
}

// runActionByName executes one action and logs its outcome. The action
// runs against a temporary tracker carrying the prediction's events; on
// rejection those events are discarded and only the rejection is logged.
func (p *Processor) runActionByName(ctx context.Context, tr *tracker.Tracker, d *domain.Domain, actionName string, pred *policies.Prediction, out channels.OutputChannel) error {
	var action actions.Action
	if pred != nil && pred.IsEndToEnd {
		action = p.registry.ForEndToEnd(actionName)
	} else {
		var err error
		action, err = p.registry.For(actionName, d)
		if err != nil {
			return err
		}
	}

	temp := tr.Copy()
	if pred != nil {
		temp.UpdateWithEvents(pred.Events)
	}

	gen := nlg.NewTemplated(d)
	evs, err := action.Run(ctx, temp, d, gen)

	var rejection *actions.ExecutionRejection
	if errors.As(err, &rejection) {
		rejected := events.NewActionExecutionRejected(actionName)
		if pred != nil {
			rejected.Policy = pred.PolicyName
			rejected.Confidence = pred.MaxConfidence()
		}
		tr.Update(rejected)
		p.logger.Debug("action rejected execution",
			zap.String("sender_id", tr.SenderID()),
			zap.String("action", actionName))
		return nil
	}
	if err != nil {
		return fmt.Errorf("run action %q for %q: %w", actionName, tr.SenderID(), err)
	}

	if pred != nil {
		tr.UpdateWithEvents(pred.Events)
	}
	// An action that returns a rejection event (a validator steering the
	// form off, or a remote action bowing out) was never executed; only
	// its events are kept.
	if !containsRejection(evs) {
		tr.Update(p.executedEvent(actionName, pred))
	}
	for _, ev := range evs {
		tr.Update(ev)
		if bot, ok := ev.(*events.BotUttered); ok {
			p.forward(ctx, tr, d, gen, bot, out)
		}
	}

	if actionName == domain.ActionRestartName {
		tr.SetFollowupAction(domain.ActionSessionStartName)
	}
	return nil
}

func containsRejection(evs []events.Event) bool {
	for _, ev := range evs {
		if _, ok := ev.(*events.ActionExecutionRejected); ok {
			return true
		}
	}
	return false
}

func (p *Processor) executedEvent(actionName string, pred *policies.Prediction) *events.ActionExecuted {
	var ev *events.ActionExecuted
	if pred != nil && pred.IsEndToEnd {
		ev = events.NewEndToEndActionExecuted(actionName)
	} else {
		ev = events.NewActionExecuted(actionName)
	}
	if pred != nil {
		ev.Policy = pred.PolicyName
		ev.Confidence = pred.MaxConfidence()
		ev.HideRuleTurn = pred.HideRuleTurn
	}
	return ev
}

// forward sends one logged bot event to the output channel. A BotUttered
// that only references a named response is rendered here.
func (p *Processor) forward(ctx context.Context, tr *tracker.Tracker, d *domain.Domain, gen nlg.Generator, bot *events.BotUttered, out channels.OutputChannel) {
	if out == nil {
		return
	}

	msg := &nlg.Message{Text: bot.Text, Data: bot.Data}
	if bot.Text == "" {
		if name, ok := bot.Data["utter_action"].(string); ok {
			rendered, err := gen.Generate(ctx, name, tr, out.Name())
			if err == nil && rendered != nil {
				msg = rendered
			}
		}
	}
	if msg.Text == "" && len(msg.Data) == 0 {
		return
	}

	if err := out.Send(ctx, tr.SenderID(), msg); err != nil {
		p.logger.Warn("failed to deliver bot message",
			zap.String("sender_id", tr.SenderID()),
			zap.String("channel", out.Name()),
			zap.Error(err))
	}
}

// syncReminders turns the turn's new reminder events into scheduler jobs
// and cancellations.
func (p *Processor) syncReminders(tr *tracker.Tracker, turnStart int) {
	if p.sched == nil {
		return
	}

	all := tr.Events()
	senderID := tr.SenderID()
	channelName := tr.LatestInputChannel()

	for _, ev := range all[turnStart:] {
		switch e := ev.(type) {
		case *events.ReminderScheduled:
			reminder := e
			p.sched.Schedule(reminder.ScheduledJobName(senderID), reminder.TriggerTime, func() {
				p.fireReminder(context.Background(), senderID, reminder, channelName)
			})
		case *events.ReminderCancelled:
			for _, scheduled := range remindersIn(all) {
				if e.Cancels(scheduled) {
					p.sched.Cancel(scheduled.ScheduledJobName(senderID))
				}
			}
		}
	}
}

func remindersIn(evs []events.Event) []*events.ReminderScheduled {
	var out []*events.ReminderScheduled
	for _, ev := range evs {
		if r, ok := ev.(*events.ReminderScheduled); ok {
			out = append(out, r)
		}
	}
	return out
}

// fireReminder re-enters the prediction loop with a synthetic external
// message, unless the reminder was invalidated since scheduling.
func (p *Processor) fireReminder(ctx context.Context, senderID string, reminder *events.ReminderScheduled, channelName string) {
	release, err := p.locks.Acquire(ctx, senderID)
	if err != nil {
		p.logger.Warn("reminder could not lock conversation",
			zap.String("sender_id", senderID), zap.Error(err))
		return
	}
	defer release()

	d := p.Domain()
	tr, err := p.store.Retrieve(ctx, senderID, d)
	if err != nil || tr == nil {
		return
	}
	if !p.reminderStillValid(tr, reminder) {
		p.logger.Debug("skipping invalidated reminder",
			zap.String("sender_id", senderID),
			zap.String("intent", reminder.IntentName))
		return
	}

	out := p.channelByName(channelName)
	turnStart := len(tr.Events())

	ev := events.NewUserUttered(
		events.ExternalMessagePrefix+reminder.IntentName,
		events.Intent{Name: reminder.IntentName, Confidence: 1.0, IsExternal: true},
		reminder.Entities,
	)
	ev.ParseData.MessageID = uuid.NewString()
	ev.InputChannel = channelName
	tr.Update(ev)

	if err := p.predictionLoop(ctx, tr, d, out); err != nil {
		p.logger.Error("reminder turn failed",
			zap.String("sender_id", senderID), zap.Error(err))
	}
	if err := p.store.Save(ctx, tr); err != nil {
		p.logger.Error("failed to save reminder turn",
			zap.String("sender_id", senderID), zap.Error(err))
		return
	}
	p.syncReminders(tr, turnStart)
}

// reminderStillValid re-checks a fired reminder against the tracker as
// it is now: cancellations, restarts and (for kill_on_user_message) any
// newer real user message all make it a no-op.
func (p *Processor) reminderStillValid(tr *tracker.Tracker, reminder *events.ReminderScheduled) bool {
	for _, pending := range tr.PendingReminders() {
		if pending.Name != reminder.Name || pending.IntentName != reminder.IntentName {
			continue
		}
		if reminder.KillOnUserMessage && tr.LatestHumanMessageTimestamp() > reminder.Timestamp {
			return false
		}
		return true
	}
	return false
}
