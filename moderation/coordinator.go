package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/streamwarden/telemetry"
)

// ConfigSource reads a tenant's moderation configuration. Implemented by
// the db store.
type ConfigSource interface {
	TenantConfig(ctx context.Context, tenantID string) (TenantConfig, error)
}

// Actioner executes moderation side effects on one platform. Calls may
// fail (network/permission); the coordinator never retries them, since
// retrying a ban or timeout on a transient error risks double-application.
type Actioner interface {
	SendWarning(ctx context.Context, tenantID, userID, text string) error
	TimeoutUser(ctx context.Context, tenantID, userID string, duration time.Duration) error
	BanUser(ctx context.Context, tenantID, userID string) error
}

// Exempter answers role-based exemption checks (moderators, broadcaster).
type Exempter interface {
	IsExempt(ctx context.Context, tenantID, userID string) (bool, error)
}

// LogSink appends immutable moderation log entries. Persist failures are
// reported but never roll back the action already taken.
type LogSink interface {
	AppendModerationLog(ctx context.Context, e LogEntry) error
}

// Broadcaster pushes handled events to realtime subscribers, at-most-once;
// the log is the source of truth.
type Broadcaster interface {
	BroadcastModeration(e LogEntry)
}

// Result reports what Handle did with a single message.
type Result struct {
	Verdict    *Verdict
	Exempt     bool
	Suppressed bool // verdict within cooldown window, action skipped
	Executed   bool
	ActionErr  error
}

// Coordinator sits between the normalized event stream and the platform
// action APIs. Messages for the same (tenant, platform, user) key are
// processed strictly in arrival order by a per-key drain goroutine, so two
// concurrent messages from one key can never both pass a cooldown check;
// unrelated keys proceed independently and a slow classifier call for one
// user never delays another.
type Coordinator struct {
	cfg       ConfigSource
	eval      *Evaluator
	logs      LogSink
	actioners map[Platform]Actioner
	exempters map[Platform]Exempter
	broadcast Broadcaster

	cooldown        time.Duration
	timeoutDuration time.Duration
	now             func() time.Time

	mu   sync.Mutex
	keys map[string]*userState
}

// maxKeyStates caps the per-key state map; idle keys past their cooldown
// are swept once the cap is exceeded.
const maxKeyStates = 4096

type userState struct {
	queue        []queuedMessage
	running      bool
	lastActionAt time.Time
}

type queuedMessage struct {
	ctx context.Context
	msg Message
}

type CoordinatorOption func(*Coordinator)

// WithCooldown sets the per-key window during which a second verdict does
// not execute another action. Default 30s.
func WithCooldown(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.cooldown = d
		}
	}
}

// WithTimeoutDuration sets the fixed mute duration applied by timeout
// actions. Default 10m.
func WithTimeoutDuration(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeoutDuration = d
		}
	}
}

// WithBroadcaster wires the realtime feed. Optional.
func WithBroadcaster(b Broadcaster) CoordinatorOption {
	return func(c *Coordinator) { c.broadcast = b }
}

// WithExempter registers the role-based exemption check for one platform.
func WithExempter(p Platform, ex Exempter) CoordinatorOption {
	return func(c *Coordinator) { c.exempters[p] = ex }
}

func NewCoordinator(cfg ConfigSource, eval *Evaluator, logs LogSink, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		cfg:             cfg,
		eval:            eval,
		logs:            logs,
		actioners:       make(map[Platform]Actioner),
		exempters:       make(map[Platform]Exempter),
		cooldown:        30 * time.Second,
		timeoutDuration: 10 * time.Minute,
		now:             time.Now,
		keys:            make(map[string]*userState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterActioner wires the action executor for one platform. Adapters
// register themselves before their event loop starts.
func (c *Coordinator) RegisterActioner(p Platform, a Actioner) {
	c.mu.Lock()
	c.actioners[p] = a
	c.mu.Unlock()
}

// RegisterExempter wires the role-based exemption check for one platform.
func (c *Coordinator) RegisterExempter(p Platform, ex Exempter) {
	c.mu.Lock()
	c.exempters[p] = ex
	c.mu.Unlock()
}

// Handle enqueues a message for its (tenant, platform, user) key and
// returns immediately; ingestion never blocks on classifier or platform
// I/O. Per-key FIFO order matches the order Handle was called.
func (c *Coordinator) Handle(ctx context.Context, msg Message) {
	key := spamKey(msg)
	c.mu.Lock()
	st := c.keys[key]
	if st == nil {
		st = &userState{}
		c.keys[key] = st
	}
	st.queue = append(st.queue, queuedMessage{ctx: ctx, msg: msg})
	start := !st.running
	if start {
		st.running = true
	}
	if len(c.keys) > maxKeyStates {
		c.sweepLocked()
	}
	c.mu.Unlock()
	if start {
		go c.drain(key, st)
	}
}

// sweepLocked drops idle keys whose cooldown has lapsed. Caller holds c.mu.
func (c *Coordinator) sweepLocked() {
	now := c.now()
	for k, st := range c.keys {
		if st.running || len(st.queue) > 0 {
			continue
		}
		if now.Sub(st.lastActionAt) >= c.cooldown {
			delete(c.keys, k)
		}
	}
}

func (c *Coordinator) drain(key string, st *userState) {
	for {
		c.mu.Lock()
		if len(st.queue) == 0 {
			st.running = false
			if c.now().Sub(st.lastActionAt) >= c.cooldown {
				delete(c.keys, key)
			}
			c.mu.Unlock()
			return
		}
		item := st.queue[0]
		st.queue = st.queue[1:]
		c.mu.Unlock()
		c.Process(item.ctx, item.msg)
	}
}

// Process runs the full moderation flow for one message synchronously:
// exemption check, rule evaluation, cooldown gate, action execution, log
// append, realtime broadcast. Exported for tests and manual invocation;
// the streaming path goes through Handle.
func (c *Coordinator) Process(ctx context.Context, msg Message) Result {
	if telemetry.MessagesProcessed != nil {
		telemetry.MessagesProcessed.Inc()
	}
	ctx, span := telemetry.StartSpan(ctx, "moderation", "coordinator.process",
		attribute.String("tenant_id", msg.TenantID),
		attribute.String("platform", string(msg.Platform)))
	defer span.End()

	c.mu.Lock()
	ex, hasExempter := c.exempters[msg.Platform]
	c.mu.Unlock()
	if hasExempter {
		exempt, err := ex.IsExempt(ctx, msg.TenantID, msg.UserID)
		if err != nil {
			slog.Warn("exemption check failed, treating user as not exempt",
				slog.String("tenant_id", msg.TenantID),
				slog.String("platform", string(msg.Platform)),
				slog.Any("err", err))
		} else if exempt {
			return Result{Exempt: true}
		}
	}

	cfg, err := c.cfg.TenantConfig(ctx, msg.TenantID)
	if err != nil {
		// config errors mean "no rules active", never a crashed pipeline
		slog.Warn("tenant config load failed, skipping evaluation",
			slog.String("tenant_id", msg.TenantID), slog.Any("err", err))
		return Result{}
	}

	verdict := c.eval.Evaluate(ctx, msg, cfg)
	if verdict == nil {
		return Result{}
	}

	key := spamKey(msg)
	now := c.now()
	c.mu.Lock()
	st := c.keys[key]
	if st == nil {
		st = &userState{}
		c.keys[key] = st
	}
	if !st.lastActionAt.IsZero() && now.Sub(st.lastActionAt) < c.cooldown {
		c.mu.Unlock()
		slog.Debug("verdict suppressed by cooldown",
			slog.String("tenant_id", msg.TenantID),
			slog.String("user_id", msg.UserID),
			slog.String("rule", verdict.Rule.String()))
		return Result{Verdict: verdict, Suppressed: true}
	}
	st.lastActionAt = now
	c.mu.Unlock()

	actionErr := c.execute(ctx, msg, verdict)

	entry := LogEntry{
		ID:        uuid.New(),
		TenantID:  msg.TenantID,
		Platform:  msg.Platform,
		UserID:    msg.UserID,
		Username:  msg.Username,
		Message:   msg.Text,
		Rule:      verdict.Rule,
		Action:    verdict.Action,
		Severity:  verdict.Severity,
		ActionOK:  actionErr == nil,
		CreatedAt: now,
	}
	span.SetAttributes(attribute.String("rule", verdict.Rule.String()),
		attribute.String("action", verdict.Action.String()))
	if actionErr != nil {
		telemetry.RecordError(span, actionErr)
		entry.ActionError = actionErr.Error()
		if telemetry.ActionsFailed != nil {
			telemetry.ActionsFailed.Inc()
		}
		slog.Error("moderation action failed, not retrying",
			slog.String("tenant_id", msg.TenantID),
			slog.String("platform", string(msg.Platform)),
			slog.String("user_id", msg.UserID),
			slog.String("action", verdict.Action.String()),
			slog.Any("err", actionErr))
	} else {
		telemetry.SetSpanSuccess(span)
		if telemetry.ActionsExecuted != nil {
			telemetry.ActionsExecuted.Inc()
		}
	}

	if err := c.logs.AppendModerationLog(ctx, entry); err != nil {
		slog.Warn("failed to persist moderation log entry", slog.Any("err", err))
	}
	if c.broadcast != nil {
		c.broadcast.BroadcastModeration(entry)
	}
	return Result{Verdict: verdict, Executed: actionErr == nil, ActionErr: actionErr}
}

func (c *Coordinator) execute(ctx context.Context, msg Message, v *Verdict) error {
	c.mu.Lock()
	a, ok := c.actioners[msg.Platform]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no actioner registered for platform %q", msg.Platform)
	}
	switch v.Action {
	case ActionWarn:
		text := fmt.Sprintf("@%s your message was removed (%s). Please follow the chat rules.", msg.Username, v.Rule)
		return a.SendWarning(ctx, msg.TenantID, msg.UserID, text)
	case ActionTimeout:
		return a.TimeoutUser(ctx, msg.TenantID, msg.UserID, c.timeoutDuration)
	case ActionBan:
		return a.BanUser(ctx, msg.TenantID, msg.UserID)
	}
	return fmt.Errorf("unknown action %v", v.Action)
}
