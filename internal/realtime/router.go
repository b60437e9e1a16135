package realtime

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/seguritech/centinela/internal/logging"
	"github.com/seguritech/centinela/pkg/wire"
)

var (
	// ErrUnknownMessageType rejects envelopes outside the enumerated set.
	ErrUnknownMessageType = errors.New("realtime: unknown message type")
	// ErrReservedType rejects client publication of registry lifecycle
	// types (CLIENT_CONNECTED / CLIENT_DISCONNECTED).
	ErrReservedType = errors.New("realtime: message type is reserved for the server")
)

// TargetKind discriminates delivery plan targets.
type TargetKind int

const (
	// TargetUser unicasts to one identity.
	TargetUser TargetKind = iota
	// TargetRoles broadcasts to the union of one or more role groups,
	// after alias resolution.
	TargetRoles
	// TargetGlobal broadcasts to every live connection.
	TargetGlobal
)

// Target names the recipients of one delivery step.
type Target struct {
	Kind   TargetKind
	UserID int
	Roles  []string
}

// Step pairs an envelope (original or derived) with its target.
type Step struct {
	Env    wire.Envelope
	Target Target
}

// FallbackStep is a delayed secondary delivery, executed only when the
// primary steps of a plan reached zero recipients.
type FallbackStep struct {
	Delay time.Duration
	Step  Step
}

// Plan is the router's decision for one published envelope. It is not
// a stored entity; it exists only for the duration of one publish.
type Plan struct {
	Steps    []Step
	Fallback []FallbackStep
	// Cascade runs the full four-wave redundant cascade used for
	// DISPATCH_REQUEST.
	Cascade bool
	// CriticalResend runs the single-wave derived-notification resend
	// used for NEW_ALARM and critical NOTIFICATIONs.
	CriticalResend bool
}

// Receipt summarizes what a publish did synchronously. Cascade waves
// and fallbacks run after the receipt is returned.
type Receipt struct {
	// Delivered counts per-recipient sends that reached an open channel.
	Delivered int `json:"delivered"`
	// Missed counts recipients whose channel was not open.
	Missed int `json:"missed"`
	// FallbackScheduled is set when zero primary recipients were
	// reached and delayed fallback steps were queued.
	FallbackScheduled bool `json:"fallbackScheduled"`
	// CascadeScheduled is set when redundant delivery waves were queued.
	CascadeScheduled bool `json:"cascadeScheduled"`
	// Correlation ties the publish to its cascade log lines.
	Correlation string `json:"correlation"`
}

type planFunc func(env wire.Envelope) Plan

// Router turns published envelopes into delivery plans and executes
// them against the registry. The routing policy per message type is a
// pure dispatch table; adding a type means adding a table entry, which
// the exhaustiveness test enforces.
type Router struct {
	reg      *Registry
	resolver *Resolver
	engine   *Engine
	metrics  *Metrics
	plans    map[wire.MessageType]planFunc
}

// Oversight roles cc'd on most coordination traffic.
var (
	alarmRoles     = []string{"dispatcher", "alarm_operator", "director", "administrator"}
	statusRoles    = []string{"dispatcher", "director", "administrator", "alarm_operator"}
	oversightRoles = []string{"dispatcher", "director", "administrator"}
	auditRoles     = []string{"director", "administrator"}
)

// notificationFallbackDelay staggers the derived global resend of a
// role-addressed NOTIFICATION that found no recipients.
const notificationFallbackDelay = 500 * time.Millisecond

// NewRouter wires the dispatch table. All collaborators are owned by
// the composition root and shared by reference.
func NewRouter(reg *Registry, resolver *Resolver, engine *Engine, metrics *Metrics) *Router {
	r := &Router{reg: reg, resolver: resolver, engine: engine, metrics: metrics}
	r.plans = map[wire.MessageType]planFunc{
		wire.TypeNewAlarm:           r.planNewAlarm,
		wire.TypeAlarmUpdate:        r.planAlarmUpdate,
		wire.TypeDispatchRequest:    r.planDispatchRequest,
		wire.TypePatrolAssignment:   r.planPatrolAssignment,
		wire.TypePatrolStatusUpdate: r.planPatrolStatusUpdate,
		wire.TypeSupervisorLocation: r.planSupervisorLocation,
		wire.TypeQRVerification:     r.planQRVerification,
		wire.TypeNotification:       r.planNotification,
	}
	return r
}

// PlanFor returns the delivery plan for env without executing it. Pure
// with respect to registry state; resolution against live roles happens
// at execution time.
func (r *Router) PlanFor(env wire.Envelope) (Plan, error) {
	if !env.Type.Known() {
		return Plan{}, ErrUnknownMessageType
	}
	if env.Type.Reserved() {
		return Plan{}, ErrReservedType
	}
	return r.plans[env.Type](env), nil
}

// Publish is the entry point external collaborators call after they
// have durably persisted the underlying state change. A zero-recipient
// outcome is not an error; critical types compensate with fallback
// waves.
func (r *Router) Publish(env wire.Envelope) (Receipt, error) {
	plan, err := r.PlanFor(env)
	if err != nil {
		return Receipt{}, err
	}
	if r.metrics != nil {
		r.metrics.Published.WithLabelValues(string(env.Type)).Inc()
	}

	receipt := Receipt{Correlation: uuid.New().String()[:8]}
	for _, step := range plan.Steps {
		delivered, missed := r.execute(step)
		receipt.Delivered += delivered
		receipt.Missed += missed
	}

	if receipt.Delivered == 0 && len(plan.Fallback) > 0 {
		receipt.FallbackScheduled = true
		for _, fb := range plan.Fallback {
			step := fb.Step
			r.engine.sched.AfterFunc(fb.Delay, func() {
				r.execute(step)
			})
		}
		logging.Warn().
			Str("type", string(env.Type)).
			Str("correlation", receipt.Correlation).
			Msg("primary plan reached zero recipients, fallback scheduled")
	}

	switch {
	case plan.Cascade:
		r.engine.DispatchCascade(env, receipt.Correlation)
		receipt.CascadeScheduled = true
	case plan.CriticalResend:
		r.engine.CriticalResend(env, receipt.Correlation)
		receipt.CascadeScheduled = true
	}

	logging.Debug().
		Str("type", string(env.Type)).
		Str("correlation", receipt.Correlation).
		Int("delivered", receipt.Delivered).
		Int("missed", receipt.Missed).
		Msg("envelope published")
	return receipt, nil
}

// execute sends one step's envelope to its resolved recipients.
func (r *Router) execute(step Step) (delivered, missed int) {
	return executeStep(r.reg, r.resolver, r.metrics, step)
}

// executeStep sends one step's envelope to its resolved recipients and
// returns (delivered, missed). Shared by the router's primary plans and
// the cascade engine's waves. A closed channel mid-broadcast is a
// normal outcome, never an exception.
func executeStep(reg *Registry, resolver *Resolver, metrics *Metrics, step Step) (delivered, missed int) {
	for _, conn := range recipients(reg, resolver, step.Target) {
		outcome := outcomeMiss
		if conn.Send(step.Env) {
			delivered++
			outcome = outcomeDelivered
		} else {
			missed++
		}
		if metrics != nil {
			metrics.Deliveries.WithLabelValues(string(step.Env.Type), outcome).Inc()
		}
	}
	if delivered == 0 && missed == 0 {
		logging.Debug().
			Str("type", string(step.Env.Type)).
			Msg("delivery step resolved zero recipients")
	}
	return delivered, missed
}

// recipients resolves a target to concrete connections. Role targets
// go through the three-stage resolver and are deduplicated by identity
// within the step; duplication across steps is intentional redundancy.
func recipients(reg *Registry, resolver *Resolver, t Target) []*Connection {
	switch t.Kind {
	case TargetUser:
		if conn, ok := reg.Get(t.UserID); ok {
			return []*Connection{conn}
		}
		return nil
	case TargetGlobal:
		return reg.All()
	case TargetRoles:
		registered := reg.Roles()
		seen := make(map[int]struct{})
		var out []*Connection
		for _, requested := range t.Roles {
			resolved, _ := resolver.Resolve(requested, registered)
			for _, role := range resolved {
				for _, conn := range reg.AllOf(role) {
					if _, dup := seen[conn.UserID]; dup {
						continue
					}
					seen[conn.UserID] = struct{}{}
					out = append(out, conn)
				}
			}
		}
		return out
	default:
		return nil
	}
}

// Plan table. Life-safety rationale per entry lives in the routing
// policy doc; the code states only the mechanics.

func (r *Router) planNewAlarm(env wire.Envelope) Plan {
	return Plan{
		Steps: []Step{
			{Env: env, Target: Target{Kind: TargetRoles, Roles: alarmRoles}},
			{Env: env, Target: Target{Kind: TargetGlobal}},
		},
		CriticalResend: true,
	}
}

func (r *Router) planAlarmUpdate(env wire.Envelope) Plan {
	prioritized := env.Derive(wire.TypeAlarmUpdate)
	prioritized.Payload["priority"] = "high"
	return Plan{
		Steps: []Step{
			{Env: env, Target: Target{Kind: TargetGlobal}},
			{Env: prioritized, Target: Target{Kind: TargetRoles, Roles: []string{"dispatcher"}}},
		},
	}
}

func (r *Router) planDispatchRequest(env wire.Envelope) Plan {
	// Wave 0 of the cascade is the original envelope via global
	// broadcast; the engine owns waves 1-3 and the post-hoc check.
	return Plan{
		Steps:   []Step{{Env: env, Target: Target{Kind: TargetGlobal}}},
		Cascade: true,
	}
}

func (r *Router) planPatrolAssignment(env wire.Envelope) Plan {
	plan := Plan{
		Steps: []Step{
			{Env: env, Target: Target{Kind: TargetRoles, Roles: auditRoles}},
		},
	}
	if supervisorID, ok := wire.PayloadInt(env.Payload, "supervisorId"); ok {
		plan.Steps = append([]Step{
			{Env: env, Target: Target{Kind: TargetUser, UserID: supervisorID}},
		}, plan.Steps...)
	} else {
		logging.Warn().Msg("patrol assignment without supervisorId, unicast skipped")
	}
	return plan
}

func (r *Router) planPatrolStatusUpdate(env wire.Envelope) Plan {
	return Plan{
		Steps: []Step{{Env: env, Target: Target{Kind: TargetRoles, Roles: statusRoles}}},
	}
}

func (r *Router) planSupervisorLocation(env wire.Envelope) Plan {
	return Plan{
		Steps: []Step{{Env: env, Target: Target{Kind: TargetRoles, Roles: oversightRoles}}},
	}
}

func (r *Router) planQRVerification(env wire.Envelope) Plan {
	plan := Plan{
		Steps: []Step{
			{Env: env, Target: Target{Kind: TargetRoles, Roles: oversightRoles}},
		},
	}
	if env.Sender != nil {
		plan.Steps = append([]Step{
			{Env: env, Target: Target{Kind: TargetUser, UserID: env.Sender.UserID}},
		}, plan.Steps...)
	}
	return plan
}

// planNotification is the generic addressed-or-broadcast primitive:
// unicast when targetUserId is set, role-broadcast when targetRole is
// set, global otherwise. A role-addressed notification that reaches
// nobody is rebroadcast globally after a delay, with the stale
// targetRole stripped from the derived copy.
func (r *Router) planNotification(env wire.Envelope) Plan {
	critical, _ := wire.PayloadString(env.Payload, "priority")

	plan := Plan{CriticalResend: critical == "critical"}
	if userID, ok := wire.PayloadInt(env.Payload, "targetUserId"); ok {
		plan.Steps = []Step{{Env: env, Target: Target{Kind: TargetUser, UserID: userID}}}
		return plan
	}
	if role, ok := wire.PayloadString(env.Payload, "targetRole"); ok {
		untargeted := env.Derive(wire.TypeNotification)
		delete(untargeted.Payload, "targetRole")
		plan.Steps = []Step{{Env: env, Target: Target{Kind: TargetRoles, Roles: []string{role}}}}
		plan.Fallback = []FallbackStep{{
			Delay: notificationFallbackDelay,
			Step:  Step{Env: untargeted, Target: Target{Kind: TargetGlobal}},
		}}
		return plan
	}
	plan.Steps = []Step{{Env: env, Target: Target{Kind: TargetGlobal}}}
	return plan
}
