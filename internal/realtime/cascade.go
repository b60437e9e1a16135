package realtime

import (
	"fmt"
	"strconv"
	"time"

	"github.com/seguritech/centinela/internal/logging"
	"github.com/seguritech/centinela/pkg/wire"
)

// Scheduler abstracts timer scheduling so the cascade policy can be
// tested against a manual clock instead of real sleeps. Scheduled
// actions are fire-and-forget: there is no cancellation for in-flight
// waves, a recipient that disconnected mid-cascade simply turns into a
// delivery miss.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func())
}

type timerScheduler struct{}

func (timerScheduler) AfterFunc(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}

// NewScheduler returns the production scheduler backed by time.AfterFunc.
func NewScheduler() Scheduler { return timerScheduler{} }

// CascadeDelays staggers the redundant delivery waves. Wave 0 is the
// original envelope sent at publish time.
type CascadeDelays struct {
	Wave1 time.Duration
	Wave2 time.Duration
	Wave3 time.Duration
}

// DefaultCascadeDelays matches the dispatch-safety policy: waves at
// +500ms, +1000ms and +1200ms after the original send.
func DefaultCascadeDelays() CascadeDelays {
	return CascadeDelays{
		Wave1: 500 * time.Millisecond,
		Wave2: 1000 * time.Millisecond,
		Wave3: 1200 * time.Millisecond,
	}
}

// wave is one entry of the cascade table: a delay and the action that
// builds and sends the wave's derived envelopes. Each wave is a fully
// independent send, not a retry of the same frame; consumers
// de-duplicate by alarmId.
type wave struct {
	index int
	delay time.Duration
	run   func(env wire.Envelope, correlation string)
}

// Engine executes the redundant delivery cascade for safety-critical
// messages. Losing a dispatch request has physical-safety consequences,
// so the engine trades message volume for delivery probability; waves
// are unconditional and a single failed send never aborts the cascade.
type Engine struct {
	reg      *Registry
	resolver *Resolver
	sched    Scheduler
	metrics  *Metrics
	delays   CascadeDelays
}

// NewEngine builds the cascade engine.
func NewEngine(reg *Registry, resolver *Resolver, sched Scheduler, metrics *Metrics, delays CascadeDelays) *Engine {
	return &Engine{reg: reg, resolver: resolver, sched: sched, metrics: metrics, delays: delays}
}

// DispatchCascade queues waves 1-3 for a DISPATCH_REQUEST whose wave 0
// (original envelope, global broadcast) the router has just sent, and
// runs the post-hoc dispatcher presence check. The check is an
// observability signal only; the cascade proceeds regardless.
func (e *Engine) DispatchCascade(env wire.Envelope, correlation string) {
	e.countWave(0)
	e.checkDispatcherPresence(correlation)

	for _, w := range e.dispatchWaves() {
		w := w
		e.sched.AfterFunc(w.delay, func() {
			e.countWave(w.index)
			w.run(env, correlation)
		})
	}
	logging.Info().
		Str("correlation", correlation).
		Msg("dispatch cascade scheduled")
}

// dispatchWaves is the cascade policy as data.
func (e *Engine) dispatchWaves() []wave {
	return []wave{
		{index: 1, delay: e.delays.Wave1, run: e.waveGlobalNotification},
		{index: 2, delay: e.delays.Wave2, run: e.waveDispatcherNotification},
		{index: 3, delay: e.delays.Wave3, run: e.wavePersonalizedNotifications},
	}
}

// CriticalResend queues the partial cascade used for NEW_ALARM and
// critical NOTIFICATIONs: one delayed, derived global notification. A
// NOTIFICATION source already carries its own title and message; an
// alarm source gets a rendered summary so consumers never show an
// empty notification.
func (e *Engine) CriticalResend(env wire.Envelope, correlation string) {
	e.sched.AfterFunc(e.delays.Wave1, func() {
		e.countWave(1)
		resend := deriveNotification(env)
		if _, ok := wire.PayloadString(resend.Payload, "title"); !ok {
			resend.Payload["title"] = "Nueva alarma activa"
			resend.Payload["message"] = summarizeAlarm(env.Payload)
			resend.Payload["notificationType"] = "alarm"
		}
		resend.Payload["priority"] = "critical"
		e.send(Step{Env: resend, Target: Target{Kind: TargetGlobal}}, correlation, "critical resend")
	})
}

// waveGlobalNotification derives a human-readable NOTIFICATION
// summarizing the request and broadcasts it with no target filter.
func (e *Engine) waveGlobalNotification(env wire.Envelope, correlation string) {
	n := deriveNotification(env)
	n.Payload["title"] = "Solicitud de despacho urgente"
	n.Payload["message"] = summarizeDispatch(env.Payload)
	n.Payload["notificationType"] = "dispatch"
	n.Payload["priority"] = "critical"
	e.send(Step{Env: n, Target: Target{Kind: TargetGlobal}}, correlation, "wave 1 global")
}

// waveDispatcherNotification derives a NOTIFICATION explicitly
// addressed to the dispatcher role group, sent through alias
// resolution.
func (e *Engine) waveDispatcherNotification(env wire.Envelope, correlation string) {
	n := deriveNotification(env)
	n.Payload["title"] = "Despacho pendiente de atención"
	n.Payload["message"] = summarizeDispatch(env.Payload)
	n.Payload["notificationType"] = "dispatch"
	n.Payload["priority"] = "critical"
	n.Payload["targetRole"] = "dispatcher"
	e.send(Step{Env: n, Target: Target{Kind: TargetRoles, Roles: []string{"dispatcher"}}}, correlation, "wave 2 dispatcher")
}

// wavePersonalizedNotifications iterates every live connection and
// sends a per-recipient NOTIFICATION whose wording depends on whether
// the recipient can act on the request or only needs to escalate it.
func (e *Engine) wavePersonalizedNotifications(env wire.Envelope, correlation string) {
	summary := summarizeDispatch(env.Payload)
	for _, conn := range e.reg.All() {
		n := deriveNotification(env)
		n.Payload["notificationType"] = "dispatch"
		n.Payload["priority"] = "critical"
		n.Payload["targetUserId"] = conn.UserID
		if e.resolver.InGroup("dispatcher", conn.Role) {
			n.Payload["title"] = "ACCIÓN REQUERIDA: despachar patrulla"
			n.Payload["message"] = summary
		} else {
			n.Payload["title"] = "Alerta: solicitud de despacho activa"
			n.Payload["message"] = summary + ". Notifique al despachador de turno."
		}
		if !conn.Send(n) {
			logging.Warn().
				Str("correlation", correlation).
				Int("user_id", conn.UserID).
				Msg("personalized wave missed recipient")
		}
	}
}

// checkDispatcherPresence logs a warning when no live connection
// resolves into the dispatcher alias group.
func (e *Engine) checkDispatcherPresence(correlation string) {
	resolved, stage := e.resolver.Resolve("dispatcher", e.reg.Roles())
	if len(resolved) == 0 {
		logging.Warn().
			Str("correlation", correlation).
			Msg("no dispatcher-role connection registered for dispatch request")
		return
	}
	logging.Debug().
		Str("correlation", correlation).
		Strs("roles", resolved).
		Str("match", stage.String()).
		Msg("dispatcher presence confirmed")
}

// send executes one wave step, logging the outcome. Transport faults
// surface as misses inside executeStep and never abort the wave.
func (e *Engine) send(step Step, correlation, label string) {
	delivered, missed := executeStep(e.reg, e.resolver, e.metrics, step)
	logging.Info().
		Str("correlation", correlation).
		Str("wave", label).
		Int("delivered", delivered).
		Int("missed", missed).
		Msg("cascade wave sent")
}

func (e *Engine) countWave(index int) {
	if e.metrics != nil {
		e.metrics.CascadeWave.WithLabelValues(strconv.Itoa(index)).Inc()
	}
}

// deriveNotification builds a NOTIFICATION envelope carrying the source
// payload's identifying fields, leaving the original untouched.
func deriveNotification(env wire.Envelope) wire.Envelope {
	n := env.Derive(wire.TypeNotification)
	delete(n.Payload, "targetRole")
	delete(n.Payload, "targetUserId")
	if id, ok := wire.PayloadInt(env.Payload, "alarmId"); ok {
		n.Payload["entityId"] = id
		n.Payload["entityType"] = "alarm"
	}
	return n
}

// summarizeDispatch renders the human-readable body for derived
// dispatch notifications.
func summarizeDispatch(p map[string]any) string {
	alarmID, _ := wire.PayloadInt(p, "alarmId")
	priority, ok := wire.PayloadString(p, "priority")
	if !ok {
		priority = "alta"
	}
	return fmt.Sprintf("Alarma %d (%s): se requiere despacho de patrulla, prioridad %s.", alarmID, clientLabel(p), priority)
}

// summarizeAlarm renders the body for the derived alarm resend.
func summarizeAlarm(p map[string]any) string {
	alarmID, _ := wire.PayloadInt(p, "alarmId")
	status, ok := wire.PayloadString(p, "status")
	if !ok {
		status = "activa"
	}
	return fmt.Sprintf("Alarma %d (%s): estado %s, requiere atención inmediata.", alarmID, clientLabel(p), status)
}

func clientLabel(p map[string]any) string {
	if client, ok := wire.PayloadString(p, "clientName"); ok {
		return client
	}
	if clientID, ok := wire.PayloadInt(p, "clientId"); ok {
		return fmt.Sprintf("cliente %d", clientID)
	}
	return "cliente desconocido"
}
