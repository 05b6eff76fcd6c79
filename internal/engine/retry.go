package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryDelayCap  = 4 * time.Second
	defaultMaxAttempts    = 2
	signaturePrefixRunes  = 48
)

// ErrRouteEscalated tells the loop driver that the controller swapped the
// session onto a higher-capability route and the same model turn must be
// retried from scratch (never mid-stream).
var ErrRouteEscalated = errors.New("model route escalated")

var retryableMessagePattern = regexp.MustCompile(`(?i)timeout|network|temporar|unavailable|rate limit`)

// ModelRoute binds a route name to a model id and a transport endpoint.
type ModelRoute struct {
	Name      string
	Model     string
	Transport Transport
}

// EscalationPolicy decides the next higher-capability route when a route
// keeps failing with the same signature.
type EscalationPolicy interface {
	Enabled() bool
	NextRoute(current string) (string, bool)
}

// ChainEscalationPolicy walks a configured ordered chain of route names.
type ChainEscalationPolicy struct {
	Chain    []string
	Disabled bool
}

func (p ChainEscalationPolicy) Enabled() bool { return !p.Disabled && len(p.Chain) > 1 }

func (p ChainEscalationPolicy) NextRoute(current string) (string, bool) {
	current = strings.TrimSpace(current)
	for i, name := range p.Chain {
		if strings.TrimSpace(name) != current {
			continue
		}
		if i+1 < len(p.Chain) {
			return strings.TrimSpace(p.Chain[i+1]), true
		}
		return "", false
	}
	return "", false
}

// TerminalModelError is returned when the retry cycle is exhausted and
// escalation is blocked. Its message is user-visible.
type TerminalModelError struct {
	Route     string
	Attempts  int
	Signature string
	Err       error
}

func (e *TerminalModelError) Error() string {
	if e == nil {
		return ""
	}
	reason := "unknown error"
	if e.Err != nil {
		reason = strings.TrimSpace(e.Err.Error())
	}
	return fmt.Sprintf("the model endpoint for route %q kept failing after %d attempts and no higher-capability route is available: %s", e.Route, e.Attempts, reason)
}

func (e *TerminalModelError) Unwrap() error { return e.Err }

// RetryController wraps transports with bounded exponential backoff, honors
// provider delay hints, and escalates routes on repeated failure signatures.
type RetryController struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	BaseDelay      time.Duration
	DelayCap       time.Duration
	MaxRetryDelay  time.Duration
	Policy         EscalationPolicy
	Log            *slog.Logger

	mu     sync.Mutex
	routes map[string]ModelRoute
	state  map[string]*RetryState // session id -> retry cycle state
	active map[string]string      // session id -> current route name
}

func NewRetryController(policy EscalationPolicy, log *slog.Logger) *RetryController {
	return &RetryController{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultRetryBaseDelay,
		DelayCap:    defaultRetryDelayCap,
		Policy:      policy,
		Log:         log,
		routes:      map[string]ModelRoute{},
		state:       map[string]*RetryState{},
		active:      map[string]string{},
	}
}

// RegisterRoute makes a route selectable for requests and escalation.
func (c *RetryController) RegisterRoute(route ModelRoute) error {
	if c == nil {
		return errors.New("nil retry controller")
	}
	name := strings.TrimSpace(route.Name)
	if name == "" {
		return errors.New("route name is required")
	}
	if route.Transport == nil {
		return fmt.Errorf("route %s missing transport", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	route.Name = name
	c.routes[name] = route
	return nil
}

// ActiveRoute returns the session's current route, falling back to the given
// default on first use.
func (c *RetryController) ActiveRoute(sessionID string, fallback string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name := strings.TrimSpace(c.active[sessionID]); name != "" {
		return name
	}
	fallback = strings.TrimSpace(fallback)
	if fallback != "" {
		c.active[sessionID] = fallback
	}
	return fallback
}

// RetryStateSnapshot exposes the per-session retry state for diagnostics.
func (c *RetryController) RetryStateSnapshot(sessionID string) RetryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.state[sessionID]; st != nil {
		return *st
	}
	return RetryState{}
}

// RequestWithRetry performs one model turn with bounded retries. It returns
// ErrRouteEscalated after swapping the session to a higher-capability route;
// the caller retries the turn from scratch. On exhaustion with escalation
// blocked it returns a TerminalModelError.
func (c *RetryController) RequestWithRetry(ctx context.Context, sessionID string, routeName string, req ChatRequest, sink TextSink) (AssistantTurn, error) {
	if c == nil {
		return AssistantTurn{}, errors.New("nil retry controller")
	}
	routeName = c.ActiveRoute(sessionID, routeName)
	route, ok := c.lookupRoute(routeName)
	if !ok {
		return AssistantTurn{}, fmt.Errorf("model route %q is not registered", routeName)
	}
	if strings.TrimSpace(req.Model) == "" {
		req.Model = route.Model
	}

	maxAttempts := c.MaxAttempts
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	totalAttempts := maxAttempts + 1

	st := c.beginCycle(sessionID, totalAttempts)
	lastSignature := ""
	var lastErr error

	for attempt := 1; attempt <= totalAttempts; attempt++ {
		c.noteAttempt(sessionID, attempt)

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if c.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, c.AttemptTimeout)
		}
		turn, err := route.Transport.Send(attemptCtx, req, sink)
		cancel()
		if err == nil {
			if turn.TransportAttempts > 1 {
				// The transport quietly burned internal retries; treat the
				// route as degraded for the next failure decision.
				lastSignature = "transport_internal_retries|" + routeName
			}
			c.resetCycle(sessionID)
			return turn, nil
		}
		if ctx.Err() != nil {
			c.resetCycle(sessionID)
			return AssistantTurn{}, ctx.Err()
		}
		lastErr = err

		signature := failureSignature(err)
		recurred := signature != "" && signature == lastSignature
		internalRetries := transportInternalAttempts(err) > 1
		if recurred || internalRetries {
			if escErr := c.tryEscalate(sessionID, routeName, signature); escErr == nil {
				return AssistantTurn{}, ErrRouteEscalated
			}
		}
		lastSignature = signature

		if !IsRetryableModelFailure(err) || attempt == totalAttempts {
			break
		}
		delay := c.backoffDelay(attempt, err)
		c.noteDelay(sessionID, delay)
		if c.Log != nil {
			c.Log.Debug("model request retry scheduled",
				"session_id", sessionID,
				"route", routeName,
				"attempt", attempt,
				"delay_ms", delay.Milliseconds(),
				"signature", signature,
			)
		}
		if err := sleepCtx(ctx, delay); err != nil {
			c.resetCycle(sessionID)
			return AssistantTurn{}, err
		}
	}

	// Exhausted. One last escalation attempt before declaring terminal.
	if escErr := c.tryEscalate(sessionID, routeName, lastSignature); escErr == nil {
		return AssistantTurn{}, ErrRouteEscalated
	}
	c.resetCycle(sessionID)
	return AssistantTurn{}, &TerminalModelError{
		Route:     routeName,
		Attempts:  st.MaxAttempts,
		Signature: lastSignature,
		Err:       lastErr,
	}
}

func (c *RetryController) lookupRoute(name string) (ModelRoute, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	route, ok := c.routes[strings.TrimSpace(name)]
	return route, ok
}

func (c *RetryController) beginCycle(sessionID string, totalAttempts int) RetryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := &RetryState{Active: true, Attempt: 0, MaxAttempts: totalAttempts}
	c.state[sessionID] = st
	return *st
}

func (c *RetryController) noteAttempt(sessionID string, attempt int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.state[sessionID]; st != nil {
		st.Attempt = attempt
	}
}

func (c *RetryController) noteDelay(sessionID string, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.state[sessionID]; st != nil {
		st.DelayMs = int(delay.Milliseconds())
	}
}

func (c *RetryController) resetCycle(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[sessionID] = &RetryState{}
}

// tryEscalate swaps the session to the next route in the chain. It returns
// nil on success; a non-nil error means escalation is blocked.
func (c *RetryController) tryEscalate(sessionID string, current string, signature string) error {
	if c.Policy == nil || !c.Policy.Enabled() {
		return errors.New("escalation policy disabled")
	}
	next, ok := c.Policy.NextRoute(current)
	if !ok || strings.TrimSpace(next) == "" {
		return errors.New("already at the top of the escalation chain")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, registered := c.routes[next]; !registered {
		return fmt.Errorf("escalation route %q is not registered", next)
	}
	c.active[sessionID] = next
	c.state[sessionID] = &RetryState{}
	if c.Log != nil {
		c.Log.Info("model route escalated",
			"session_id", sessionID,
			"from", current,
			"to", next,
			"signature", signature,
		)
	}
	return nil
}

func (c *RetryController) backoffDelay(attempt int, err error) time.Duration {
	base := c.BaseDelay
	if base <= 0 {
		base = defaultRetryBaseDelay
	}
	ceiling := c.DelayCap
	if ceiling <= 0 {
		ceiling = defaultRetryDelayCap
	}
	if hint := retryAfterHint(err); hint > 0 {
		if c.MaxRetryDelay <= 0 || hint <= c.MaxRetryDelay {
			return hint
		}
	}
	return BackoffDelay(attempt, base, ceiling)
}

// BackoffDelay is min(ceiling, base * 2^(attempt-1)).
func BackoffDelay(attempt int, base time.Duration, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

// IsRetryableModelFailure applies the transport failure taxonomy: an explicit
// retryable mark, a retryable HTTP status, or a transient-sounding message.
func IsRetryableModelFailure(err error) bool {
	if err == nil {
		return false
	}
	var terr *TransportError
	if errors.As(err, &terr) {
		if terr.Retryable {
			return true
		}
		if IsRetryableHTTPStatus(terr.Status) {
			return true
		}
	}
	return retryableMessagePattern.MatchString(err.Error())
}

func retryAfterHint(err error) time.Duration {
	var terr *TransportError
	if errors.As(err, &terr) {
		return terr.RetryAfter
	}
	return 0
}

func transportInternalAttempts(err error) int {
	var aerr interface{ Attempts() int }
	if errors.As(err, &aerr) {
		return aerr.Attempts()
	}
	return 0
}

func failureSignature(err error) string {
	if err == nil {
		return ""
	}
	code := ""
	status := 0
	var terr *TransportError
	if errors.As(err, &terr) {
		code = strings.TrimSpace(terr.Code)
		status = terr.Status
	}
	msg := strings.ToLower(strings.Join(strings.Fields(err.Error()), " "))
	runes := []rune(msg)
	if len(runes) > signaturePrefixRunes {
		msg = string(runes[:signaturePrefixRunes])
	}
	return code + "|" + strconv.Itoa(status) + "|" + msg
}

// sleepCtx waits without blocking the scheduler and aborts on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
