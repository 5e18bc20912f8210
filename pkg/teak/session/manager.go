package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/GoCarrot/teak-go/pkg/teak/config"
	"github.com/GoCarrot/teak-go/pkg/teak/event"
	"github.com/GoCarrot/teak-go/pkg/teak/future"
	"github.com/GoCarrot/teak-go/pkg/teak/observability"
	"github.com/GoCarrot/teak-go/pkg/teak/policy"
)

const (
	// defaultAuxWait bounds every wait on asynchronously resolved data
	// (advertising id, push token, attribution). A value that has not
	// arrived by then is omitted from the payload.
	defaultAuxWait = 5 * time.Second

	sdkVersion  = "1.0.0"
	sdkPlatform = "go"
)

// TypeSessionState identifies StateEvent on the bus.
const TypeSessionState = "session.state"

// StateEvent announces a session state transition to bus listeners.
type StateEvent struct {
	SessionID string
	State     State
	Previous  State
}

// Type implements event.Event.
func (StateEvent) Type() string { return TypeSessionState }

// Reporter hands outbound payloads to the request queue. Implemented by
// request.Queue via a thin adapter; fully mockable for tests.
type Reporter interface {
	// Enqueue accepts a payload for eventual batched delivery.
	Enqueue(endpoint string, payload map[string]any) error

	// EnqueueWithReply additionally invokes reply with the backend's
	// response once the payload is acknowledged.
	EnqueueWithReply(endpoint string, payload map[string]any, reply func(status int, body []byte)) error
}

// URIRouter dispatches deep link URIs. Implemented by deeplink.Router.
type URIRouter interface {
	Resolve(rawURI string) bool
}

// Transport performs a single HTTP exchange. A nil body means GET.
// Implemented by request.HTTPTransport; used here only for heartbeats.
type Transport interface {
	Do(ctx context.Context, hostname, path string, body []byte, headers map[string]string) (int, []byte, error)
}

// Manager owns the single current session and drives its state machine.
//
// The current-session pointer, the buffered user identifier, and every
// Session field are guarded by one lock, so identity-change and expiry
// logic cannot race. The Manager subscribes itself to the event bus and
// reacts to lifecycle, identity, device, and configuration events.
type Manager struct {
	mu sync.Mutex

	appID      string
	apiKey     string
	appVersion string

	bus      *event.Bus
	resolver *policy.Resolver
	reporter Reporter

	router    URIRouter
	transport Transport

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	now     func() time.Time
	auxWait time.Duration

	current       *Session
	pendingUserID string

	// Device-level values arrive independently of any particular session
	// and can be re-issued by the platform at any time. A change while a
	// user is identified re-runs the identification call as a duplicate.
	adInfo    *future.Latest[event.AdvertisingInfoEvent]
	pushToken *future.Latest[string]

	whenReady     []func(userID string)
	whenEverReady []func(userID string)

	verbose atomic.Bool

	notifyCh chan event.Event
	closed   bool
	sub      *event.Subscription
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics observability.MetricsRecorder) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithSpans sets the trace span manager. Each session gets a span covering
// its lifetime, with a child span per identification call.
func WithSpans(spans observability.SpanManager) Option {
	return func(m *Manager) { m.spans = spans }
}

// WithRouter sets the deep link router used to dispatch launch URIs.
func WithRouter(router URIRouter) Option {
	return func(m *Manager) { m.router = router }
}

// WithTransport sets the transport used for heartbeat pings. Without one,
// heartbeats are skipped.
func WithTransport(transport Transport) Option {
	return func(m *Manager) { m.transport = transport }
}

// WithClock overrides the wall clock. Tests use this to exercise the
// same-session window without sleeping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager and subscribes it to the bus.
// Call Close when done to release the subscription and stop background work.
func NewManager(cfg *config.AppConfig, bus *event.Bus, resolver *policy.Resolver, reporter Reporter, opts ...Option) *Manager {
	m := &Manager{
		appID:      cfg.AppID,
		apiKey:     cfg.APIKey,
		appVersion: cfg.AppVersion,
		bus:        bus,
		resolver:   resolver,
		reporter:   reporter,
		metrics:    observability.NoopMetrics{},
		spans:      observability.NoopSpanManager{},
		now:        time.Now,
		auxWait:    defaultAuxWait,
		adInfo:     future.NewLatest[event.AdvertisingInfoEvent](),
		pushToken:  future.NewLatest[string](),
		notifyCh:   make(chan event.Event, 32),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.notifyLoop()
	if bus != nil {
		m.sub = bus.Subscribe(m)
	}
	return m
}

// notifyLoop republishes state events outside the manager lock so bus
// listeners can call back into the Manager without deadlocking.
func (m *Manager) notifyLoop() {
	for ev := range m.notifyCh {
		if m.bus != nil {
			m.bus.Publish(ev)
		}
	}
}

// Close stops the heartbeat, releases the bus subscription, and shuts down
// the notification worker. The current session, if any, is expired.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if s := m.current; s != nil {
		m.stopHeartbeatLocked(s)
		m.spans.EndSpanWithError(s.span, nil)
		s.span = nil
	}
	ch := m.notifyCh
	m.mu.Unlock()

	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	close(ch)
}

// OnEvent implements event.Listener.
func (m *Manager) OnEvent(e event.Event) {
	switch ev := e.(type) {
	case event.LifecycleEvent:
		m.OnLifecycle(ev)
	case event.UserIDEvent:
		m.SetUserID(ev.UserID)
	case event.AdvertisingInfoEvent:
		if m.adInfo.Set(ev) {
			m.onDeviceValueChanged()
		}
	case event.PushRegistrationEvent:
		if m.pushToken.Set(ev.Token) {
			m.onDeviceValueChanged()
		}
	case policy.ConfigurationEvent:
		m.onConfiguration()
	}
}

// OnLifecycle handles a foreground/background transition of the host app.
func (m *Manager) OnLifecycle(ev event.LifecycleEvent) {
	if ev.State == event.Foreground {
		m.onForeground(ev.Launch)
		return
	}
	m.onBackground()
}

func (m *Manager) onForeground(launch event.LaunchData) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	fresh := !launch.Processed && (launch.URI != "" || launch.NotificationID != "")

	s := m.current
	var cause string
	switch {
	case s == nil:
		cause = "first_launch"
	case s.state == StateExpired || s.state == StateInvalid:
		cause = "expired"
	case s.state == StateExpiring && now.Sub(s.endTime) >= SameSessionWindow:
		cause = "expired"
	case fresh && launch.NotificationID != "":
		cause = "push_notification"
	}

	if cause != "" {
		m.createSessionLocked(nil, launch, fresh, cause)
		return
	}

	// Resume. Roll an expiring session back to where it was.
	if s.state == StateExpiring {
		prev := s.previousState
		if m.setStateLocked(s, prev) {
			s.endTime = time.Time{}
		}
	}
}

func (m *Manager) onBackground() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.current; s != nil {
		m.setStateLocked(s, StateExpiring)
	}
}

// onDeviceValueChanged reacts to a replaced push token or advertising id.
// A session that already identified its user must tell the backend about
// the new value, so the identification call re-runs as a duplicate.
func (m *Manager) onDeviceValueChanged() {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.current
	if s == nil || !s.hasIdentifiedUser(false) {
		return
	}
	go m.identify(s, s.userID, true)
}

func (m *Manager) onConfiguration() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.current; s != nil && s.state == StateCreated {
		m.advanceToConfiguredLocked(s)
	}
}

// SetUserID asserts the stable user identifier. If no session exists yet,
// the identifier is buffered until the first one is created. If the current
// session already has a different identifier, it is retired and a new
// session is created carrying the same attribution handle forward.
func (m *Manager) SetUserID(userID string) {
	if userID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pendingUserID = userID
	s := m.current
	if s == nil {
		return
	}
	if s.userID != "" && s.userID != userID {
		m.createSessionLocked(s.attribution, event.LaunchData{}, false, "identity_change")
		return
	}
	if s.userID == "" {
		s.userID = userID
	}
	switch s.state {
	case StateConfigured:
		m.startIdentifyLocked(s)
	case StateUserIdentified:
		// Identity re-asserted after a successful identification. The
		// backend still gets the call, marked as a duplicate.
		go m.identify(s, userID, true)
	}
}

// WhenUserIDReady runs f, on its own goroutine, once a session reaches
// UserIdentified. If one already has, f runs immediately.
func (m *Manager) WhenUserIDReady(f func(userID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.current; s != nil && s.hasIdentifiedUser(false) {
		go f(s.userID)
		return
	}
	m.whenReady = append(m.whenReady, f)
}

// WhenUserIDIsOrWasReady is WhenUserIDReady, additionally satisfied by a
// session that is Expiring but was UserIdentified immediately prior.
func (m *Manager) WhenUserIDIsOrWasReady(f func(userID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.current; s != nil && s.hasIdentifiedUser(true) {
		go f(s.userID)
		return
	}
	m.whenEverReady = append(m.whenEverReady, f)
}

// IsActive reports whether a current session exists that is neither
// expiring, expired, nor invalid.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.current
	return s != nil && s.state != StateExpiring && s.state != StateExpired && s.state != StateInvalid
}

// CurrentSessionID returns the current session's id, or "" when none exists.
func (m *Manager) CurrentSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.id
}

// CurrentState returns the current session's state, or StateExpired when no
// session exists.
func (m *Manager) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return StateExpired
	}
	return m.current.state
}

// Verbose reports whether the backend requested verbose logging.
func (m *Manager) Verbose() bool { return m.verbose.Load() }

// createSessionLocked retires the current session and installs a new one.
// attribution, when non-nil, is carried forward from the retired session;
// otherwise a fresh handle is allocated and resolved from the launch data.
func (m *Manager) createSessionLocked(attribution *future.Value[map[string]string], launch event.LaunchData, fresh bool, cause string) {
	if old := m.current; old != nil && old.state != StateExpired && old.state != StateInvalid {
		if old.state != StateExpiring {
			m.setStateLocked(old, StateExpiring)
		}
		m.setStateLocked(old, StateExpired)
	}

	carried := attribution != nil
	s := newSession(m.now(), attribution)
	if m.pendingUserID != "" {
		s.userID = m.pendingUserID
	}
	s.spanCtx, s.span = m.spans.StartSessionSpan(context.Background(), s.id)
	m.current = s
	m.metrics.RecordSessionCreated(context.Background(), cause)

	m.setStateLocked(s, StateCreated)

	if !carried {
		if fresh {
			go m.resolveAttribution(s, launch)
		} else {
			s.attribution.Complete(map[string]string{})
		}
	}

	if m.resolver.Configured() {
		m.advanceToConfiguredLocked(s)
	}
}

// advanceToConfiguredLocked moves a Created session to Configured and kicks
// off identification when the user is already known.
func (m *Manager) advanceToConfiguredLocked(s *Session) {
	if !m.setStateLocked(s, StateConfigured) {
		return
	}
	if s.userID != "" {
		m.startIdentifyLocked(s)
	}
}

func (m *Manager) startIdentifyLocked(s *Session) {
	doNotTrack := s.identified
	if !m.setStateLocked(s, StateIdentifyingUser) {
		return
	}
	go m.identify(s, s.userID, doNotTrack)
}

// setStateLocked applies a state transition with its entry side effects.
// A self-transition is a logged no-op; an illegal transition is logged and
// leaves the state unchanged. Returns whether the transition happened.
func (m *Manager) setStateLocked(s *Session, newState State) bool {
	old := s.state
	if old == newState {
		// Entering Expiring twice is legal and idempotent, to support
		// transient app switches.
		observability.LogSameState(m.logger, s.id, old.String())
		return false
	}
	if !old.CanTransitionTo(newState) {
		observability.LogInvalidTransition(m.logger, s.id, old.String(), newState.String())
		return false
	}
	if newState == StateIdentifyingUser && s.userID == "" {
		observability.LogInvalidValues(m.logger, s.id, old.String(), newState.String(), "user_id")
		return false
	}

	s.previousState = old
	s.state = newState
	observability.LogStateChange(m.logger, s.id, old.String(), newState.String())
	m.metrics.RecordStateTransition(context.Background(), old.String(), newState.String())
	if s.spanCtx != nil {
		m.spans.AddSpanEvent(s.spanCtx, "session.state",
			attribute.String("state", newState.String()))
	}

	switch newState {
	case StateExpiring:
		s.endTime = m.now()
		m.stopHeartbeatLocked(s)
	case StateUserIdentified:
		m.startHeartbeatLocked(s)
		m.releaseWaitersLocked(s, true)
	case StateExpired, StateInvalid:
		m.stopHeartbeatLocked(s)
		m.spans.EndSpanWithError(s.span, nil)
		s.span = nil
	}

	m.publishLocked(StateEvent{SessionID: s.id, State: newState, Previous: old})
	return true
}

// publishLocked forwards an event to the notification worker. Dropping on
// a full buffer is preferable to blocking the state machine.
func (m *Manager) publishLocked(ev event.Event) {
	if m.closed {
		return
	}
	select {
	case m.notifyCh <- ev:
	default:
		if m.logger != nil {
			m.logger.Warn("session.notify_dropped", slog.String("event", ev.Type()))
		}
	}
}

// releaseWaitersLocked flushes the wait queues, each entry on its own
// goroutine. The "is or was identified" queue always flushes; ready
// additionally flushes the stricter "is identified" queue.
func (m *Manager) releaseWaitersLocked(s *Session, ready bool) {
	userID := s.userID
	if ready {
		for _, f := range m.whenReady {
			go f(userID)
		}
		m.whenReady = nil
	}
	for _, f := range m.whenEverReady {
		go f(userID)
	}
	m.whenEverReady = nil
}

// resolveAttribution classifies why the app was opened and completes the
// session's attribution handle. Deep link URIs are also dispatched to the
// router here.
func (m *Manager) resolveAttribution(s *Session, launch event.LaunchData) {
	attr := map[string]string{}
	if launch.NotificationID != "" {
		attr["teak_notif_id"] = launch.NotificationID
		observability.LogAttribution(m.logger, "teak_notif_id", launch.NotificationID)
	}
	if launch.URI != "" {
		attr["deep_link"] = launch.URI
		if u, err := url.Parse(launch.URI); err == nil {
			for k, vs := range u.Query() {
				if strings.HasPrefix(k, "teak_") && len(vs) > 0 {
					attr[k] = vs[0]
				}
			}
		}
		observability.LogAttribution(m.logger, "deep_link", launch.URI)
		if m.router != nil {
			m.router.Resolve(launch.URI)
		}
	}
	s.attribution.Complete(attr)
}

// identify performs the identification call for s. Auxiliary values that
// do not resolve within auxWait are omitted; the call itself is never
// blocked indefinitely and never fails the session.
func (m *Manager) identify(s *Session, userID string, doNotTrack bool) {
	payload := map[string]any{
		"timezone": timezoneOffsetHours(m.now()),
		"locale":   systemLocale(),
	}
	if doNotTrack {
		payload["do_not_track_event"] = true
	}
	if info, ok := m.adInfo.GetTimeout(m.auxWait); ok {
		payload["limit_ad_tracking"] = info.LimitTracking
		if !info.LimitTracking {
			payload["ad_id"] = info.ID
		}
	}
	if token, ok := m.pushToken.GetTimeout(m.auxWait); ok {
		payload["push_token"] = token
	}
	if attr, ok := s.attribution.GetTimeout(m.auxWait); ok {
		for k, v := range attr {
			payload[k] = v
		}
	}

	// The session may have been superseded while we gathered values.
	m.mu.Lock()
	if m.current != s || s.state == StateExpired || s.state == StateInvalid {
		m.mu.Unlock()
		return
	}
	spanCtx := s.spanCtx
	m.mu.Unlock()
	if spanCtx == nil {
		spanCtx = context.Background()
	}

	observability.LogIdentifyUser(m.logger, s.id, userID, doNotTrack)
	m.metrics.RecordIdentifyCall(context.Background(), doNotTrack)
	_, span := m.spans.StartIdentifySpan(spanCtx, s.id, userID)

	endpoint := "/games/" + m.appID + "/users.json"
	err := m.reporter.EnqueueWithReply(endpoint, payload, func(status int, body []byte) {
		m.onIdentifyResponse(s, status, body)
	})
	m.spans.EndSpanWithError(span, err)
	if err != nil && m.logger != nil {
		observability.EnrichLogger(m.logger, s.id).Error("session.identify_enqueue_failed",
			slog.String("error", err.Error()))
	}
}

// onIdentifyResponse applies the backend's acknowledgement of an
// identification call.
func (m *Manager) onIdentifyResponse(s *Session, status int, body []byte) {
	if status < 200 || status > 299 {
		return
	}

	var parsed struct {
		VerboseLogging bool   `json:"verbose_logging"`
		ResetPushKey   bool   `json:"reset_push_key"`
		CountryCode    string `json:"country_code"`
	}
	if len(body) > 0 {
		// A malformed body still counts as a successful identification.
		_ = json.Unmarshal(body, &parsed)
	}

	if parsed.VerboseLogging && !m.verbose.Swap(true) {
		if m.logger != nil {
			m.logger.Info("session.verbose_logging_enabled")
		}
	}

	m.mu.Lock()
	if m.current != s {
		m.mu.Unlock()
		return
	}
	if parsed.CountryCode != "" {
		s.countryCode = parsed.CountryCode
	}
	s.identified = true
	switch {
	case s.state == StateIdentifyingUser:
		m.setStateLocked(s, StateUserIdentified)
	case s.state == StateExpiring && s.previousState == StateIdentifyingUser:
		// Remember UserIdentified as the state to roll back to, and
		// satisfy "was identified" waiters now.
		s.previousState = StateUserIdentified
		m.releaseWaitersLocked(s, false)
	}
	if parsed.ResetPushKey {
		m.publishLocked(event.PushResetEvent{})
	}
	m.mu.Unlock()
}

func (m *Manager) startHeartbeatLocked(s *Session) {
	if s.stopHeartbeat != nil {
		return
	}
	stop := make(chan struct{})
	s.stopHeartbeat = stop
	go m.heartbeatLoop(s, m.resolver.HeartbeatInterval(), stop)
}

func (m *Manager) stopHeartbeatLocked(s *Session) {
	if s.stopHeartbeat != nil {
		close(s.stopHeartbeat)
		s.stopHeartbeat = nil
	}
}

func (m *Manager) heartbeatLoop(s *Session, interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.sendHeartbeat(s)
		}
	}
}

func (m *Manager) sendHeartbeat(s *Session) {
	if m.transport == nil {
		return
	}
	m.mu.Lock()
	userID := s.userID
	country := s.countryCode
	m.mu.Unlock()

	q := url.Values{}
	q.Set("game_id", m.appID)
	q.Set("api_key", m.apiKey)
	q.Set("user_id", userID)
	q.Set("sdk_version", sdkVersion)
	q.Set("sdk_platform", sdkPlatform)
	q.Set("app_version", m.appVersion)
	if country != "" {
		q.Set("country_code", country)
	}
	q.Set("buster", newSessionID()[:8])

	ctx, cancel := context.WithTimeout(context.Background(), defaultAuxWait)
	defer cancel()
	_, _, err := m.transport.Do(ctx, m.resolver.Hostname(), "/ping?"+q.Encode(), nil, nil)
	observability.LogHeartbeat(m.logger, s.id, err)
}

// timezoneOffsetHours formats the local UTC offset in decimal hours,
// e.g. "-7.00".
func timezoneOffsetHours(now time.Time) string {
	_, offset := now.Zone()
	return strconv.FormatFloat(float64(offset)/3600.0, 'f', 2, 64)
}

// systemLocale reports the process locale, falling back to en_US.
func systemLocale() string {
	for _, key := range []string{"LC_ALL", "LANG"} {
		if v := os.Getenv(key); v != "" {
			if i := strings.IndexByte(v, '.'); i > 0 {
				return v[:i]
			}
			return v
		}
	}
	return "en_US"
}
