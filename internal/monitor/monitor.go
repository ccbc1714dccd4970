package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"authsession/internal/session"
	"authsession/pkg/logging"
	"authsession/pkg/oauth"
)

const subsystem = "SessionMonitor"

// Messages understood by the monitor.
const (
	LoadTimer = "loadTimer"
	Unchanged = "unchanged"
)

// DefaultInterval is the check interval used when none or a too small one
// is configured.
const DefaultInterval = 3 * time.Second

// MinIntervalSeconds is the smallest accepted configured interval.
const MinIntervalSeconds = 2

// IntervalFromSeconds converts a configured interval. Values below
// MinIntervalSeconds select DefaultInterval.
func IntervalFromSeconds(seconds int) time.Duration {
	if seconds < MinIntervalSeconds {
		return DefaultInterval
	}
	return time.Duration(seconds) * time.Second
}

// Storage is the read-only view of tab-scoped storage.
type Storage interface {
	Get(key string) (string, bool)
}

// StorageFunc adapts a function to Storage.
type StorageFunc func(key string) (string, bool)

func (f StorageFunc) Get(key string) (string, bool) { return f(key) }

// FromSessionStorage adapts a session.Storage. Read errors are logged and
// reported as a missing key.
func FromSessionStorage(s session.Storage) Storage {
	return StorageFunc(func(key string) (string, bool) {
		v, ok, err := s.Get(context.Background(), key)
		if err != nil {
			logging.Warn(subsystem, "Failed to read %s: %v", key, err)
			return "", false
		}
		return v, ok
	})
}

// Frame is the hidden check-session frame.
type Frame interface {
	Navigate(url string) error
	PostMessage(data, targetOrigin string) error
}

// SilentAuthFrame is the hidden frame used for prompt=none requests.
type SilentAuthFrame interface {
	Navigate(url string) error
	Src() string
}

// Message is an inbound cross-document message.
type Message struct {
	Origin string
	Data   string
}

// OriginMatch selects how reply origins are compared with the stored
// check-session endpoint.
type OriginMatch int

const (
	// OriginExact requires the reply origin to equal the endpoint origin.
	OriginExact OriginMatch = iota
	// OriginSubstring accepts any non-empty origin contained in the
	// endpoint URL. Only for providers that need it.
	OriginSubstring
)

// ParseOriginMatch parses "exact" or "substring". Empty selects exact.
func ParseOriginMatch(s string) (OriginMatch, error) {
	switch s {
	case "", "exact":
		return OriginExact, nil
	case "substring":
		return OriginSubstring, nil
	default:
		return OriginExact, fmt.Errorf("unknown origin match %q", s)
	}
}

func (o OriginMatch) String() string {
	if o == OriginSubstring {
		return "substring"
	}
	return "exact"
}

// State is the monitor lifecycle state.
type State int

const (
	Idle State = iota
	TimerArmed
	Checking
	SilentReauthenticating
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case TimerArmed:
		return "TimerArmed"
	case Checking:
		return "Checking"
	case SilentReauthenticating:
		return "SilentReauthenticating"
	default:
		return "Unknown"
	}
}

// Config configures a Monitor.
type Config struct {
	ClientID    string
	RedirectURI string

	// OwnOrigin is the origin "loadTimer" messages must come from.
	OwnOrigin string

	Interval    time.Duration
	OriginMatch OriginMatch

	// Verifier receives the PKCE verifier of each silent request so the
	// host can complete the code exchange.
	Verifier func(verifier string)
}

// Monitor runs the session-check protocol. It is safe for concurrent use.
type Monitor struct {
	cfg     Config
	storage Storage
	check   Frame
	silent  SilentAuthFrame
	limiter *rate.Limiter

	newTicker func(time.Duration) (<-chan time.Time, func())

	mu       sync.Mutex
	state    State
	endpoint string
	message  string
	stopTick chan struct{}
	// gen increases on every SetTimer and Stop. A SetTimer only arms its
	// ticker if no later call superseded it while the frame loaded.
	gen uint64
}

// New creates an idle monitor.
func New(cfg Config, storage Storage, check Frame, silent SilentAuthFrame) *Monitor {
	if cfg.Interval < MinIntervalSeconds*time.Second {
		cfg.Interval = DefaultInterval
	}
	return &Monitor{
		cfg:       cfg,
		storage:   storage,
		check:     check,
		silent:    silent,
		limiter:   rate.NewLimiter(rate.Every(cfg.Interval), 1),
		newTicker: realTicker,
	}
}

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Interval returns the effective check interval.
func (m *Monitor) Interval() time.Duration {
	return m.cfg.Interval
}

// Message returns the outbound check message for the stored session, or
// false when session checking is not configured.
func (m *Monitor) Message() (string, bool) {
	_, state, ok := m.configured()
	if !ok {
		return "", false
	}
	return m.cfg.ClientID + " " + state, true
}

func (m *Monitor) configured() (endpoint, state string, ok bool) {
	endpoint, found := m.storage.Get(session.KeySessionIframeEndpoint)
	if !found || endpoint == "" || endpoint == "null" {
		return "", "", false
	}
	state, found = m.storage.Get(session.KeySessionState)
	if !found || state == "" || state == "null" {
		return "", "", false
	}
	return endpoint, state, true
}

// SetTimer reads the stored endpoint and session state, loads the check
// frame, posts the first check and arms the repeating timer. A missing or
// "null" value leaves the monitor idle.
func (m *Monitor) SetTimer() error {
	endpoint, state, ok := m.configured()

	m.mu.Lock()
	m.stopLocked()
	m.gen++
	gen := m.gen
	if !ok {
		m.state = Idle
		m.endpoint, m.message = "", ""
		m.mu.Unlock()
		logging.Debug(subsystem, "Session checking not configured, staying idle")
		return nil
	}
	m.endpoint = endpoint
	m.message = m.cfg.ClientID + " " + state
	m.mu.Unlock()

	frameURL := oauth.BuildCheckSessionURL(endpoint, m.cfg.ClientID, m.cfg.RedirectURI)
	if err := m.check.Navigate(frameURL); err != nil {
		m.mu.Lock()
		if m.gen == gen {
			m.state = Idle
		}
		m.mu.Unlock()
		return fmt.Errorf("failed to load check session frame: %w", err)
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		logging.Debug(subsystem, "Session check re-armed or stopped while loading, not arming")
		return nil
	}
	m.stopLocked()
	stop := make(chan struct{})
	tick, stopTicker := m.newTicker(m.cfg.Interval)
	m.stopTick = stop
	m.state = TimerArmed
	m.mu.Unlock()

	go func() {
		defer stopTicker()
		for {
			select {
			case <-tick:
				m.post()
			case <-stop:
				return
			}
		}
	}()

	logging.Debug(subsystem, "Checking session every %s", m.cfg.Interval)
	m.post()
	return nil
}

func (m *Monitor) post() {
	m.mu.Lock()
	if m.stopTick == nil {
		m.mu.Unlock()
		return
	}
	endpoint, message := m.endpoint, m.message
	m.state = Checking
	m.mu.Unlock()

	if err := m.check.PostMessage(message, endpoint); err != nil {
		logging.Debug(subsystem, "Session check post failed: %v", err)
	}
}

// Stop tears down the timer. The monitor returns to Idle.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	m.gen++
	m.state = Idle
}

func (m *Monitor) stopLocked() {
	if m.stopTick != nil {
		close(m.stopTick)
		m.stopTick = nil
	}
}

// Receive handles one inbound message. Messages from unexpected origins
// are dropped.
func (m *Monitor) Receive(msg Message) {
	if msg.Data == LoadTimer {
		if msg.Origin != m.cfg.OwnOrigin {
			logging.Debug(subsystem, "Dropped loadTimer from %q", msg.Origin)
			return
		}
		if err := m.SetTimer(); err != nil {
			logging.Warn(subsystem, "Failed to arm session check: %v", err)
		}
		return
	}

	m.mu.Lock()
	endpoint := m.endpoint
	armed := m.stopTick != nil
	m.mu.Unlock()

	if !armed || !m.originMatches(msg.Origin, endpoint) {
		logging.Debug(subsystem, "Dropped message from %q", msg.Origin)
		return
	}

	if msg.Data == Unchanged {
		m.mu.Lock()
		if m.stopTick != nil {
			m.state = TimerArmed
		}
		m.mu.Unlock()
		return
	}

	m.reauthenticate()
}

func (m *Monitor) originMatches(origin, endpoint string) bool {
	if origin == "" || endpoint == "" {
		return false
	}
	if m.cfg.OriginMatch == OriginSubstring {
		return strings.Contains(endpoint, origin)
	}
	return origin == oauth.OriginOf(endpoint)
}

func (m *Monitor) reauthenticate() {
	if !m.limiter.Allow() {
		logging.Debug(subsystem, "Silent re-authentication already in progress")
		return
	}

	authorize, ok := m.storage.Get(session.KeyAuthorizationEndpoint)
	if !ok || authorize == "" || authorize == "null" {
		logging.Warn(subsystem, "Session changed but no authorization endpoint is stored")
		return
	}

	verifier, err := oauth.GenerateRandomPKCEChallenge()
	if err != nil {
		logging.Error(subsystem, err, "Failed to generate PKCE challenge")
		return
	}
	if m.cfg.Verifier != nil {
		m.cfg.Verifier(verifier)
	}

	m.mu.Lock()
	m.state = SilentReauthenticating
	m.mu.Unlock()

	logging.Audit(subsystem, "silent_reauth_started", "Session changed at the provider, re-authenticating silently")
	target := oauth.BuildSilentAuthURL(authorize, m.cfg.ClientID, m.cfg.RedirectURI, oauth.S256Challenge(verifier))
	if err := m.silent.Navigate(target); err != nil {
		logging.Debug(subsystem, "Silent re-authentication failed: %v", err)
	}

	m.mu.Lock()
	if m.stopTick != nil {
		m.state = TimerArmed
	} else {
		m.state = Idle
	}
	m.mu.Unlock()
}

// Run receives messages until ctx is done or msgs is closed, then stops
// the timer.
func (m *Monitor) Run(ctx context.Context, msgs <-chan Message) error {
	defer m.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			m.Receive(msg)
		}
	}
}
