package monitor

import (
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authsession/internal/session"
	"authsession/pkg/oauth"
)

const (
	ownOrigin = "https://console.example.com"
	endpoint  = "https://idp.example.com/oidc/checksession"
	authorize = "https://idp.example.com/oauth2/authorize"
)

type post struct {
	data, origin string
}

type fakeFrame struct {
	mu    sync.Mutex
	urls  []string
	posts []post
}

func (f *fakeFrame) Navigate(u string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, u)
	return nil
}

func (f *fakeFrame) PostMessage(data, origin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, post{data, origin})
	return nil
}

func (f *fakeFrame) navigations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

func (f *fakeFrame) posted() []post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]post(nil), f.posts...)
}

type fakeSilentFrame struct {
	mu  sync.Mutex
	src string
	n   int
}

func (f *fakeSilentFrame) Navigate(u string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.src = u
	f.n++
	return nil
}

func (f *fakeSilentFrame) Src() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.src
}

func (f *fakeSilentFrame) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

type fixture struct {
	monitor *Monitor
	check   *fakeFrame
	silent  *fakeSilentFrame
	tick    chan time.Time
	stopped chan struct{}
}

func newFixture(t *testing.T, values map[string]string, mutate func(*Config)) *fixture {
	t.Helper()

	cfg := Config{
		ClientID:    "console",
		RedirectURI: "https://console.example.com/login",
		OwnOrigin:   ownOrigin,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	f := &fixture{
		check:   &fakeFrame{},
		silent:  &fakeSilentFrame{},
		tick:    make(chan time.Time),
		stopped: make(chan struct{}, 8),
	}
	storage := StorageFunc(func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	})
	f.monitor = New(cfg, storage, f.check, f.silent)
	f.monitor.newTicker = func(time.Duration) (<-chan time.Time, func()) {
		return f.tick, func() { f.stopped <- struct{}{} }
	}
	t.Cleanup(f.monitor.Stop)
	return f
}

func configured() map[string]string {
	return map[string]string{
		session.KeySessionIframeEndpoint: endpoint,
		session.KeySessionState:          "abc.123",
		session.KeyAuthorizationEndpoint: authorize,
	}
}

func TestIntervalFromSeconds(t *testing.T) {
	tests := []struct {
		seconds  int
		expected time.Duration
	}{
		{0, DefaultInterval},
		{1, DefaultInterval},
		{-5, DefaultInterval},
		{2, 2 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, IntervalFromSeconds(tt.seconds), "seconds=%d", tt.seconds)
	}
}

func TestNew_IntervalDefault(t *testing.T) {
	f := newFixture(t, nil, func(c *Config) { c.Interval = time.Second })
	assert.Equal(t, DefaultInterval, f.monitor.Interval())

	f = newFixture(t, nil, func(c *Config) { c.Interval = 5 * time.Second })
	assert.Equal(t, 5*time.Second, f.monitor.Interval())
}

func TestParseOriginMatch(t *testing.T) {
	m, err := ParseOriginMatch("")
	require.NoError(t, err)
	assert.Equal(t, OriginExact, m)

	m, err = ParseOriginMatch("substring")
	require.NoError(t, err)
	assert.Equal(t, OriginSubstring, m)
	assert.Equal(t, "substring", m.String())

	_, err = ParseOriginMatch("prefix")
	assert.Error(t, err)
}

func TestSetTimer_NotConfigured(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
	}{
		{
			name:   "nothing stored",
			values: map[string]string{},
		},
		{
			name: "session state is null",
			values: map[string]string{
				session.KeySessionIframeEndpoint: endpoint,
				session.KeySessionState:          "null",
			},
		},
		{
			name: "endpoint is null",
			values: map[string]string{
				session.KeySessionIframeEndpoint: "null",
				session.KeySessionState:          "abc",
			},
		},
		{
			name: "session state missing",
			values: map[string]string{
				session.KeySessionIframeEndpoint: endpoint,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.values, nil)
			f.monitor.Receive(Message{Origin: ownOrigin, Data: LoadTimer})

			assert.Equal(t, Idle, f.monitor.State())
			assert.Empty(t, f.check.navigations())
			assert.Empty(t, f.check.posted())

			_, ok := f.monitor.Message()
			assert.False(t, ok)
		})
	}
}

func TestSetTimer_PostsImmediately(t *testing.T) {
	f := newFixture(t, configured(), nil)

	require.NoError(t, f.monitor.SetTimer())

	navs := f.check.navigations()
	require.Len(t, navs, 1)
	frame, err := url.Parse(navs[0])
	require.NoError(t, err)
	assert.Equal(t, "console", frame.Query().Get("client_id"))
	assert.Equal(t, "https://console.example.com/login", frame.Query().Get("redirect_uri"))
	assert.True(t, strings.HasPrefix(navs[0], endpoint+"?"))

	posts := f.check.posted()
	require.Len(t, posts, 1)
	assert.Equal(t, post{data: "console abc.123", origin: endpoint}, posts[0])
	assert.Equal(t, Checking, f.monitor.State())
}

func TestMessageFormat(t *testing.T) {
	pairs := []struct{ clientID, state string }{
		{"console", "abc"},
		{"my-account", "f0e1d2.c3b4a5"},
		{"x", "1"},
	}
	for _, p := range pairs {
		values := configured()
		values[session.KeySessionState] = p.state
		f := newFixture(t, values, func(c *Config) { c.ClientID = p.clientID })

		msg, ok := f.monitor.Message()
		require.True(t, ok)
		assert.Equal(t, p.clientID+" "+p.state, msg)
	}
}

func TestTicksPostAgain(t *testing.T) {
	f := newFixture(t, configured(), nil)
	require.NoError(t, f.monitor.SetTimer())

	f.tick <- time.Now()
	f.tick <- time.Now()

	require.Eventually(t, func() bool { return len(f.check.posted()) == 3 }, time.Second, 10*time.Millisecond)
	for _, p := range f.check.posted() {
		assert.Equal(t, "console abc.123", p.data)
	}
}

func TestSetTimer_RearmReplacesTicker(t *testing.T) {
	f := newFixture(t, configured(), nil)
	require.NoError(t, f.monitor.SetTimer())
	require.NoError(t, f.monitor.SetTimer())

	select {
	case <-f.stopped:
	case <-time.After(time.Second):
		t.Fatal("previous ticker was not stopped")
	}
	assert.Len(t, f.check.navigations(), 2)
}

// gatedFrame holds Navigate until the test releases it.
type gatedFrame struct {
	fakeFrame
	entered chan struct{}
	release chan struct{}
}

func (f *gatedFrame) Navigate(u string) error {
	f.entered <- struct{}{}
	<-f.release
	return f.fakeFrame.Navigate(u)
}

type slowFrame struct{ fakeFrame }

func (f *slowFrame) Navigate(u string) error {
	time.Sleep(time.Millisecond)
	return f.fakeFrame.Navigate(u)
}

func countingTickers(m *Monitor) (started, stopped *atomic.Int32) {
	started, stopped = &atomic.Int32{}, &atomic.Int32{}
	m.newTicker = func(time.Duration) (<-chan time.Time, func()) {
		started.Add(1)
		return nil, func() { stopped.Add(1) }
	}
	return started, stopped
}

func TestSetTimer_ConcurrentRearmLeavesOneTicker(t *testing.T) {
	for range 50 {
		f := newFixture(t, configured(), nil)
		frame := &slowFrame{}
		f.monitor.check = frame
		started, stopped := countingTickers(f.monitor)

		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, f.monitor.SetTimer())
			}()
		}
		wg.Wait()
		assert.NotEqual(t, Idle, f.monitor.State())
		require.Eventually(t, func() bool { return stopped.Load() == started.Load()-1 },
			time.Second, time.Millisecond, "only the last ticker keeps running")

		f.monitor.Stop()
		require.Eventually(t, func() bool { return started.Load() == stopped.Load() },
			time.Second, time.Millisecond, "every ticker goroutine exits after Stop")
	}
}

func TestStop_WhileFrameLoads(t *testing.T) {
	f := newFixture(t, configured(), nil)
	frame := &gatedFrame{entered: make(chan struct{}), release: make(chan struct{})}
	f.monitor.check = frame
	started, _ := countingTickers(f.monitor)

	done := make(chan error, 1)
	go func() { done <- f.monitor.SetTimer() }()
	<-frame.entered

	f.monitor.Stop()
	close(frame.release)
	require.NoError(t, <-done)

	assert.Equal(t, int32(0), started.Load())
	assert.Equal(t, Idle, f.monitor.State())
	assert.Empty(t, frame.posted())
}

func TestReceive_LoadTimerFromForeignOrigin(t *testing.T) {
	f := newFixture(t, configured(), nil)
	f.monitor.Receive(Message{Origin: "https://evil.example.com", Data: LoadTimer})

	assert.Equal(t, Idle, f.monitor.State())
	assert.Empty(t, f.check.navigations())
}

func TestReceive_NonMatchingOriginsAreDropped(t *testing.T) {
	for _, n := range []int{0, 1, 25} {
		t.Run("messages", func(t *testing.T) {
			f := newFixture(t, configured(), nil)
			require.NoError(t, f.monitor.SetTimer())
			before := f.monitor.State()

			for i := 0; i < n; i++ {
				f.monitor.Receive(Message{Origin: "https://attacker.example.com", Data: "changed"})
				f.monitor.Receive(Message{Origin: "", Data: "changed"})
				f.monitor.Receive(Message{Origin: ownOrigin, Data: "changed"})
			}

			assert.Equal(t, before, f.monitor.State())
			assert.Empty(t, f.silent.Src())
			assert.Len(t, f.check.navigations(), 1)
		})
	}
}

func TestReceive_Unchanged(t *testing.T) {
	f := newFixture(t, configured(), nil)
	require.NoError(t, f.monitor.SetTimer())

	f.monitor.Receive(Message{Origin: "https://idp.example.com", Data: Unchanged})

	assert.Empty(t, f.silent.Src())
	assert.Equal(t, TimerArmed, f.monitor.State())
}

func TestReceive_ChangedStartsSilentReauth(t *testing.T) {
	var verifier string
	f := newFixture(t, configured(), func(c *Config) {
		c.Verifier = func(v string) { verifier = v }
	})
	require.NoError(t, f.monitor.SetTimer())

	f.monitor.Receive(Message{Origin: "https://idp.example.com", Data: "changed"})

	src := f.silent.Src()
	require.NotEmpty(t, src)
	assert.Contains(t, src, "prompt=none")
	assert.True(t, strings.HasPrefix(src, authorize+"?response_type=code&client_id=console&redirect_uri="))

	u, err := url.Parse(src)
	require.NoError(t, err)
	assert.Equal(t, oauth.SilentAuthState, u.Query().Get("state"))
	assert.Equal(t, "S256", u.Query().Get("code_challenge_method"))
	assert.Len(t, verifier, 43)
	assert.Equal(t, oauth.S256Challenge(verifier), u.Query().Get("code_challenge"))
	assert.Equal(t, TimerArmed, f.monitor.State())
}

func TestReceive_SilentReauthIsThrottled(t *testing.T) {
	f := newFixture(t, configured(), nil)
	require.NoError(t, f.monitor.SetTimer())

	for i := 0; i < 5; i++ {
		f.monitor.Receive(Message{Origin: "https://idp.example.com", Data: "error"})
	}
	assert.Equal(t, 1, f.silent.count())
}

func TestReceive_RepliesBeforeArmingAreDropped(t *testing.T) {
	f := newFixture(t, configured(), nil)
	f.monitor.Receive(Message{Origin: "https://idp.example.com", Data: "changed"})

	assert.Empty(t, f.silent.Src())
	assert.Equal(t, Idle, f.monitor.State())
}

func TestReceive_SubstringOriginMatch(t *testing.T) {
	tests := []struct {
		name     string
		mode     OriginMatch
		origin   string
		reauthed bool
	}{
		{"exact accepts endpoint origin", OriginExact, "https://idp.example.com", true},
		{"exact rejects host only", OriginExact, "idp.example.com", false},
		{"substring accepts host only", OriginSubstring, "idp.example.com", true},
		{"substring rejects other host", OriginSubstring, "https://other.example.com", false},
		{"substring rejects empty origin", OriginSubstring, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, configured(), func(c *Config) { c.OriginMatch = tt.mode })
			require.NoError(t, f.monitor.SetTimer())

			f.monitor.Receive(Message{Origin: tt.origin, Data: "changed"})
			assert.Equal(t, tt.reauthed, f.silent.Src() != "")
		})
	}
}

func TestReceive_ChangedWithoutAuthorizationEndpoint(t *testing.T) {
	values := configured()
	delete(values, session.KeyAuthorizationEndpoint)
	f := newFixture(t, values, nil)
	require.NoError(t, f.monitor.SetTimer())

	f.monitor.Receive(Message{Origin: "https://idp.example.com", Data: "changed"})
	assert.Empty(t, f.silent.Src())
}

func TestStopAndNotConfiguredRearm(t *testing.T) {
	values := configured()
	f := newFixture(t, values, nil)
	require.NoError(t, f.monitor.SetTimer())

	f.monitor.Stop()
	assert.Equal(t, Idle, f.monitor.State())

	// A session cleared after arming returns the monitor to Idle.
	require.NoError(t, f.monitor.SetTimer())
	values[session.KeySessionState] = "null"
	f.monitor.Receive(Message{Origin: ownOrigin, Data: LoadTimer})
	assert.Equal(t, Idle, f.monitor.State())
}

func TestFromSessionStorage(t *testing.T) {
	mem := session.NewMemoryStorage()
	require.NoError(t, mem.Set(t.Context(), session.KeySessionState, "s1"))

	s := FromSessionStorage(mem)
	v, ok := s.Get(session.KeySessionState)
	assert.True(t, ok)
	assert.Equal(t, "s1", v)

	_, ok = s.Get(session.KeyAuthorizationEndpoint)
	assert.False(t, ok)
}
