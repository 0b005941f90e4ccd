package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/wa-session-broker/internal/model"
	"github.com/openclaw/wa-session-broker/internal/notify"
	"github.com/openclaw/wa-session-broker/internal/protocol"
	"github.com/openclaw/wa-session-broker/internal/repository"
)

// fakeNetwork is the state shared by every client a fakeDialer hands out.
type fakeNetwork struct {
	mu         sync.Mutex
	profiles   map[string]*model.BusinessProfile
	failing    map[string]bool
	reachable  map[string]string
	lookups    map[string]int
	lookupHook func(address string, n int)
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		profiles:  make(map[string]*model.BusinessProfile),
		failing:   make(map[string]bool),
		reachable: make(map[string]string),
		lookups:   make(map[string]int),
	}
}

func (n *fakeNetwork) lookupCount(address string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lookups[address]
}

func (n *fakeNetwork) totalLookups() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.lookups {
		total += c
	}
	return total
}

type fakeClient struct {
	net    *fakeNetwork
	events chan protocol.Event
	done   chan struct{}

	mu           sync.Mutex
	registered   bool
	connectErr   error
	pairingCode  string
	pairingErr   error
	pairingBlock bool
	pairedPhones []string
	loggedOut    bool
	closed       bool
	closeOnce    sync.Once
}

func (c *fakeClient) Events() <-chan protocol.Event { return c.events }
func (c *fakeClient) Done() <-chan struct{}         { return c.done }

func (c *fakeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectErr
}

func (c *fakeClient) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

func (c *fakeClient) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	c.mu.Lock()
	c.pairedPhones = append(c.pairedPhones, phone)
	block, code, err := c.pairingBlock, c.pairingCode, c.pairingErr
	c.mu.Unlock()
	if block {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-c.done:
			return "", context.Canceled
		}
	}
	return code, err
}

func (c *fakeClient) OnWhatsApp(ctx context.Context, numbers []string) ([]protocol.Reachability, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	out := make([]protocol.Reachability, 0, len(numbers))
	for _, n := range numbers {
		address, ok := c.net.reachable[n]
		out = append(out, protocol.Reachability{Query: n, Address: address, Exists: ok})
	}
	return out, nil
}

func (c *fakeClient) GetBusinessProfile(ctx context.Context, address string) (*model.BusinessProfile, error) {
	c.net.mu.Lock()
	c.net.lookups[address]++
	n := 0
	for _, count := range c.net.lookups {
		n += count
	}
	hook := c.net.lookupHook
	profile, isBusiness := c.net.profiles[address]
	failing := c.net.failing[address]
	c.net.mu.Unlock()

	if hook != nil {
		hook(address, n)
	}
	switch {
	case failing:
		return nil, context.DeadlineExceeded
	case isBusiness:
		return profile, nil
	default:
		return nil, protocol.ErrNoBusinessProfile
	}
}

func (c *fakeClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return nil
}

func (c *fakeClient) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *fakeClient) emit(evt protocol.Event) {
	c.events <- evt
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) wasLoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

type fakeDialer struct {
	net *fakeNetwork

	mu        sync.Mutex
	configure func(c *fakeClient)
	clients   []*fakeClient
	dialErr   error
	creds     map[string]bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{net: newFakeNetwork(), creds: make(map[string]bool)}
}

func (d *fakeDialer) Dial(ctx context.Context, authDir string) (protocol.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := &fakeClient{
		net:        d.net,
		events:     make(chan protocol.Event, 64),
		done:       make(chan struct{}),
		registered: true,
	}
	if d.configure != nil {
		d.configure(c)
	}
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *fakeDialer) HasCredentials(ctx context.Context, authDir string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.creds[filepath.Base(authDir)], nil
}

func (d *fakeDialer) failDials(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *fakeDialer) last() *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}

type sinkEvent struct {
	phone string
	event notify.Event
}

type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (r *recordingSink) Notify(phone string, event notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sinkEvent{phone: phone, event: event})
}

func (r *recordingSink) ofType(t notify.EventType) []sinkEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sinkEvent
	for _, e := range r.events {
		if e.event.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type mockSnapshotRepo struct {
	mock.Mock
}

func (m *mockSnapshotRepo) Dir(userID string) string {
	return m.Called(userID).String(0)
}

func (m *mockSnapshotRepo) EnsureDir(userID string) (string, error) {
	args := m.Called(userID)
	return args.String(0), args.Error(1)
}

func (m *mockSnapshotRepo) Save(userID string, snapshot *model.Snapshot) error {
	return m.Called(userID, snapshot).Error(0)
}

func (m *mockSnapshotRepo) Load(userID string) (*model.Snapshot, error) {
	args := m.Called(userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Snapshot), args.Error(1)
}

func (m *mockSnapshotRepo) Wipe(userID string) error {
	return m.Called(userID).Error(0)
}

func (m *mockSnapshotRepo) ListUsers() ([]string, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func testOptions() Options {
	return Options{
		MaxSessions:          10,
		IdleTimeout:          30 * time.Minute,
		PairingTimeout:       200 * time.Millisecond,
		ReconnectDelay:       5 * time.Millisecond,
		MaxReconnectAttempts: 2,
		LogoutTimeout:        100 * time.Millisecond,
		HistorySettleDelay:   5 * time.Millisecond,
		Classifier: ClassifierOptions{
			BatchSize:       2,
			BatchDelay:      time.Millisecond,
			CheckpointEvery: 2,
			LookupTimeout:   100 * time.Millisecond,
		},
	}
}

type testEnv struct {
	svc    *SessionService
	dialer *fakeDialer
	sink   *recordingSink
	repo   repository.SnapshotRepository
	root   string
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	root := t.TempDir()
	repo, err := repository.NewSnapshotRepository(root)
	require.NoError(t, err)
	return newTestEnvWithRepo(t, opts, repo, root)
}

func newTestEnvWithRepo(t *testing.T, opts Options, repo repository.SnapshotRepository, root string) *testEnv {
	t.Helper()
	env := &testEnv{
		dialer: newFakeDialer(),
		sink:   &recordingSink{},
		repo:   repo,
		root:   root,
	}
	env.svc = NewSessionService(env.dialer, repo, env.sink, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = env.svc.Shutdown(ctx)
	})
	return env
}

const eventually = 2 * time.Second
const tick = 5 * time.Millisecond

func userAddress(digits string) string {
	return protocol.UserAddress(digits)
}

// connect brings userID to the connected state on a registered fake client.
func (env *testEnv) connect(t *testing.T, userID, digits string) *fakeClient {
	t.Helper()
	require.NoError(t, env.svc.Connect(context.Background(), userID, ""))
	client := env.dialer.last()
	require.NotNil(t, client)
	client.emit(protocol.Connected{Address: userAddress(digits)})
	env.waitState(t, userID, model.StateConnected)
	return client
}

func (env *testEnv) waitState(t *testing.T, userID string, state model.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		status := env.svc.GetStatus(userID)
		return status != nil && status.State == state
	}, eventually, tick, "session %s never reached %s", userID, state)
}

func (env *testEnv) waitClassified(t *testing.T, userID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		status := env.svc.GetStatus(userID)
		return status != nil && status.Classification != nil &&
			status.Classification.Done && !status.Classification.InProgress
	}, eventually, tick, "classification of %s never finished", userID)
}

func (env *testEnv) session(t *testing.T, userID string) *session {
	t.Helper()
	s, ok := env.svc.lookup(userID)
	require.True(t, ok, "session %s not registered", userID)
	return s
}

func (env *testEnv) flags(t *testing.T, userID string) map[string]bool {
	t.Helper()
	s := env.session(t, userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.businessFlags))
	for k, v := range s.businessFlags {
		out[k] = v
	}
	return out
}
