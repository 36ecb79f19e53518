package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"tenantry.org/internal/auth"
	"tenantry.org/internal/store/memory"
)

const (
	strongPassword = "Correct-Horse-42"
	otherPassword  = "Battery-Staple-77"
	testSigningKey = "0123456789abcdef0123456789abcdef"
)

// fastHasher keeps argon2id cheap enough for table tests.
var fastHasher = auth.PasswordHasher{Memory: 1024, Iterations: 1, Parallelism: 1, KeyLength: 16, SaltLength: 8}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu         sync.Mutex
	events     []auth.Event
	activities []auth.Activity
	verify     []string
	resets     map[string]string
}

func (r *recorder) Publish(_ context.Context, evt auth.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) LogActivity(_ context.Context, a auth.Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities = append(r.activities, a)
	return nil
}

func (r *recorder) SendVerificationEmail(_ context.Context, _, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verify = append(r.verify, userID)
	return nil
}

func (r *recorder) SendPasswordResetEmail(_ context.Context, _, userID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resets == nil {
		r.resets = map[string]string{}
	}
	r.resets[userID] = token
	return nil
}

func (r *recorder) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.activities))
	for _, a := range r.activities {
		out = append(out, a.Action)
	}
	return out
}

func (r *recorder) lastActivity() auth.Activity {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.activities) == 0 {
		return auth.Activity{}
	}
	return r.activities[len(r.activities)-1]
}

func (r *recorder) resetToken(userID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resets[userID]
}

type fixture struct {
	store *memory.Store
	clock *testClock
	rec   *recorder
	auth  *auth.Authenticator
}

func newFixture(t *testing.T, extra ...auth.Option) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), clock: newClock(), rec: &recorder{}}
	opts := append([]auth.Option{
		auth.WithClock(f.clock.Now),
		auth.WithHasher(fastHasher),
		auth.WithEventPublisher(f.rec),
		auth.WithNotifier(f.rec),
		auth.WithActivityLogger(f.rec),
	}, extra...)
	a, err := auth.NewAuthenticator(f.store, auth.TokenConfig{SigningKey: testSigningKey}, opts...)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	if _, err := a.RBAC().EnsureCatalog(context.Background()); err != nil {
		t.Fatalf("EnsureCatalog: %v", err)
	}
	f.auth = a
	return f
}

// register signs up a new tenant owned by email.
func (f *fixture) register(t *testing.T, tenant, email string) auth.RegisterResult {
	t.Helper()
	res, err := f.auth.Register(context.Background(), auth.RegisterRequest{
		TenantName: tenant,
		Email:      email,
		Password:   strongPassword,
		FirstName:  "Test",
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", email, err)
	}
	return res
}

func (f *fixture) login(t *testing.T, tenantID, email, password string) (auth.LoginResult, error) {
	t.Helper()
	return f.auth.Login(context.Background(), auth.LoginRequest{
		TenantID:  tenantID,
		Email:     email,
		Password:  password,
		IPAddress: "203.0.113.7",
		UserAgent: "go-test",
	})
}

func principalOf(res auth.LoginResult) auth.Principal {
	return auth.Principal{
		TenantID:  res.User.TenantID,
		UserID:    res.User.ID,
		SessionID: res.Session.ID,
		Email:     res.User.Email,
	}
}
