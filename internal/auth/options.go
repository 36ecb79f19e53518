package auth

import (
	"errors"
	"time"
)

const (
	defaultLockoutThreshold  = 5
	defaultLockoutDuration   = 30 * time.Minute
	defaultSessionTTL        = 7 * 24 * time.Hour
	defaultResetTokenTTL     = time.Hour
	defaultSessionHistory    = 10
	defaultPasswordHistory   = 5
	defaultInviteTTL         = 7 * 24 * time.Hour
	defaultMFAIssuer         = "Tenantry"
	defaultAPIRateLimit      = 1000
	apiKeyBytes              = 32
	resetTokenBytes          = 32
	sessionKeyBytes          = 32
	refreshSecretBytes       = 32
	inviteCodeBytes          = 18
	backupCodeCount          = 10
	recentAttemptsForScoring = 50
)

type options struct {
	now              func() time.Time
	hasher           PasswordHasher
	policy           PasswordPolicy
	lockoutThreshold int
	lockoutDuration  time.Duration
	sessionTTL       time.Duration
	resetTokenTTL    time.Duration
	sessionHistory   int
	passwordHistory  int
	passwordMaxAge   time.Duration
	mfaIssuer        string

	events   EventPublisher
	notifier Notifier
	activity ActivityLogger
	runner   Runner
}

// Option configures the identity components.
type Option func(*options) error

func newOptions(opts []Option) (options, error) {
	o := options{
		now:              func() time.Time { return time.Now().UTC() },
		hasher:           DefaultHasher,
		policy:           DefaultPasswordPolicy,
		lockoutThreshold: defaultLockoutThreshold,
		lockoutDuration:  defaultLockoutDuration,
		sessionTTL:       defaultSessionTTL,
		resetTokenTTL:    defaultResetTokenTTL,
		sessionHistory:   defaultSessionHistory,
		passwordHistory:  defaultPasswordHistory,
		mfaIssuer:        defaultMFAIssuer,
		events:           nopPublisher{},
		notifier:         nopNotifier{},
		activity:         nopActivityLogger{},
		runner:           InlineRunner{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&o); err != nil {
			return options{}, err
		}
	}
	return o, nil
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(o *options) error {
		if fn == nil {
			return errors.New("auth: clock function is nil")
		}
		o.now = fn
		return nil
	}
}

// WithHasher overrides the argon2id cost parameters.
func WithHasher(h PasswordHasher) Option {
	return func(o *options) error {
		o.hasher = h.withDefaults()
		return nil
	}
}

// WithPasswordPolicy overrides the complexity rules for new passwords.
func WithPasswordPolicy(p PasswordPolicy) Option {
	return func(o *options) error {
		if p.MinLength <= 0 {
			return errors.New("auth: password min length must be positive")
		}
		o.policy = p
		return nil
	}
}

// WithLockout sets the failed-login threshold and the lock duration.
func WithLockout(threshold int, duration time.Duration) Option {
	return func(o *options) error {
		if threshold <= 0 || duration <= 0 {
			return errors.New("auth: lockout threshold and duration must be positive")
		}
		o.lockoutThreshold = threshold
		o.lockoutDuration = duration
		return nil
	}
}

// WithSessionTTL sets the lifetime of sessions and of the refresh credential.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *options) error {
		if ttl <= 0 {
			return errors.New("auth: session ttl must be positive")
		}
		o.sessionTTL = ttl
		return nil
	}
}

// WithResetTokenTTL sets how long a password reset token stays valid.
func WithResetTokenTTL(ttl time.Duration) Option {
	return func(o *options) error {
		if ttl <= 0 {
			return errors.New("auth: reset token ttl must be positive")
		}
		o.resetTokenTTL = ttl
		return nil
	}
}

// WithPasswordMaxAge stamps password_expires_at on every password change. Zero disables.
func WithPasswordMaxAge(age time.Duration) Option {
	return func(o *options) error {
		if age < 0 {
			return errors.New("auth: password max age must not be negative")
		}
		o.passwordMaxAge = age
		return nil
	}
}

// WithMFAIssuer sets the issuer shown by authenticator apps.
func WithMFAIssuer(issuer string) Option {
	return func(o *options) error {
		if issuer != "" {
			o.mfaIssuer = issuer
		}
		return nil
	}
}

// WithEventPublisher sets the sink for user.* domain events.
func WithEventPublisher(p EventPublisher) Option {
	return func(o *options) error {
		if p != nil {
			o.events = p
		}
		return nil
	}
}

// WithNotifier sets the email notification boundary.
func WithNotifier(n Notifier) Option {
	return func(o *options) error {
		if n != nil {
			o.notifier = n
		}
		return nil
	}
}

// WithActivityLogger sets the audit trail writer.
func WithActivityLogger(l ActivityLogger) Option {
	return func(o *options) error {
		if l != nil {
			o.activity = l
		}
		return nil
	}
}

// WithRunner sets where side-effect jobs execute.
func WithRunner(r Runner) Option {
	return func(o *options) error {
		if r != nil {
			o.runner = r
		}
		return nil
	}
}
