package provider

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/pcw/internal/config"
	"github.com/yairfalse/pcw/internal/credentials"
	"github.com/yairfalse/pcw/internal/notify"
	"github.com/yairfalse/pcw/pkg/resource"
)

// Default deadlines for external calls.
const (
	HeavyCallTimeout = 180 * time.Second
	ProbeTimeout     = 3 * time.Second
)

// DefaultMaxAgeHours applies to blobs, disks, images and gallery versions.
const DefaultMaxAgeHours = 168

// Base carries what every backend needs: identity, config, credentials,
// the dry-run gate and the age policies.
type Base struct {
	kind resource.Kind
	env  Env
	log  zerolog.Logger
}

// NewBase creates the shared part of a backend.
func NewBase(kind resource.Kind, env Env) Base {
	if env.Now == nil {
		env.Now = time.Now
	}
	if env.Config == nil {
		env.Config = config.Empty()
	}
	if env.Mailer == nil {
		env.Mailer = notify.LogMailer{}
	}
	return Base{
		kind: kind,
		env:  env,
		log: log.With().
			Str("provider", string(kind)).
			Str("namespace", env.Namespace).
			Logger(),
	}
}

// Kind returns the backend kind.
func (b *Base) Kind() resource.Kind { return b.kind }

// Namespace returns the tenant this backend serves.
func (b *Base) Namespace() string { return b.env.Namespace }

// Config returns the config store.
func (b *Base) Config() *config.Config { return b.env.Config }

// Credentials returns the namespace credentials.
func (b *Base) Credentials() credentials.Source { return b.env.Credentials }

// Mailer returns the notification sink.
func (b *Base) Mailer() notify.Mailer { return b.env.Mailer }

// Now returns the current time in UTC.
func (b *Base) Now() time.Time { return b.env.Now().UTC() }

// Log returns a logger carrying provider and namespace fields.
func (b *Base) Log() *zerolog.Logger { return &b.log }

// DryRun reports whether mutating calls are disabled.
func (b *Base) DryRun() bool {
	return b.env.Config.DryRun(b.env.Namespace)
}

// Setting resolves "<section>/<key>" with the namespace override.
func (b *Base) Setting(section, key string) string {
	return b.env.Config.NamespaceKey(section, b.env.Namespace, key)
}

// MaxAgeHours returns cleanup/max-age-hours.
func (b *Base) MaxAgeHours() int {
	return b.env.Config.Int(b.Setting(config.FeatureCleanup, "max-age-hours"), DefaultMaxAgeHours)
}

// Mutate runs fn unless dry-run is on. op names the call and target the
// resource for the log line.
func (b *Base) Mutate(ctx context.Context, op, target string, fn func(ctx context.Context) error) error {
	if b.DryRun() {
		b.log.Info().Bool("dry_run", true).Str("op", op).Str("target", target).Msg("skipping mutating call")
		return nil
	}
	b.log.Info().Str("op", op).Str("target", target).Msg("mutating call")
	return fn(ctx)
}

// OutdatedDays reports whether t is at least days old. A negative days
// disables the policy.
func (b *Base) OutdatedDays(t time.Time, days int) bool {
	return IsOutdatedDays(b.Now(), t, days)
}

// OutdatedHours reports whether t is more than hours old.
func (b *Base) OutdatedHours(t time.Time, hours int) bool {
	return IsOutdatedHours(b.Now(), t, hours)
}

// IsOutdatedDays compares UTC calendar dates: t is outdated once its date
// is at least days before the date of now. days < 0 disables the policy.
func IsOutdatedDays(now, t time.Time, days int) bool {
	if days < 0 || t.IsZero() {
		return false
	}
	limit := utcDate(now).AddDate(0, 0, -days)
	return !utcDate(t).After(limit)
}

func utcDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// IsOutdatedHours is true iff now - t > hours hours.
func IsOutdatedHours(now, t time.Time, hours int) bool {
	if hours < 0 || t.IsZero() {
		return false
	}
	return now.UTC().Sub(t.UTC()) > time.Duration(hours)*time.Hour
}
