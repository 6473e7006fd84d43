// Package creds keeps the process's ambient AWS credentials fresh.
//
// On EC2 the proxy runs without static credentials: a [Refresher] pulls the
// instance role's temporary credentials from the metadata service (IMDSv2
// with a 21600 s token, IMDSv1 fallback) and publishes them to the process
// environment, where the SDK default chain picks them up. Refreshes are
// scheduled five minutes ahead of expiry, clamped to once a minute at the
// fastest and once an hour at the slowest. Static environment credentials
// short-circuit the whole mechanism.
package creds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"

	"github.com/voxbridge/voxbridge/internal/observe"
)

// Refresh scheduling bounds.
const (
	refreshMargin      = 5 * time.Minute
	minRefreshInterval = time.Minute
	maxRefreshInterval = time.Hour
	failureRetry       = 5 * time.Minute
	tokenTTL           = 21600 * time.Second
)

// roleListPath is the IMDS path listing the instance's IAM roles.
const roleListPath = "iam/security-credentials/"

// securityCredentials is the IMDS role credential document.
type securityCredentials struct {
	Code            string `json:"Code"`
	AccessKeyID     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	Token           string `json:"Token"`
	Expiration      string `json:"Expiration"`
}

// MetadataClient is the metadata-service surface the refresher needs,
// satisfied by *imds.Client.
type MetadataClient interface {
	GetMetadata(ctx context.Context, params *imds.GetMetadataInput, optFns ...func(*imds.Options)) (*imds.GetMetadataOutput, error)
}

// Refresher fetches instance-role credentials and keeps them fresh in the
// process environment. One instance serves the whole process; Start is
// effective once.
type Refresher struct {
	client  MetadataClient
	metrics *observe.Metrics

	mu      sync.Mutex
	started bool

	// done is closed once the refresh loop exits (or was never needed).
	done chan struct{}
}

// Option configures a [Refresher].
type Option func(*Refresher)

// WithClient substitutes the metadata client, for tests.
func WithClient(c MetadataClient) Option {
	return func(r *Refresher) { r.client = c }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Refresher) { r.metrics = m }
}

// New returns a [Refresher] ready to Start.
func New(opts ...Option) *Refresher {
	r := &Refresher{done: make(chan struct{})}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = imds.New(imds.Options{
			TokenTTL:       tokenTTL,
			EnableFallback: aws.TrueTernary,
		})
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Start fetches the first credential set and spawns the refresh loop. With
// static environment credentials present it logs and spawns nothing. A
// second Start is a no-op. The loop exits when ctx is cancelled; fetch
// failures are retried every five minutes and never surface to the caller.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	if os.Getenv("AWS_ACCESS_KEY_ID") != "" && os.Getenv("AWS_SECRET_ACCESS_KEY") != "" {
		slog.Info("using credentials from environment")
		close(r.done)
		return
	}

	slog.Info("fetching credentials from instance metadata")
	delay := r.refreshOnce(ctx)
	go r.run(ctx, delay)
}

// Done returns a channel closed once the refresh loop has exited.
func (r *Refresher) Done() <-chan struct{} { return r.done }

// run sleeps and refreshes until ctx is cancelled.
func (r *Refresher) run(ctx context.Context, delay time.Duration) {
	defer close(r.done)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("credential refresh loop stopped")
			return
		case <-timer.C:
		}
		timer.Reset(r.refreshOnce(ctx))
	}
}

// refreshOnce fetches and publishes one credential set and returns the delay
// until the next attempt.
func (r *Refresher) refreshOnce(ctx context.Context) time.Duration {
	sc, err := r.fetch(ctx)
	if err != nil {
		r.metrics.RecordCredentialRefresh(ctx, "error")
		slog.Error("credential refresh failed", "error", err)
		return failureRetry
	}
	if err := publish(sc); err != nil {
		r.metrics.RecordCredentialRefresh(ctx, "error")
		slog.Error("publish credentials", "error", err)
		return failureRetry
	}
	r.metrics.RecordCredentialRefresh(ctx, "ok")

	expiry, err := parseExpiration(sc.Expiration)
	if err != nil {
		slog.Warn("credential expiration unparseable, refreshing hourly",
			"expiration", sc.Expiration,
		)
		return maxRefreshInterval
	}
	delay := nextRefreshIn(expiry, time.Now())
	slog.Info("credentials refreshed", "expires", expiry, "next_refresh", delay)
	return delay
}

// fetch reads the instance role name and its credential document from the
// metadata service.
func (r *Refresher) fetch(ctx context.Context) (*securityCredentials, error) {
	roles, err := r.metadata(ctx, roleListPath)
	if err != nil {
		return nil, fmt.Errorf("creds: list roles: %w", err)
	}
	roleName, _, _ := strings.Cut(strings.TrimSpace(roles), "\n")
	if roleName == "" {
		return nil, errors.New("creds: instance has no IAM role attached")
	}

	doc, err := r.metadata(ctx, roleListPath+roleName)
	if err != nil {
		return nil, fmt.Errorf("creds: read role %s: %w", roleName, err)
	}
	var sc securityCredentials
	if err := json.Unmarshal([]byte(doc), &sc); err != nil {
		return nil, fmt.Errorf("creds: decode role %s document: %w", roleName, err)
	}
	if sc.AccessKeyID == "" || sc.SecretAccessKey == "" {
		return nil, fmt.Errorf("creds: role %s document carries no key pair", roleName)
	}
	return &sc, nil
}

// metadata performs one metadata GET and returns the body.
func (r *Refresher) metadata(ctx context.Context, path string) (string, error) {
	out, err := r.client.GetMetadata(ctx, &imds.GetMetadataInput{Path: path})
	if err != nil {
		return "", err
	}
	defer out.Content.Close()
	body, err := io.ReadAll(out.Content)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// publish writes the credential triple to the process environment, where the
// SDK default chain reads it.
func publish(sc *securityCredentials) error {
	return errors.Join(
		os.Setenv("AWS_ACCESS_KEY_ID", sc.AccessKeyID),
		os.Setenv("AWS_SECRET_ACCESS_KEY", sc.SecretAccessKey),
		os.Setenv("AWS_SESSION_TOKEN", sc.Token),
	)
}

// parseExpiration reads the RFC 3339 expiry stamp of a credential document.
func parseExpiration(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// nextRefreshIn schedules the next refresh [refreshMargin] before expiry,
// clamped to [minRefreshInterval, maxRefreshInterval].
func nextRefreshIn(expiry, now time.Time) time.Duration {
	d := expiry.Sub(now) - refreshMargin
	if d < minRefreshInterval {
		return minRefreshInterval
	}
	if d > maxRefreshInterval {
		return maxRefreshInterval
	}
	return d
}
