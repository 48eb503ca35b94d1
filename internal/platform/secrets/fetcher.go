package secrets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	defaultCacheTTL     = 30 * time.Minute
	metricNamespace     = "github.com/lunchdesk/api/internal/platform/secrets"
)

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

// Fetcher resolves secret:// (and sm://) references against Secret Manager. Values are cached for
// a bounded time and a local dotenv-style file answers when the remote API is unreachable.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool

	logger    *zap.Logger
	projectID string
	pins      map[string]string
	ttl       time.Duration
	clock     func() time.Time

	fallbackPath string
	fallbackOnce sync.Once
	fallbackVals map[string]string
	fallbackErr  error

	mu    sync.RWMutex
	cache map[string]cachedSecret

	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

type cachedSecret struct {
	value     string
	canonical string
	expiresAt time.Time
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

type fetcherOptions struct {
	logger       *zap.Logger
	projectID    string
	fallbackPath string
	ttl          time.Duration
	clock        func() time.Time
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
	pins         map[string]string
}

// Option customises Fetcher construction.
type Option func(*fetcherOptions)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(o *fetcherOptions) {
		o.logger = logger
	}
}

// WithProject sets the project that owns secrets without an explicit ?project= override.
func WithProject(projectID string) Option {
	return func(o *fetcherOptions) {
		o.projectID = strings.TrimSpace(projectID)
	}
}

// WithFallbackFile overrides the local fallback file.
func WithFallbackFile(path string) Option {
	return func(o *fetcherOptions) {
		o.fallbackPath = strings.TrimSpace(path)
	}
}

// WithCacheTTL bounds how long a resolved value is reused. Zero or negative disables expiry.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *fetcherOptions) {
		o.ttl = ttl
	}
}

// WithClock overrides the time source used for cache expiry.
func WithClock(clock func() time.Time) Option {
	return func(o *fetcherOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(o *fetcherOptions) {
		o.meter = m
	}
}

// WithSecretManagerClient injects a preconfigured client.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(o *fetcherOptions) {
		o.client = client
	}
}

// WithClientOptions forwards options to the Secret Manager client constructor.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(o *fetcherOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithVersionPins pins secrets to explicit versions keyed by canonical reference.
func WithVersionPins(pins map[string]string) Option {
	return func(o *fetcherOptions) {
		o.pins = make(map[string]string, len(pins))
		for ref, version := range pins {
			o.pins[canonicalReference(ref)] = strings.TrimSpace(version)
		}
	}
}

// NewFetcher builds a Fetcher. A missing Secret Manager client is not fatal; the fetcher then
// answers from the fallback file only.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	o := fetcherOptions{
		logger:       zap.NewNop(),
		fallbackPath: defaultFallbackPath,
		ttl:          defaultCacheTTL,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	meter := o.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}

	f := &Fetcher{
		logger:       o.logger,
		projectID:    o.projectID,
		pins:         o.pins,
		ttl:          o.ttl,
		clock:        o.clock,
		fallbackPath: o.fallbackPath,
		cache:        make(map[string]cachedSecret),
	}

	var err error
	if f.latency, err = meter.Float64Histogram(
		"lunch.secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of secret resolution"),
	); err != nil {
		o.logger.Warn("secrets: latency metric unavailable", zap.Error(err))
	}
	if f.cacheHits, err = meter.Int64Counter(
		"lunch.secrets.fetch.cache_hits",
		metric.WithDescription("Secret resolutions answered from cache"),
	); err != nil {
		o.logger.Warn("secrets: cache hit metric unavailable", zap.Error(err))
	}

	switch {
	case o.client != nil:
		f.client = o.client
	case o.projectID == "":
		o.logger.Info("secrets: no project configured; using fallback file only")
	default:
		client, err := secretManagerClientFactory(ctx, o.clientOpts...)
		if err != nil {
			o.logger.Warn("secrets: secret manager client unavailable; using fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret satisfies config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

// Resolve returns the value behind ref.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	start := time.Now()
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	version := f.version(parsed)
	key := cacheKey(parsed.Canonical, version)

	if value, ok := f.cached(key); ok {
		if f.cacheHits != nil {
			f.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", maskReference(parsed.Canonical))))
		}
		f.observe(ctx, start, "cache", nil)
		return value, nil
	}

	projectID := parsed.ProjectOverride
	if projectID == "" {
		projectID = f.projectID
	}
	if projectID != "" && f.client != nil {
		value, err := f.fetchRemote(ctx, projectID, parsed.Secret, version)
		if err == nil {
			f.store(key, parsed.Canonical, value)
			f.observe(ctx, start, "remote", nil)
			return value, nil
		}
		if !isFallbackError(err) {
			f.observe(ctx, start, "error", err)
			return "", fmt.Errorf("secrets: fetch %s: %w", parsed.Canonical, err)
		}
		f.logger.Debug("secrets: remote unavailable, trying fallback file",
			zap.String("secret", maskReference(parsed.Canonical)), zap.Error(err))
	}

	value, ok := f.fallback(parsed.Secret)
	if !ok {
		err := fmt.Errorf("secrets: no value for %s", parsed.Canonical)
		f.observe(ctx, start, "error", err)
		return "", err
	}
	f.store(key, parsed.Canonical, value)
	f.observe(ctx, start, "fallback", nil)
	return value, nil
}

// Invalidate drops every cached version of ref so the next Resolve fetches it again.
func (f *Fetcher) Invalidate(ref string) {
	parsed, err := parseReference(ref)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, entry := range f.cache {
		if entry.canonical == parsed.Canonical {
			delete(f.cache, key)
		}
	}
}

func (f *Fetcher) cached(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.cache[key]
	if !ok {
		return "", false
	}
	if !entry.expiresAt.IsZero() && !f.clock().Before(entry.expiresAt) {
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) store(key, canonical, value string) {
	entry := cachedSecret{value: value, canonical: canonical}
	if f.ttl > 0 {
		entry.expiresAt = f.clock().Add(f.ttl)
	}
	f.mu.Lock()
	f.cache[key] = entry
	f.mu.Unlock()
}

func (f *Fetcher) fetchRemote(ctx context.Context, projectID, secret, version string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", projectID, secret, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("empty payload for %s", name)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) version(ref parsedReference) string {
	if ref.Version != "" {
		return ref.Version
	}
	if pin := f.pins[ref.Canonical]; pin != "" {
		return pin
	}
	return "latest"
}

func (f *Fetcher) fallback(secret string) (string, bool) {
	f.fallbackOnce.Do(f.loadFallback)
	if f.fallbackErr != nil {
		f.logger.Warn("secrets: fallback file unreadable", zap.Error(f.fallbackErr))
		return "", false
	}
	value, ok := f.fallbackVals[fallbackKey(secret)]
	return value, ok
}

// loadFallback reads a dotenv file keyed by secret name, e.g. MAIL_SMTP_PASSWORD=...
func (f *Fetcher) loadFallback() {
	f.fallbackVals = map[string]string{}
	if f.fallbackPath == "" {
		return
	}
	raw, err := godotenv.Read(f.fallbackPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.fallbackErr = fmt.Errorf("secrets: read %s: %w", f.fallbackPath, err)
		}
		return
	}
	for key, value := range raw {
		f.fallbackVals[fallbackKey(key)] = value
	}
}

func (f *Fetcher) observe(ctx context.Context, start time.Time, source string, err error) {
	if f.latency == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	if err != nil {
		attrs = append(attrs, attribute.String("error", status.Code(err).String()))
	}
	f.latency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

type parsedReference struct {
	Canonical       string
	Secret          string
	Version         string
	ProjectOverride string
}

func parseReference(ref string) (parsedReference, error) {
	ref = canonicalReference(ref)
	if ref == "" {
		return parsedReference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return parsedReference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return parsedReference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	secret := strings.Trim(u.Host+u.Path, "/")
	if secret == "" {
		return parsedReference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}
	query := u.Query()
	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""
	return parsedReference{
		Canonical:       canonical.String(),
		Secret:          secret,
		Version:         strings.TrimSpace(query.Get("version")),
		ProjectOverride: strings.TrimSpace(query.Get("project")),
	}, nil
}

func cacheKey(canonical, version string) string {
	return canonical + "#" + version
}

func maskReference(ref string) string {
	h := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(h[:8])
}

func isFallbackError(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

func fallbackKey(secret string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), "-", "_"))
}

func canonicalReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}
