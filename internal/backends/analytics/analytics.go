package analytics

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"cohort/internal/backends"
	"cohort/internal/backends/cache"
	"cohort/pkg/domain"
	"cohort/pkg/platform/circuit"
)

// Backend queries an external analytics API for derived signals (course
// progress and similar) that the relational store does not hold. The API
// returns concrete subject-id lists, so results are materialized eagerly
// and treated as already-computed sets during composition.
type Backend struct {
	name    string
	baseURL string
	http    *http.Client
	cache   cache.Cache
	ttl     time.Duration
	logger  *slog.Logger

	// breaker fails fast while the API is down; after cooldown one request
	// probes the upstream and decides whether to close it again.
	breaker  *circuit.Breaker
	cooldown time.Duration
	mu       sync.Mutex
	openedAt time.Time
}

type Option func(*Backend)

// WithCache enables TTL caching of query results.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(b *Backend) {
		b.cache = c
		b.ttl = ttl
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.http = c }
}

func New(name, baseURL string, opts ...Option) *Backend {
	b := &Backend{
		name:     name,
		baseURL:  baseURL,
		http:     &http.Client{Timeout: 15 * time.Second},
		logger:   slog.Default(),
		breaker:  circuit.New(name, circuit.WithFailureThreshold(5), circuit.WithSuccessThreshold(2)),
		cooldown: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Name() string { return b.name }

// SupportsScope is limited to course scope: the analytics pipeline only
// aggregates per course run.
func (b *Backend) SupportsScope(t domain.ScopeType) bool {
	return t == domain.ScopeCourse
}

type queryRequest struct {
	Source  string             `json:"source"`
	Scope   domain.Scope       `json:"scope"`
	Filters []queryFilter      `json:"filters,omitempty"`
	Limit   []domain.SubjectID `json:"subjects,omitempty"`
}

type queryFilter struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

type queryResponse struct {
	Subjects []string `json:"subjects"`
}

func (b *Backend) Fetch(ctx context.Context, scope domain.Scope, q backends.Query) (backends.ResultSet, error) {
	if !b.SupportsScope(scope.Type) {
		return nil, backends.NewError(backends.CategoryInvalidScope, b.name,
			fmt.Sprintf("scope type %s not served", scope.Type), nil)
	}

	req := queryRequest{Source: q.Source, Scope: scope, Limit: q.Subjects}
	for _, f := range q.Filters {
		req.Filters = append(req.Filters, queryFilter{Field: f.Field, Op: string(f.Op), Value: f.Value})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, backends.NewError(backends.CategoryInternal, b.name, "encode query", err)
	}

	key := fingerprint(body)
	if b.cache != nil {
		if set, ok, err := b.cache.Get(ctx, key); err == nil && ok {
			return backends.Materialized(set), nil
		} else if err != nil {
			b.logger.WarnContext(ctx, "analytics cache read failed", "error", err)
		}
	}

	if !b.allowRequest() {
		return nil, backends.NewError(backends.CategoryDataUnavailable, b.name, "circuit open", nil)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/query", bytes.NewReader(body))
	if err != nil {
		return nil, backends.NewError(backends.CategoryInternal, b.name, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(httpReq)
	if err != nil {
		b.recordFailure(ctx)
		return nil, backends.NewError(backends.CategoryDataUnavailable, b.name, "analytics API unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		b.recordFailure(ctx)
		return nil, backends.NewError(backends.CategoryDataUnavailable, b.name,
			fmt.Sprintf("analytics API returned %d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, backends.NewError(backends.CategoryBadData, b.name,
			fmt.Sprintf("analytics API returned %d", resp.StatusCode), nil)
	}
	b.recordSuccess(ctx)

	var decoded queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, backends.NewError(backends.CategoryBadData, b.name, "decode response", err)
	}

	set := make(domain.SubjectSet, len(decoded.Subjects))
	for _, raw := range decoded.Subjects {
		id, err := domain.ParseSubjectID(raw)
		if err != nil {
			return nil, backends.NewError(backends.CategoryBadData, b.name, "bad subject id in response", err)
		}
		set[id] = struct{}{}
	}

	if b.cache != nil {
		if err := b.cache.Set(ctx, key, set, b.ttl); err != nil {
			b.logger.WarnContext(ctx, "analytics cache write failed", "error", err)
		}
	}
	return backends.Materialized(set), nil
}

// allowRequest lets requests through while the circuit is closed, and one
// probe per cooldown window while it is open.
func (b *Backend) allowRequest() bool {
	if !b.breaker.IsOpen() {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if time.Since(b.openedAt) < b.cooldown {
		return false
	}
	b.openedAt = time.Now()
	return true
}

func (b *Backend) recordFailure(ctx context.Context) {
	if _, change := b.breaker.RecordFailure(); change.Opened {
		b.mu.Lock()
		b.openedAt = time.Now()
		b.mu.Unlock()
		b.logger.WarnContext(ctx, "analytics circuit opened", "backend", b.name)
	}
}

func (b *Backend) recordSuccess(ctx context.Context) {
	if _, change := b.breaker.RecordSuccess(); change.Closed {
		b.logger.InfoContext(ctx, "analytics circuit closed", "backend", b.name)
	}
}

func fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
