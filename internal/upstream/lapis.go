package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/cbg-ethz/sigcomposer/internal/common/composererrors"
	"github.com/cbg-ethz/sigcomposer/internal/common/metrics"
	"github.com/cbg-ethz/sigcomposer/internal/signature"
)

const maxErrorBody = 512

var upstreamRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metrics.MetricPrefix + "upstream_requests_total",
		Help: "Mutation queries by outcome (hit for cached answers)",
	},
	[]string{"outcome"},
)

type Config struct {
	// Base URL of the LAPIS instance, e.g. https://lapis.cov-spectrum.org
	BaseUrl string        `validate:"required,url"`
	Timeout time.Duration `validate:"gt=0"`
	// Maximum number of mutations returned per query.
	Limit             int     `validate:"gt=0"`
	RequestsPerSecond float64 `validate:"gt=0"`
	Burst             int     `validate:"gt=0"`
	// Attempts per query, including the first one.
	Attempts   uint          `validate:"gt=0"`
	RetryDelay time.Duration `validate:"gte=0"`
	// How long answers are reused. Zero disables caching.
	CacheTTL time.Duration `validate:"gte=0"`
}

// Query asks for the mutations characteristic of a variant.
type Query struct {
	Variant        string
	MinAbundance   float64
	MinCoverage    int
	NucleotideOnly bool
}

// MutationStat is a mutation together with how often it was seen among sequences of the variant.
type MutationStat struct {
	Mutation   signature.Mutation `json:"mutation"`
	Proportion float64            `json:"proportion"`
	Count      int                `json:"count"`
	Coverage   int                `json:"coverage"`
}

type lapisResponse struct {
	Data []struct {
		Mutation   string  `json:"mutation"`
		Proportion float64 `json:"proportion"`
		Count      int     `json:"count"`
		Coverage   int     `json:"coverage"`
	} `json:"data"`
}

// Client queries a LAPIS server for mutation statistics.
type Client struct {
	config  Config
	http    *http.Client
	limiter *rate.Limiter
	answers *cache.Cache
	log     *log.Entry
}

func NewClient(config Config) *Client {
	return &Client{
		config:  config,
		http:    &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		answers: cache.New(config.CacheTTL, 10*time.Minute),
		log:     log.WithField("component", "upstream"),
	}
}

// FetchMutations returns the mutations of q.Variant with a proportion of at least q.MinAbundance
// and a coverage of at least q.MinCoverage, in the order the server returned them. Failures are
// reported as ErrUpstreamQuery.
func (c *Client) FetchMutations(ctx context.Context, q Query) ([]MutationStat, error) {
	if strings.TrimSpace(q.Variant) == "" {
		return nil, errors.WithStack(&composererrors.ErrInvalidArgument{Name: "variant", Message: "must not be empty"})
	}
	requestUrl := c.queryUrl(q)

	if c.config.CacheTTL > 0 {
		if cached, ok := c.answers.Get(requestUrl); ok {
			upstreamRequests.WithLabelValues("hit").Inc()
			return FilterByCoverage(cached.([]MutationStat), q.MinCoverage), nil
		}
	}

	var stats []MutationStat
	err := retry.Do(
		func() error {
			var err error
			stats, err = c.fetch(ctx, requestUrl, q.Variant)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.config.Attempts),
		retry.Delay(c.config.RetryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.WithError(err).Warnf("mutation query for %s failed, retrying (attempt %d)", q.Variant, n+1)
		}),
	)
	if err != nil {
		upstreamRequests.WithLabelValues("error").Inc()
		var queryErr *composererrors.ErrUpstreamQuery
		if !errors.As(err, &queryErr) {
			err = &composererrors.ErrUpstreamQuery{Variant: q.Variant, Cause: err}
		}
		return nil, errors.WithStack(err)
	}
	upstreamRequests.WithLabelValues("ok").Inc()
	if c.config.CacheTTL > 0 {
		c.answers.SetDefault(requestUrl, stats)
	}
	return FilterByCoverage(stats, q.MinCoverage), nil
}

func (c *Client) queryUrl(q Query) string {
	endpoint := "aminoAcidMutations"
	if q.NucleotideOnly {
		endpoint = "nucleotideMutations"
	}
	params := url.Values{}
	params.Set("variantQuery", q.Variant)
	params.Set("minProportion", strconv.FormatFloat(q.MinAbundance, 'f', -1, 64))
	params.Set("limit", strconv.Itoa(c.config.Limit))
	params.Set("downloadAsFile", "false")
	return fmt.Sprintf("%s/open/v2/sample/%s?%s", strings.TrimRight(c.config.BaseUrl, "/"), endpoint, params.Encode())
}

func (c *Client) fetch(ctx context.Context, requestUrl string, variant string) ([]MutationStat, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, retry.Unrecoverable(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestUrl, nil)
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		queryErr := &composererrors.ErrUpstreamQuery{
			Variant:    variant,
			StatusCode: resp.StatusCode,
			Cause:      errors.New(strings.TrimSpace(string(body))),
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Unrecoverable(queryErr)
		}
		return nil, queryErr
	}

	var decoded lapisResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, retry.Unrecoverable(&composererrors.ErrUpstreamQuery{
			Variant:    variant,
			StatusCode: resp.StatusCode,
			Cause:      errors.Wrap(err, "malformed response"),
		})
	}

	stats := make([]MutationStat, 0, len(decoded.Data))
	for _, entry := range decoded.Data {
		m, err := signature.ParseMutation(entry.Mutation)
		if err != nil {
			// Insertions and other notations the signature model does not cover.
			c.log.Debugf("skipping mutation %q: %v", entry.Mutation, err)
			continue
		}
		stats = append(stats, MutationStat{
			Mutation:   m,
			Proportion: entry.Proportion,
			Count:      entry.Count,
			Coverage:   entry.Coverage,
		})
	}
	return stats, nil
}

// FilterByCoverage keeps the mutations seen in at least minCoverage sequences.
func FilterByCoverage(stats []MutationStat, minCoverage int) []MutationStat {
	filtered := make([]MutationStat, 0, len(stats))
	for _, s := range stats {
		if s.Coverage >= minCoverage {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// Mutations drops the statistics.
func Mutations(stats []MutationStat) []signature.Mutation {
	mutations := make([]signature.Mutation, len(stats))
	for i, s := range stats {
		mutations[i] = s.Mutation
	}
	return mutations
}
