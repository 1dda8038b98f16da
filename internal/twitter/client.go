package twitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/blackmichael/popular-posts/internal/domain"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultBaseURL = "https://api.twitter.com"

	// MaxResults is the largest page the search API returns for one request.
	MaxResults = 100

	// createdAtLayout is the timestamp format of the v1.1 created_at field.
	createdAtLayout = time.RubyDate
)

// Credentials authenticate the client with app-only auth. Either BearerToken
// or both ConsumerKey and ConsumerSecret must be set.
type Credentials struct {
	BearerToken    string
	ConsumerKey    string
	ConsumerSecret string
}

// Client is a minimal Twitter v1.1 search API client. It implements
// domain.Fetcher.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ domain.Fetcher = (*Client)(nil)

// NewClient creates a search client. If baseURL is empty it defaults to
// https://api.twitter.com. With consumer credentials, a bearer token is
// obtained through the OAuth2 client-credentials grant and cached by the
// returned client.
func NewClient(baseURL string, creds Credentials, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	base := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 5 * time.Second,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	var httpClient *http.Client
	switch {
	case creds.BearerToken != "":
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.BearerToken, TokenType: "Bearer"})
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: &oauth2.Transport{Source: src, Base: base.Transport},
		}
	case creds.ConsumerKey != "" && creds.ConsumerSecret != "":
		cc := &clientcredentials.Config{
			ClientID:     creds.ConsumerKey,
			ClientSecret: creds.ConsumerSecret,
			TokenURL:     baseURL + "/oauth2/token",
			AuthStyle:    oauth2.AuthStyleInHeader,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		httpClient = cc.Client(ctx)
		httpClient.Timeout = timeout
	default:
		return nil, errors.New("twitter: a bearer token or consumer key and secret are required")
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Fetch runs one search for query and returns up to MaxResults candidates,
// requesting a mix of popular and recent results. Every failure is returned
// as a *domain.UpstreamError.
func (c *Client) Fetch(ctx context.Context, query string) ([]domain.Candidate, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("result_type", "mixed")
	params.Set("count", strconv.Itoa(MaxResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/1.1/search/tweets.json?"+params.Encode(), nil)
	if err != nil {
		return nil, &domain.UpstreamError{Query: query, Reason: domain.ReasonBadResponse, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(query, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(query, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(query, resp, body)
	}

	var result searchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &domain.UpstreamError{
			Query:      query,
			Reason:     domain.ReasonBadResponse,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unmarshal response: %w", err),
		}
	}

	statuses := result.Statuses
	if len(statuses) > MaxResults {
		statuses = statuses[:MaxResults]
	}

	candidates := make([]domain.Candidate, 0, len(statuses))
	for i, raw := range statuses {
		candidate, err := parseStatus(raw)
		if err != nil {
			c.logger.Warn("skipping search result", "query", query, "index", i, "error", err)
			continue
		}
		candidates = append(candidates, candidate)
	}
	return candidates, nil
}

// parseStatus extracts the fields we reconcile on. The payload itself is
// kept verbatim.
func parseStatus(raw json.RawMessage) (domain.Candidate, error) {
	var s status
	if err := json.Unmarshal(raw, &s); err != nil {
		return domain.Candidate{}, fmt.Errorf("unmarshal status: %w", err)
	}
	if s.IDStr == "" {
		return domain.Candidate{}, errors.New("status has no id_str")
	}

	publishedAt, err := time.Parse(createdAtLayout, s.CreatedAt)
	if err != nil {
		return domain.Candidate{}, fmt.Errorf("status %s: invalid created_at %q: %w", s.IDStr, s.CreatedAt, err)
	}

	return domain.Candidate{
		ExternalID:    s.IDStr,
		RawStatus:     raw,
		PublishedAt:   publishedAt.UTC(),
		FavoriteCount: s.FavoriteCount,
		ShareCount:    s.RetweetCount,
	}, nil
}

func transportError(query string, err error) *domain.UpstreamError {
	reason := domain.ReasonNetwork

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		reason = domain.ReasonTimeout
	}

	// Token endpoint failures surface as transport errors from oauth2.
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		reason = domain.ReasonAuth
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode == http.StatusTooManyRequests {
			reason = domain.ReasonRateLimited
		}
	}

	return &domain.UpstreamError{Query: query, Reason: reason, Err: err}
}

func statusError(query string, resp *http.Response, body []byte) *domain.UpstreamError {
	e := &domain.UpstreamError{
		Query:      query,
		Reason:     domain.ReasonBadResponse,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("API error: %s", apiErrorMessage(body)),
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Reason = domain.ReasonAuth
	case http.StatusTooManyRequests:
		e.Reason = domain.ReasonRateLimited
		if reset, err := strconv.ParseInt(resp.Header.Get("x-rate-limit-reset"), 10, 64); err == nil {
			e.RetryAfter = time.Unix(reset, 0).UTC()
		}
	}
	return e
}

// apiErrorMessage returns the first error message in an API error body, or
// the raw body if it is not in the documented shape.
func apiErrorMessage(body []byte) string {
	var apiErr errorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && len(apiErr.Errors) > 0 {
		return fmt.Sprintf("%s (code %d)", apiErr.Errors[0].Message, apiErr.Errors[0].Code)
	}
	const maxBody = 200
	if len(body) > maxBody {
		return string(body[:maxBody]) + "..."
	}
	return string(body)
}

type searchResponse struct {
	Statuses []json.RawMessage `json:"statuses"`
}

// status holds the subset of a v1.1 status object used for reconciliation.
type status struct {
	IDStr         string `json:"id_str"`
	CreatedAt     string `json:"created_at"`
	FavoriteCount *int64 `json:"favorite_count"`
	RetweetCount  *int64 `json:"retweet_count"`
}

type errorResponse struct {
	Errors []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}
