// Package openqa asks openQA servers whether a job was cancelled.
package openqa

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

// Defaults for Client.
const (
	DefaultTimeout = 3 * time.Second
	DefaultTTL     = 10 * time.Minute
)

// StateCancelled is the terminal state of a cancelled job.
const StateCancelled = "cancelled"

type jobResponse struct {
	Job struct {
		ID     int64  `json:"id"`
		State  string `json:"state"`
		Result string `json:"result"`
	} `json:"job"`
}

// Client queries /api/v1/jobs/<id>. Answers are cached per server and job;
// failures are not cached.
type Client struct {
	http  *resty.Client
	cache *cache.Cache
}

// NewClient creates a client with a timeout per request.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http: resty.New().
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		cache: cache.New(DefaultTTL, 2*DefaultTTL),
	}
}

func baseURL(server string) string {
	server = strings.TrimRight(server, "/")
	if strings.HasPrefix(server, "http://") || strings.HasPrefix(server, "https://") {
		return server
	}
	return "https://" + server
}

// JobState returns the state of a job.
func (c *Client) JobState(ctx context.Context, server, jobID string) (string, error) {
	key := server + "/" + jobID
	if v, ok := c.cache.Get(key); ok {
		return v.(string), nil
	}

	var body jobResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&body).
		SetPathParam("id", jobID).
		Get(baseURL(server) + "/api/v1/jobs/{id}")
	if err != nil {
		return "", fmt.Errorf("get job %s: %w", key, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("get job %s: status %d", key, resp.StatusCode())
	}

	c.cache.SetDefault(key, body.Job.State)
	return body.Job.State, nil
}

// IsCancelled reports whether the job is in the cancelled state. Any error
// counts as not cancelled.
func (c *Client) IsCancelled(ctx context.Context, server, jobID string) bool {
	state, err := c.JobState(ctx, server, jobID)
	if err != nil {
		log.Debug().Err(err).Str("server", server).Str("job_id", jobID).Msg("openqa job lookup failed")
		return false
	}
	return state == StateCancelled
}
