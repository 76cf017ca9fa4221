// Package ctfd talks to a CTFd instance's REST API on behalf of a
// subscriber's credentials.
package ctfd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/tidwall/gjson"

	"ctfd-notifier/pkg/tracker"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// StatusError indicates a non-OK HTTP response from the platform.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsAuthError checks if an error is an HTTP 401/403 from the platform,
// meaning the stored credentials no longer work.
func IsAuthError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden
}

// IsNotFoundError checks if an error is an HTTP 404 from the platform.
func IsNotFoundError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// ErrAPIFailure is returned when the platform answers 200 but reports
// success=false in the envelope.
var ErrAPIFailure = errors.New("platform API reported failure")

// Client is an authenticated API client for one CTFd instance.
type Client struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
	creds   tracker.Credentials
}

// New creates a client for the instance at baseURL using creds.
func New(client *http.Client, baseURL string, creds tracker.Credentials, logger *slog.Logger) *Client {
	return &Client{
		client:  client,
		logger:  logger,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		creds:   creds,
	}
}

// get fetches path and returns the "data" node of the CTFd response
// envelope. Auth failures are not retried.
func (c *Client) get(ctx context.Context, path string) (gjson.Result, error) {
	url := c.baseURL + path
	var data gjson.Result

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("User-Agent", userAgent)
			req.Header.Set("Content-Type", "application/json")
			switch c.creds.Mode {
			case tracker.CredentialToken:
				req.Header.Set("Authorization", "Token "+c.creds.Value)
			case tracker.CredentialCookie:
				req.Header.Set("Cookie", c.creds.Value)
			}

			start := time.Now()
			resp, err := c.client.Do(req)
			if err != nil {
				c.logger.Warn("Platform request failed, will retry", "url", url, "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Debug("Platform request completed",
				"url", url,
				"status_code", resp.StatusCode,
				"duration_ms", time.Since(start).Milliseconds())

			if resp.StatusCode != http.StatusOK {
				return &StatusError{URL: url, StatusCode: resp.StatusCode}
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}
			if !gjson.ValidBytes(body) {
				return retry.Unrecoverable(fmt.Errorf("%s: invalid JSON response", url))
			}
			envelope := gjson.ParseBytes(body)
			if !envelope.Get("success").Bool() {
				return retry.Unrecoverable(fmt.Errorf("%s: %w", url, ErrAPIFailure))
			}
			data = envelope.Get("data")
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying platform request after error", "attempt", n, "url", url, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				// Server errors are worth another attempt, client errors are not
				return se.StatusCode >= http.StatusInternalServerError
			}
			return true
		}),
	)
	if err != nil {
		return gjson.Result{}, err
	}
	return data, nil
}

// Solves fetches the account's solve list. Team solves are preferred since
// they cover the effective scope on team-mode instances; user solves are the
// fallback for user-mode instances.
func (c *Client) Solves(ctx context.Context) ([]tracker.Solve, error) {
	data, err := c.get(ctx, "/api/v1/teams/me/solves")
	if err != nil {
		c.logger.Debug("Team solves unavailable, falling back to user solves", "error", err)
		data, err = c.get(ctx, "/api/v1/users/me/solves")
		if err != nil {
			return nil, fmt.Errorf("fetch solves: %w", err)
		}
	}

	var solves []tracker.Solve
	data.ForEach(func(_, entry gjson.Result) bool {
		solves = append(solves, tracker.Solve{
			Date:        entry.Get("date").String(),
			ChallengeID: int(entry.Get("challenge_id").Int()),
			Challenge: tracker.ChallengeRef{
				Name:     entry.Get("challenge.name").String(),
				Category: entry.Get("challenge.category").String(),
				Value:    int(entry.Get("challenge.value").Int()),
			},
			User: tracker.SolverRef{
				Name: entry.Get("user.name").String(),
				ID:   int(entry.Get("user.id").Int()),
			},
		})
		return true
	})
	return solves, nil
}

// Challenges fetches the lightweight challenge listing.
func (c *Client) Challenges(ctx context.Context) ([]tracker.ChallengeSummary, error) {
	data, err := c.get(ctx, "/api/v1/challenges?view=user")
	if err != nil {
		return nil, fmt.Errorf("fetch challenge list: %w", err)
	}

	var challenges []tracker.ChallengeSummary
	data.ForEach(func(_, entry gjson.Result) bool {
		challenges = append(challenges, tracker.ChallengeSummary{
			ID:       int(entry.Get("id").Int()),
			Name:     entry.Get("name").String(),
			Category: entry.Get("category").String(),
			Value:    int(entry.Get("value").Int()),
		})
		return true
	})
	return challenges, nil
}

// Challenge fetches a single challenge's full detail. File entries arrive
// either as plain path strings or as objects with a url field, depending on
// the instance version; both are normalized to absolute URLs.
func (c *Client) Challenge(ctx context.Context, id int) (*tracker.Challenge, error) {
	data, err := c.get(ctx, fmt.Sprintf("/api/v1/challenges/%d", id))
	if err != nil {
		return nil, fmt.Errorf("fetch challenge %d: %w", id, err)
	}

	chal := &tracker.Challenge{
		ID:          int(data.Get("id").Int()),
		Name:        data.Get("name").String(),
		Category:    data.Get("category").String(),
		Description: data.Get("description").String(),
		Value:       int(data.Get("value").Int()),
		Solves:      int(data.Get("solves").Int()),
	}
	data.Get("files").ForEach(func(_, f gjson.Result) bool {
		raw := f.String()
		if f.IsObject() {
			raw = f.Get("url").String()
		}
		if raw == "" {
			return true
		}
		if !strings.HasPrefix(raw, "http") {
			raw = c.baseURL + raw
		}
		chal.Files = append(chal.Files, raw)
		return true
	})
	data.Get("tags").ForEach(func(_, tag gjson.Result) bool {
		v := tag.String()
		if tag.IsObject() {
			v = tag.Get("value").String()
		}
		if v != "" {
			chal.Tags = append(chal.Tags, v)
		}
		return true
	})
	chal.FileSummary = tracker.FileSummary(len(chal.Files))
	return chal, nil
}

// Account describes the authenticated account. Place is the instance's own
// rank rendering ("3rd") and may be empty for unranked accounts.
type Account struct {
	Name  string
	Place string
	ID    int
	Score int
}

// Me fetches the authenticated user's account. It doubles as the
// credential validity check when joining an event.
func (c *Client) Me(ctx context.Context) (*Account, error) {
	data, err := c.get(ctx, "/api/v1/users/me")
	if err != nil {
		return nil, fmt.Errorf("fetch account: %w", err)
	}
	return &Account{
		Name:  data.Get("name").String(),
		Place: data.Get("place").String(),
		ID:    int(data.Get("id").Int()),
		Score: int(data.Get("score").Int()),
	}, nil
}

// Team fetches the authenticated account's team, if the instance runs in
// team mode.
func (c *Client) Team(ctx context.Context) (*Account, error) {
	data, err := c.get(ctx, "/api/v1/teams/me")
	if err != nil {
		return nil, fmt.Errorf("fetch team: %w", err)
	}
	return &Account{
		Name:  data.Get("name").String(),
		Place: data.Get("place").String(),
		ID:    int(data.Get("id").Int()),
		Score: int(data.Get("score").Int()),
	}, nil
}

// Standing is one scoreboard row.
type Standing struct {
	Name  string
	Pos   int
	Score int
}

// Scoreboard fetches the top of the instance scoreboard, at most limit rows.
func (c *Client) Scoreboard(ctx context.Context, limit int) ([]Standing, error) {
	data, err := c.get(ctx, "/api/v1/scoreboard")
	if err != nil {
		return nil, fmt.Errorf("fetch scoreboard: %w", err)
	}

	var standings []Standing
	data.ForEach(func(_, entry gjson.Result) bool {
		if limit > 0 && len(standings) >= limit {
			return false
		}
		standings = append(standings, Standing{
			Pos:   int(entry.Get("pos").Int()),
			Name:  entry.Get("name").String(),
			Score: int(entry.Get("score").Int()),
		})
		return true
	})
	return standings, nil
}
