package ctfd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrNoNonce is returned when the login page carries no CSRF nonce, which
// usually means the instance sits behind a challenge page.
var ErrNoNonce = errors.New("login page has no CSRF nonce")

// ErrNoSession is returned when the login POST succeeds but no session
// cookie comes back.
var ErrNoSession = errors.New("login response has no session cookie")

// ErrBadCredentials is returned when the instance rejects the login.
var ErrBadCredentials = errors.New("login rejected")

// Login performs a form login against the instance at baseURL and returns a
// Cookie header value carrying the session. The client's redirect policy is
// overridden so the post-login redirect is not followed.
func Login(ctx context.Context, client *http.Client, baseURL, username, password string, logger *slog.Logger) (string, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	loginURL := baseURL + "/login"

	nonce, pageCookies, err := fetchNonce(ctx, client, loginURL, logger)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("name", username)
	form.Set("password", password)
	form.Set("nonce", nonce)
	form.Set("_submit", "Submit")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", loginURL)
	req.Header.Set("Origin", baseURL)
	if pageCookies != "" {
		req.Header.Set("Cookie", pageCookies)
	}

	// A successful login answers with a redirect; stop there so the
	// Set-Cookie headers stay visible.
	postClient := &http.Client{
		Transport: client.Transport,
		Timeout:   client.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := postClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post login form: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Warn("Failed to close login response body", "error", closeErr)
		}
	}()

	logger.Info("Login form posted", "url", loginURL, "status_code", resp.StatusCode)

	if resp.StatusCode != http.StatusFound && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: HTTP %d", ErrBadCredentials, resp.StatusCode)
	}

	var pairs []string
	for _, c := range resp.Cookies() {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	session := strings.Join(pairs, "; ")
	if !strings.Contains(session, "session=") {
		return "", ErrNoSession
	}
	return session, nil
}

// fetchNonce loads the login page and extracts the CSRF nonce plus any
// cookies the page sets.
func fetchNonce(ctx context.Context, client *http.Client, loginURL string, logger *slog.Logger) (nonce, cookies string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loginURL, http.NoBody)
	if err != nil {
		return "", "", fmt.Errorf("create login page request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch login page: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Warn("Failed to close login page body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return "", "", &StatusError{URL: loginURL, StatusCode: resp.StatusCode}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("parse login page: %w", err)
	}

	nonce, _ = doc.Find(`input[name="nonce"]`).First().Attr("value")
	if nonce == "" {
		logger.Warn("Login page has no nonce field", "url", loginURL, "title", doc.Find("title").Text())
		return "", "", ErrNoNonce
	}

	var pairs []string
	for _, c := range resp.Cookies() {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return nonce, strings.Join(pairs, "; "), nil
}
