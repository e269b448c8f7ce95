package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"registry-proxy/internal/auth"
	"registry-proxy/internal/metrics"
	"registry-proxy/internal/model"
)

// ErrInvalidRealm is returned when a challenge realm is not an absolute
// http(s) URL. No request is made in that case.
var ErrInvalidRealm = errors.New("token realm is not an absolute http(s) URL")

// ErrNoCredential is returned when a successful token response carries
// neither an Authorization header nor a token in its body.
var ErrNoCredential = errors.New("token response carried no credential")

// maxTokenBody bounds how much of a token response body is read.
const maxTokenBody = 1 << 20

// ExchangeToken requests a token from the challenge's realm. The service
// and scope query parameters are set only when non-empty, and
// authorization (the client's own header) is forwarded verbatim when
// present; without it the realm issues an anonymous token.
// The raw realm response is returned; the caller closes its body.
func (s *ProxyService) ExchangeToken(ctx context.Context, c auth.Challenge, scope, authorization string) (*model.ProxyResponse, error) {
	u, err := url.Parse(c.Realm)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRealm, c.Realm)
	}

	q := u.Query()
	if c.Service != "" {
		q.Set("service", c.Service)
	}
	if scope != "" {
		q.Set("scope", scope)
	}
	u.RawQuery = q.Encode()

	header := make(http.Header)
	if authorization != "" {
		header.Set("Authorization", authorization)
	}

	s.logger.Debug("exchanging token",
		"realm", u.Host+u.Path,
		"service", c.Service,
		"scope", scope,
		"anonymous", authorization == "",
	)

	resp, err := s.client.DoStream(ctx, http.MethodGet, u.String(), header, nil)
	if err != nil {
		s.recordExchange(metrics.OutcomeError)
		return nil, fmt.Errorf("token request: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		s.recordExchange(metrics.OutcomeIssued)
	} else {
		s.recordExchange(metrics.OutcomeRejected)
		s.logger.Info("token realm rejected request",
			"realm", u.Host+u.Path,
			"status", resp.StatusCode,
		)
	}
	return resp, nil
}

func (s *ProxyService) recordExchange(outcome string) {
	if s.metrics != nil {
		s.metrics.TokenExchanges.WithLabelValues(outcome).Inc()
	}
}

// credentialFrom returns the Authorization value to use after a successful
// token exchange and closes the response. The realm's own Authorization
// header wins; otherwise the token or access_token field of the JSON body
// is framed as a bearer credential.
func credentialFrom(resp *model.ProxyResponse) (string, error) {
	defer func() { _ = resp.Close() }()

	if v := resp.Header.Get("Authorization"); v != "" {
		return v, nil
	}
	if resp.Body == nil {
		return "", ErrNoCredential
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTokenBody)).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode body: %w", ErrNoCredential, err)
	}

	switch {
	case body.Token != "":
		return "Bearer " + body.Token, nil
	case body.AccessToken != "":
		return "Bearer " + body.AccessToken, nil
	default:
		return "", ErrNoCredential
	}
}
