package service

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"registry-proxy/internal/auth"
	"registry-proxy/internal/model"
)

// forwardContext is the per-request state of a forwarded call.
type forwardContext struct {
	upstream *url.URL
	target   string
	retries  int
}

// Forward sends pr to upstream and returns the response the client should see.
//
// A 401 on a read method triggers one token exchange against the upstream's
// realm followed by a single retry carrying the new credential. 401s that
// reach the client have their challenge rewritten to point at the proxy.
// Malformed challenges and token realm failures are passed through as the
// upstream produced them.
func (s *ProxyService) Forward(pr *model.ProxyRequest, upstream *url.URL) (*model.ProxyResponse, error) {
	fc := &forwardContext{
		upstream: upstream,
		target:   targetURL(upstream, pr.Path, pr.RawQuery),
	}

	read := auth.IsReadMethod(pr.Method)
	var body io.Reader = http.NoBody
	if !read && pr.Body != nil {
		body = pr.Body
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"host", pr.Host,
		"target", fc.target,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, fc.target, outboundHeader(pr.Header), body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	resp = s.filterResponse(resp)

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	if !read {
		return s.rewriteChallenge(pr, resp), nil
	}

	raw := resp.Header.Get("Www-Authenticate")
	if raw == "" {
		return resp, nil
	}
	challenge, err := auth.ParseChallenge(raw)
	if err != nil {
		s.logger.Warn("upstream challenge not understood", "err", err, "upstream", upstream.Host)
		return resp, nil
	}

	scope := pr.Query.Get("scope")
	if scope == "" {
		scope = challenge.Scope
	}

	tokenResp, err := s.ExchangeToken(pr.Ctx, challenge, scope, pr.Header.Get("Authorization"))
	if errors.Is(err, ErrInvalidRealm) {
		s.logger.Warn("upstream challenge has unusable realm", "err", err, "upstream", upstream.Host)
		return resp, nil
	}
	if err != nil {
		discard(resp)
		return nil, err
	}
	if tokenResp.StatusCode != http.StatusOK {
		discard(resp)
		return s.filterResponse(tokenResp), nil
	}

	credential, err := credentialFrom(tokenResp)
	if err != nil {
		s.logger.Warn("token response carried no credential", "err", err, "realm", challenge.Realm)
		return s.rewriteChallenge(pr, resp), nil
	}
	discard(resp)

	return s.retry(pr, fc, credential)
}

// retry reissues the original request once with credential attached. Its
// result is final whatever the status.
func (s *ProxyService) retry(pr *model.ProxyRequest, fc *forwardContext, credential string) (*model.ProxyResponse, error) {
	fc.retries++

	header := outboundHeader(pr.Header)
	header.Set("Authorization", credential)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, fc.target, header, nil)
	if err != nil {
		return nil, fmt.Errorf("retry upstream: %w", err)
	}
	resp = s.filterResponse(resp)

	if s.metrics != nil {
		s.metrics.AuthRetries.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	}
	s.logger.Debug("retried with exchanged token",
		"target", fc.target,
		"status", resp.StatusCode,
		"retries", fc.retries,
	)

	if resp.StatusCode == http.StatusUnauthorized {
		return s.rewriteChallenge(pr, resp), nil
	}
	return resp, nil
}

// rewriteChallenge points a client-facing 401 at the proxy's own realm.
// Responses without a challenge, or with one that does not parse, are
// left untouched.
func (s *ProxyService) rewriteChallenge(pr *model.ProxyRequest, resp *model.ProxyResponse) *model.ProxyResponse {
	raw := resp.Header.Get("Www-Authenticate")
	if raw == "" {
		return resp
	}
	if _, err := auth.ParseChallenge(raw); err != nil {
		return resp
	}
	resp.Header.Set("Www-Authenticate", auth.FormatChallenge(s.realm(pr), s.cfg.Proxy.ServiceName))
	return resp
}

// targetURL joins the upstream base with the inbound path and query.
func targetURL(upstream *url.URL, path, rawQuery string) string {
	u := *upstream
	u.Path = path
	u.RawPath = ""
	u.RawQuery = rawQuery
	return u.String()
}
