package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/log"
	"golang.org/x/net/publicsuffix"
)

// Paths of the modem web interface.
const (
	statusPath = "/comcast_network.jst"
	probePath  = "/at_a_glance.jst"
	loginPath  = "/check.jst"
)

// newModemClient returns the HTTP client used for every modem request. Its
// cookie jar carries the login session.
func newModemClient(cfg ModemConfig, timeout time.Duration, instrument func(http.RoundTripper) http.RoundTripper) (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	var rt http.RoundTripper = transport
	if instrument != nil {
		rt = instrument(rt)
	}

	return &http.Client{
		Transport: rt,
		Jar:       jar,
		Timeout:   timeout,
	}, nil
}

// Session keeps the modem login alive. It is owned by the poll loop and not
// safe for concurrent use.
type Session struct {
	cfg     ModemConfig
	baseURL *url.URL
	jar     http.CookieJar
	fetcher *Fetcher
	logger  log.Logger
	logins  *prometheus.CounterVec

	authenticated bool
}

func NewSession(cfg ModemConfig, jar http.CookieJar, fetcher *Fetcher, logger log.Logger, logins *prometheus.CounterVec) *Session {
	return &Session{
		cfg:     cfg,
		baseURL: cfg.BaseURL(),
		jar:     jar,
		fetcher: fetcher,
		logger:  logger,
		logins:  logins,
	}
}

// Authenticated reports the outcome of the last login or session probe.
func (s *Session) Authenticated() bool {
	return s.authenticated
}

// EnsureLogin makes sure the modem accepts the current session, logging in
// again if needed. A rejected login is reported as false; the error is only
// set when the modem could not be reached at all.
func (s *Session) EnsureLogin(ctx context.Context) (bool, error) {
	if !s.cfg.RequireLogin {
		return true, nil
	}

	if s.hasSessionCookie() {
		resp, err := s.fetcher.Do(ctx, Request{Path: probePath}, false)
		if err != nil {
			return false, err
		}
		if resp.StatusCode == http.StatusOK {
			s.authenticated = true
			return true, nil
		}
		s.authenticated = false
		s.logger.Infof("Auth session invalidated (probe returned HTTP status %d)", resp.StatusCode)
	}
	return s.Login(ctx)
}

// Login posts the configured credentials. The modem answers a successful
// login with a redirect.
func (s *Session) Login(ctx context.Context) (bool, error) {
	form := url.Values{}
	if s.cfg.Username != "" {
		form.Set("username", s.cfg.Username)
	}
	if s.cfg.Password != "" {
		form.Set("password", s.cfg.Password)
	}

	resp, err := s.fetcher.Do(ctx, Request{Method: http.MethodPost, Path: loginPath, Form: form}, false)
	if err != nil {
		return false, err
	}
	if resp.StatusCode != http.StatusFound {
		s.authenticated = false
		s.logins.WithLabelValues("failure").Inc()
		s.logger.Warnf("Failed to get auth session: HTTP status %d", resp.StatusCode)
		return false, nil
	}
	s.authenticated = true
	s.logins.WithLabelValues("success").Inc()
	s.logger.Infoln("Auth session created")
	return true, nil
}

func (s *Session) hasSessionCookie() bool {
	for _, c := range s.jar.Cookies(s.baseURL) {
		if c.Name == s.cfg.SessionCookie {
			return true
		}
	}
	return false
}
