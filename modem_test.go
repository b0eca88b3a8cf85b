package main

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
)

var (
	testDownstream = [][]string{
		{"13", "1"},
		{"Locked", "Locked"},
		{"591 MHz", "495 MHz"},
		{"38.6 dB", "38.2 dB"},
		{"2.3 dBmV", "-0.5 dBmV"},
		{"256 QAM", "256 QAM"},
	}
	testUpstream = [][]string{
		{"3"},
		{"Locked"},
		{"30 MHz"},
		{"5120"},
		{"42.3 dBmV"},
		{"QAM"},
		{"ATDMA"},
	}
	testErrors = [][]string{
		{"100", "200"},
		{"1", "2"},
		{"0", "4"},
	}
)

// statusPage renders a minimal page laid out the way the default page
// schema expects. Tables are emitted in order; pass fewer than three to leave
// sections out.
func statusPage(uptime string, tables ...[][]string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div id="content"><h1>Comcast Network</h1><div class="tip"></div>`)
	fmt.Fprintf(&b, `<div class="module forms"><h2>Comcast Network</h2><div></div><div></div><div><span class="readonlyLabel">System Uptime:</span> <span class="value">%s</span></div></div>`, uptime)
	b.WriteString(`<div class="module forms"></div><div class="module"></div>`)
	for _, rows := range tables {
		b.WriteString(`<div class="module data"><table class="data"><tbody>`)
		for _, row := range rows {
			b.WriteString(`<tr><th class="row-label">label</th>`)
			for _, cell := range row {
				fmt.Fprintf(&b, `<td><div class="netWidth">%s</div></td>`, cell)
			}
			b.WriteString(`</tr>`)
		}
		b.WriteString(`</tbody></table></div>`)
	}
	b.WriteString(`</div></body></html>`)
	return b.String()
}

func readFixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile("testdata/" + name)
	if err != nil {
		t.Fatalf("reading fixture: %v", err)
	}
	return string(data)
}

// fakeModem emulates the gateway's web interface: a form login that answers
// with a redirect and sets the DUKSID cookie, a probe page and the status page.
type fakeModem struct {
	username    string
	password    string
	requireAuth bool

	mu          sync.Mutex
	page        string
	sessions    map[string]bool
	forbidNext  int
	requests    map[string]int
	loginForms  []url.Values
	nextSession int
}

func newFakeModem(page string, requireAuth bool) *fakeModem {
	return &fakeModem{
		username:    "admin",
		password:    "password",
		requireAuth: requireAuth,
		page:        page,
		sessions:    map[string]bool{},
		requests:    map[string]int{},
	}
}

func (m *fakeModem) setPage(page string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.page = page
}

// expireSessions drops every server-side session.
func (m *fakeModem) expireSessions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = map[string]bool{}
}

// forbid makes the next n status page requests fail with 403 and expire
// the session.
func (m *fakeModem) forbid(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forbidNext = n
}

func (m *fakeModem) count(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[path]
}

func (m *fakeModem) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.requests {
		n += c
	}
	return n
}

func (m *fakeModem) validSession(r *http.Request) bool {
	c, err := r.Cookie("DUKSID")
	return err == nil && m.sessions[c.Value]
}

func (m *fakeModem) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.URL.Path]++

	switch r.URL.Path {
	case loginPath:
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = r.ParseForm()
		m.loginForms = append(m.loginForms, r.PostForm)
		if r.PostForm.Get("username") != m.username || r.PostForm.Get("password") != m.password {
			_, _ = w.Write([]byte("<html>Incorrect user name or password</html>"))
			return
		}
		m.nextSession++
		token := "session-" + strconv.Itoa(m.nextSession)
		m.sessions[token] = true
		http.SetCookie(w, &http.Cookie{Name: "DUKSID", Value: token, Path: "/"})
		http.Redirect(w, r, probePath, http.StatusFound)
	case probePath:
		if !m.validSession(r) {
			http.Redirect(w, r, "/index.jst", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("<html>At a Glance</html>"))
	case statusPath:
		if m.forbidNext > 0 {
			m.forbidNext--
			m.sessions = map[string]bool{}
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if m.requireAuth && !m.validSession(r) {
			http.Redirect(w, r, "/index.jst", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte(m.page))
	default:
		http.NotFound(w, r)
	}
}

// modemConfig points a ModemConfig at srv.
func modemConfig(t *testing.T, srv *httptest.Server, requireLogin bool) ModemConfig {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		t.Fatal(err)
	}
	return ModemConfig{
		Proto:         u.Scheme,
		Host:          host,
		Port:          p,
		RequireLogin:  requireLogin,
		Username:      "admin",
		Password:      "password",
		SessionCookie: defaultSessionCookie,
	}
}
