package portal

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testUser     = "shop"
	testPassword = "s3cret"
)

// fakePortal imitates the provisioning portal: PHP-style session cookie,
// hashed-password login with a redirect, a CSV export and one multiplexed
// action endpoint.
type fakePortal struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	nextID     int
	authed     map[string]bool
	logins     int
	loginForms []url.Values
	actions    []url.Values
	rawActions [][]byte
	headers    []http.Header

	// rejectCredentials makes process_login answer with the login page again.
	rejectCredentials bool
	// unauthorized is what a request without a valid session gets.
	unauthorized func(w http.ResponseWriter)

	exportBody   []byte
	exportStatus int
	actionBody func(form url.Values) (int, []byte)
}

func newFakePortal(t *testing.T) *fakePortal {
	t.Helper()
	fp := &fakePortal{
		t:      t,
		authed: make(map[string]bool),
		unauthorized: func(w http.ResponseWriter) {
			_, _ = io.WriteString(w, "not_logged_in")
		},
		actionBody: func(url.Values) (int, []byte) {
			return http.StatusOK, readFixture(t, "activate_success.html")
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/login.php", fp.handleLoginPage)
	mux.HandleFunc("/process_login.php", fp.handleProcessLogin)
	mux.HandleFunc("/index.php", fp.handleIndex)
	mux.HandleFunc("/export.php", fp.handleExport)
	mux.HandleFunc("/sim_action.php", fp.handleAction)
	fp.srv = httptest.NewServer(mux)
	t.Cleanup(fp.srv.Close)
	return fp
}

func (fp *fakePortal) options() Options {
	opts := DefaultOptions()
	opts.BaseURL = fp.srv.URL
	opts.Username = testUser
	opts.Password = testPassword
	return opts
}

func (fp *fakePortal) client(t *testing.T, opts Options) *SessionClient {
	t.Helper()
	c, err := NewSessionClient(opts, fp.srv.Client(), nil, nil, zerolog.Nop())
	require.NoError(t, err)
	return c
}

// set changes the portal behaviour between requests.
func (fp *fakePortal) set(fn func(fp *fakePortal)) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fn(fp)
}

// expireAll forgets every session, as the portal does after its idle timeout.
func (fp *fakePortal) expireAll() {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.authed = make(map[string]bool)
}

func (fp *fakePortal) loginCount() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.logins
}

func (fp *fakePortal) actionForms() []url.Values {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return append([]url.Values(nil), fp.actions...)
}

func (fp *fakePortal) sessionID(r *http.Request) string {
	c, err := r.Cookie("PHPSESSID")
	if err != nil {
		return ""
	}
	return c.Value
}

func (fp *fakePortal) isAuthed(r *http.Request) bool {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.authed[fp.sessionID(r)]
}

func (fp *fakePortal) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	fp.mu.Lock()
	fp.nextID++
	id := fmt.Sprintf("sess-%d", fp.nextID)
	fp.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: "PHPSESSID", Value: id, Path: "/"})
	_, _ = w.Write(readFixture(fp.t, "login_page.html"))
}

func (fp *fakePortal) handleProcessLogin(w http.ResponseWriter, r *http.Request) {
	require.NoError(fp.t, r.ParseForm())

	fp.mu.Lock()
	fp.logins++
	fp.loginForms = append(fp.loginForms, r.PostForm)
	reject := fp.rejectCredentials
	ok := !reject &&
		r.PostForm.Get("username") == testUser &&
		r.PostForm.Get("p") == HashPassword(testPassword) &&
		r.PostForm.Get("password") == ""
	if ok {
		fp.authed[fp.sessionID(r)] = true
	}
	fp.mu.Unlock()

	if !ok {
		_, _ = w.Write(readFixture(fp.t, "login_page.html"))
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "remember", Value: "1", Path: "/"})
	http.Redirect(w, r, "/index.php", http.StatusFound)
}

func (fp *fakePortal) handleIndex(w http.ResponseWriter, r *http.Request) {
	if !fp.isAuthed(r) {
		fp.deny(w)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "lang", Value: "he", Path: "/"})
	_, _ = io.WriteString(w, `<html><body><a href="logout.php">יציאה</a></body></html>`)
}

func (fp *fakePortal) handleExport(w http.ResponseWriter, r *http.Request) {
	if !fp.isAuthed(r) {
		fp.deny(w)
		return
	}
	fp.mu.Lock()
	body, status := fp.exportBody, fp.exportStatus
	fp.mu.Unlock()
	w.Header().Set("Content-Type", "text/csv")
	if status != 0 {
		w.WriteHeader(status)
	}
	_, _ = w.Write(body)
}

func (fp *fakePortal) handleAction(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	require.NoError(fp.t, err)
	form, err := url.ParseQuery(string(raw))
	require.NoError(fp.t, err)

	fp.mu.Lock()
	fp.headers = append(fp.headers, r.Header.Clone())
	fp.mu.Unlock()

	if !fp.isAuthed(r) {
		fp.deny(w)
		return
	}

	fp.mu.Lock()
	fp.actions = append(fp.actions, form)
	fp.rawActions = append(fp.rawActions, raw)
	respond := fp.actionBody
	fp.mu.Unlock()

	status, body := respond(form)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (fp *fakePortal) deny(w http.ResponseWriter) {
	fp.mu.Lock()
	respond := fp.unauthorized
	fp.mu.Unlock()
	respond(w)
}

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return b
}
