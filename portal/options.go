/*
options.go - Portal endpoints, markers and status prefixes

PURPOSE:
  Everything that ties this package to one particular portal lives here:
  endpoint paths, the form markers the heuristics look for, and the status
  text prefixes of the CSV export. A portal UI change should only ever need
  an edit here (or in config) plus refreshed fixtures under testdata/.

SEE ALSO:
  - classifier.go: Uses Markers
  - csv.go: Uses StatusPrefixes
  - config/config.go: Overrides from YAML/env
*/
package portal

import (
	"strings"
	"time"
)

// DefaultUserAgent is sent with every portal request.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Paths are relative to Options.BaseURL.
type Paths struct {
	Login        string `koanf:"login"`
	ProcessLogin string `koanf:"process_login"`
	ExportCSV    string `koanf:"export_csv"`
	Action       string `koanf:"action"` // single multiplexed endpoint for activate/swap/lookup
}

// Markers drive the unauthorized/error heuristics.
type Markers struct {
	UnauthorizedSentinel string `koanf:"unauthorized_sentinel"`
	LoginForm            string `koanf:"login_form"`
	ErrorToken           string `koanf:"error_token"`
}

// StatusPrefixes map the CSV status text to (status, detail). Checked in
// field order; the first match wins.
type StatusPrefixes struct {
	Rented            string `koanf:"rented"`
	AvailableValid    string `koanf:"available_valid"`
	AvailableExpiring string `koanf:"available_expiring"`
	AvailableExpired  string `koanf:"available_expired"`
}

// Options configures the session client and the gateway.
type Options struct {
	BaseURL        string        `koanf:"base_url"`
	Username       string        `koanf:"username"`
	Password       string        `koanf:"password"`
	Charset        string        `koanf:"charset"`
	UserAgent      string        `koanf:"user_agent"`
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// SessionTTL > 0 reuses a session across operations until it expires or
	// is invalidated. Zero logs in once per operation.
	SessionTTL time.Duration `koanf:"session_ttl"`

	// VerifyLogin checks the post-login page for LoggedInMarker.
	VerifyLogin    bool   `koanf:"verify_login"`
	LoggedInMarker string `koanf:"logged_in_marker"`

	Paths          Paths          `koanf:"paths"`
	Markers        Markers        `koanf:"markers"`
	StatusPrefixes StatusPrefixes `koanf:"status_prefixes"`
}

// DefaultOptions returns the settings of the production portal.
func DefaultOptions() Options {
	return Options{
		Charset:        "utf-8",
		UserAgent:      DefaultUserAgent,
		RequestTimeout: 30 * time.Second,
		LoggedInMarker: "logout.php",
		Paths: Paths{
			Login:        "login.php",
			ProcessLogin: "process_login.php",
			ExportCSV:    "export.php",
			Action:       "sim_action.php",
		},
		Markers: Markers{
			UnauthorizedSentinel: "not_logged_in",
			LoginForm:            `id="login_form"`,
			ErrorToken:           "שגיאה",
		},
		StatusPrefixes: StatusPrefixes{
			Rented:            "מושכר",
			AvailableValid:    "פנוי - בתוקף",
			AvailableExpiring: "פנוי - עומד לפוג",
			AvailableExpired:  "פנוי - פג תוקף",
		},
	}
}

// url joins a path (or passes through an absolute URL) onto the base.
func (o Options) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(o.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// referer is the fixed Referer header of authenticated requests.
func (o Options) referer() string {
	return strings.TrimRight(o.BaseURL, "/") + "/"
}
