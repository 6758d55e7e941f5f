/*
classifier.go - Response classification for the API-less portal

PURPOSE:
  The portal has no status codes worth trusting and no structured errors.
  Every decision about "was I logged out?" and "did that work?" is a
  substring heuristic, and they are all isolated behind ResponseClassifier
  so that fixture tests break before production calls do.

UNAUTHORIZED (any of):
  - trimmed body equals the sentinel string
  - HTTP 401
  - body contains the login endpoint's path (the login form posts there)
  - body contains the login-form marker AND is shorter than 5000 bytes

OPERATION SUCCESS (all of):
  - HTTP 200
  - body contains neither the error token, "alert-danger", nor "error"

SEE ALSO:
  - session.go: Re-login on IsUnauthorized
  - gateway.go: IsOperationSuccess for activate and swap
*/
package portal

import (
	"net/http"
	"strings"
)

// loginPageMaxLen separates a bare login page from a full page that merely
// embeds a login widget.
const loginPageMaxLen = 5000

// ResponseClassifier decides what a portal response means.
type ResponseClassifier interface {
	IsUnauthorized(status int, body string) bool
	IsOperationSuccess(status int, body string) bool
}

// MarkerClassifier implements ResponseClassifier with substring markers.
type MarkerClassifier struct {
	Markers   Markers
	LoginPath string
}

// NewMarkerClassifier builds the classifier for opts.
func NewMarkerClassifier(opts Options) *MarkerClassifier {
	return &MarkerClassifier{Markers: opts.Markers, LoginPath: opts.Paths.ProcessLogin}
}

func (c *MarkerClassifier) IsUnauthorized(status int, body string) bool {
	if c.Markers.UnauthorizedSentinel != "" && strings.TrimSpace(body) == c.Markers.UnauthorizedSentinel {
		return true
	}
	if status == http.StatusUnauthorized {
		return true
	}
	if c.LoginPath != "" && strings.Contains(body, c.LoginPath) {
		return true
	}
	return c.Markers.LoginForm != "" &&
		strings.Contains(body, c.Markers.LoginForm) &&
		len(body) < loginPageMaxLen
}

func (c *MarkerClassifier) IsOperationSuccess(status int, body string) bool {
	if status != http.StatusOK {
		return false
	}
	if c.Markers.ErrorToken != "" && strings.Contains(body, c.Markers.ErrorToken) {
		return false
	}
	return !strings.Contains(body, "alert-danger") && !strings.Contains(body, "error")
}
