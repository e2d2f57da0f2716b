// Package artifact provides the versioned named-blob service node outputs
// travel through. Artifacts are addressed by (app, user, session, filename,
// version); versions are monotonically increasing per name and returned from
// Save.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrNotFound is returned when an artifact (or version) does not exist.
var ErrNotFound = errors.New("artifact not found")

// LatestVersion selects the newest stored version on Load.
const LatestVersion = 0

// Ref addresses an artifact. Version 0 means "latest" on reads and is
// ignored on writes (Save always allocates the next version).
type Ref struct {
	AppName   string
	UserID    string
	SessionID string
	Filename  string
	Version   int
}

// Key is the canonical path portion of the ref, without the version.
func (r Ref) Key() string {
	return fmt.Sprintf("%s/%s/%s/%s", r.AppName, r.UserID, r.SessionID, r.Filename)
}

// WithVersion returns a copy of the ref pinned to a version.
func (r Ref) WithVersion(v int) Ref {
	r.Version = v
	return r
}

// URI renders the artifact URI passed to agents:
// artifact://<app>/<user>/<session>/<filename>?version=<n>.
func (r Ref) URI() string {
	u := "artifact://" + r.Key()
	if r.Version > 0 {
		u += "?version=" + strconv.Itoa(r.Version)
	}
	return u
}

// ParseURI decodes an artifact URI back into a ref.
func ParseURI(raw string) (Ref, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Ref{}, fmt.Errorf("malformed artifact uri %q: %w", raw, err)
	}
	if u.Scheme != "artifact" {
		return Ref{}, fmt.Errorf("unexpected scheme %q in artifact uri", u.Scheme)
	}
	// Host is the app name; the path carries user/session/filename.
	parts := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
	if u.Host == "" || len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Ref{}, fmt.Errorf("artifact uri %q must be artifact://app/user/session/filename", raw)
	}
	ref := Ref{
		AppName:   u.Host,
		UserID:    parts[0],
		SessionID: parts[1],
		Filename:  parts[2],
	}
	if v := u.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Ref{}, fmt.Errorf("artifact uri %q has invalid version %q", raw, v)
		}
		ref.Version = n
	}
	return ref, nil
}

// Service stores and retrieves artifacts. Implementations are safe for
// concurrent use; Save is transactional per name.
type Service interface {
	// Save writes a new version of the named artifact and returns it.
	Save(ctx context.Context, ref Ref, data []byte, mimeType string) (int, error)
	// Load reads one version; ref.Version == LatestVersion reads the newest.
	Load(ctx context.Context, ref Ref) ([]byte, error)
}

// Logger is the logging surface artifact stores need.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}
