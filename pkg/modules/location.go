// Package modules resolves and loads definition bundles from local paths and URLs.
//
// A bundle may import other bundles by relative or absolute reference. References are
// resolved against the importing bundle's location without changing its scheme: a bundle
// fetched over HTTP resolves its relative imports to URLs on the same host, and a local
// bundle resolves them to local paths.
package modules

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

var (
	// ErrEscapesRoot is returned when a reference climbs above the root of its location.
	ErrEscapesRoot = errors.New("reference escapes the location root")

	// ErrSchemeChange is returned when a remote bundle references a local path.
	ErrSchemeChange = errors.New("remote module cannot reference a local path")

	// ErrUnsupportedScheme is returned for URL schemes other than http, https and file.
	ErrUnsupportedScheme = errors.New("unsupported module location scheme")

	// ErrRelativeLocation is returned when a local location is not absolute.
	ErrRelativeLocation = errors.New("local module location must be absolute")
)

// Location is the origin of a definition bundle: either an absolute local path or an
// http(s) URL. The zero value is not a valid location.
type Location struct {
	scheme string // "" for local paths
	host   string
	path   string // slash separated for URLs, OS path for local
}

// ParseLocation parses a local absolute path, a file:// URL or an http(s) URL.
// Query strings and fragments are dropped.
func ParseLocation(s string) (Location, error) {
	if s == "" {
		return Location{}, fmt.Errorf("empty module location")
	}

	if !looksLikeURL(s) {
		if !filepath.IsAbs(s) {
			return Location{}, fmt.Errorf("%w: %s", ErrRelativeLocation, s)
		}
		return Location{path: filepath.Clean(s)}, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return Location{}, fmt.Errorf("invalid module location %q: %w", s, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		p := filepath.FromSlash(u.Path)
		if !filepath.IsAbs(p) {
			return Location{}, fmt.Errorf("%w: %s", ErrRelativeLocation, s)
		}
		return Location{path: filepath.Clean(p)}, nil
	case "http", "https":
		if u.Host == "" {
			return Location{}, fmt.Errorf("invalid module location %q: missing host", s)
		}
		segs, err := walk(nil, strings.Split(u.Path, "/"))
		if err != nil {
			return Location{}, fmt.Errorf("invalid module location %q: %w", s, err)
		}
		return Location{
			scheme: strings.ToLower(u.Scheme),
			host:   u.Host,
			path:   "/" + strings.Join(segs, "/"),
		}, nil
	default:
		return Location{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// MustParseLocation is like ParseLocation but panics on error.
func MustParseLocation(s string) Location {
	loc, err := ParseLocation(s)
	if err != nil {
		panic(err)
	}
	return loc
}

// IsRemote reports whether the location is a URL.
func (l Location) IsRemote() bool {
	return l.scheme != ""
}

// IsZero reports whether l is the zero Location.
func (l Location) IsZero() bool {
	return l == Location{}
}

// Path returns the path component: an OS path for local locations, a slash separated
// URL path for remote ones.
func (l Location) Path() string {
	return l.path
}

// String formats the location as a path or URL.
func (l Location) String() string {
	if !l.IsRemote() {
		return l.path
	}
	u := url.URL{Scheme: l.scheme, Host: l.host, Path: l.path}
	return u.String()
}

// Dirname strips the last path segment. The root is its own dirname.
func (l Location) Dirname() Location {
	if !l.IsRemote() {
		l.path = filepath.Dir(l.path)
		return l
	}
	segs := l.segments()
	if len(segs) == 0 {
		return l
	}
	l.path = "/" + strings.Join(segs[:len(segs)-1], "/")
	return l
}

// Base returns the last path segment, or "" for the root.
func (l Location) Base() string {
	segs := l.segments()
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// Join appends relative path segments, preserving the scheme.
// Each segment may itself contain slashes. "." and empty segments are ignored and ".."
// removes the previous segment; climbing above the root fails with ErrEscapesRoot.
func (l Location) Join(segments ...string) (Location, error) {
	var parts []string
	for _, s := range segments {
		if !l.IsRemote() {
			s = filepath.ToSlash(s)
		}
		parts = append(parts, strings.Split(s, "/")...)
	}

	segs, err := walk(l.segments(), parts)
	if err != nil {
		return Location{}, fmt.Errorf("cannot join %v onto %s: %w", segments, l, err)
	}

	if l.IsRemote() {
		l.path = "/" + strings.Join(segs, "/")
		return l, nil
	}
	l.path = filepath.Join(append([]string{localRoot(l.path)}, segs...)...)
	return l, nil
}

// Resolve computes the location referenced by ref from a bundle at base.
// Absolute references (URLs and absolute paths) replace the base; relative references are
// joined onto the base's directory.
func Resolve(base Location, ref string) (Location, error) {
	if ref == "" {
		return Location{}, fmt.Errorf("empty module reference")
	}

	if looksLikeURL(ref) {
		loc, err := ParseLocation(ref)
		if err != nil {
			return Location{}, err
		}
		if base.IsRemote() && !loc.IsRemote() {
			return Location{}, fmt.Errorf("%w: %s imports %s", ErrSchemeChange, base, ref)
		}
		return loc, nil
	}

	if filepath.IsAbs(ref) || strings.HasPrefix(ref, "/") {
		if base.IsRemote() {
			return Location{}, fmt.Errorf("%w: %s imports %s", ErrSchemeChange, base, ref)
		}
		return ParseLocation(ref)
	}

	return base.Dirname().Join(ref)
}

// segments returns the non-root path segments.
func (l Location) segments() []string {
	var p string
	if l.IsRemote() {
		p = l.path
	} else {
		p = filepath.ToSlash(strings.TrimPrefix(l.path, filepath.VolumeName(l.path)))
	}
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// walk applies relative segments to a base segment list.
func walk(base, parts []string) ([]string, error) {
	segs := append([]string(nil), base...)
	for _, p := range parts {
		switch p {
		case "", ".":
		case "..":
			if len(segs) == 0 {
				return nil, ErrEscapesRoot
			}
			segs = segs[:len(segs)-1]
		default:
			segs = append(segs, p)
		}
	}
	return segs, nil
}

func localRoot(p string) string {
	return filepath.VolumeName(p) + string(filepath.Separator)
}

func looksLikeURL(s string) bool {
	i := strings.Index(s, "://")
	if i <= 0 {
		return false
	}
	for _, r := range s[:i] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return false
		}
	}
	return true
}
