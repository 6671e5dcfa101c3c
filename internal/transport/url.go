package transport

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
)

var (
	userinfoRe = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+.-]*://)([^/?#]*@)`)
	tokenRe    = regexp.MustCompile(`^[^:@/]*:%[A-Za-z_][A-Za-z0-9_]*%@$`)
	envVarRe   = regexp.MustCompile(`%([A-Za-z_][A-Za-z0-9_]*)%`)
	driveRe    = regexp.MustCompile(`^/[A-Za-z]:`)
)

// SanitiseURL removes credentials from u so it can be logged or stored.
// The "user:%TOKEN%@" form names an environment variable rather than a
// secret and is kept.
func SanitiseURL(u string) string {
	m := userinfoRe.FindStringSubmatchIndex(u)
	if m == nil {
		return u
	}
	if tokenRe.MatchString(u[m[4]:m[5]]) {
		return u
	}
	return u[:m[4]] + u[m[5]:]
}

// ExpandURL substitutes %NAME% placeholders in the userinfo of u with the
// value of the environment variable NAME.
func ExpandURL(u string) string {
	m := userinfoRe.FindStringSubmatchIndex(u)
	if m == nil {
		return u
	}
	userinfo := envVarRe.ReplaceAllStringFunc(u[m[4]:m[5]], func(s string) string {
		return strings.ReplaceAll(url.QueryEscape(os.Getenv(s[1:len(s)-1])), "+", "%20")
	})
	return u[:m[4]] + userinfo + u[m[5]:]
}

// splitUserinfo returns u without userinfo, plus any credentials it carried.
func splitUserinfo(u string) (string, *Credentials) {
	parsed, err := url.Parse(u)
	if err != nil || parsed.User == nil {
		return u, nil
	}
	creds := &Credentials{Username: parsed.User.Username()}
	creds.Password, _ = parsed.User.Password()
	parsed.User = nil
	return parsed.String(), creds
}

// IsFileURL reports whether u uses the file scheme.
func IsFileURL(u string) bool {
	return strings.HasPrefix(strings.ToLower(u), "file:")
}

// FileURLToPath converts a file:// URL to a local path.
func FileURLToPath(u string) (string, error) {
	parsed, err := url.Parse(u)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", u, err)
	}
	if parsed.Scheme != "file" {
		return "", fmt.Errorf("%s is not a file URL", u)
	}
	p := parsed.Path
	if parsed.Host != "" && parsed.Host != "localhost" {
		p = "//" + parsed.Host + p
	}
	if driveRe.MatchString(p) {
		p = p[1:]
	}
	return filepath.FromSlash(p), nil
}

// PathToFileURL converts an absolute local path to a file:// URL.
func PathToFileURL(p string) string {
	p = filepath.ToSlash(p)
	if runtime.GOOS == "windows" || (len(p) > 1 && p[1] == ':') {
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}

// URLJoin resolves other against base using POSIX path joining. With
// toParent the last path element of base is dropped first, so a sibling
// document of base is addressed. Absolute URLs in other are returned as is.
// A base without a scheme is treated as a local path.
func URLJoin(base, other string, toParent bool) (string, error) {
	ref, err := url.Parse(other)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", other, err)
	}
	if ref.IsAbs() && len(ref.Scheme) > 1 {
		return other, nil
	}

	b, err := url.Parse(base)
	if err != nil || b.Scheme == "" || len(b.Scheme) == 1 {
		dir := base
		if toParent {
			dir = filepath.Dir(base)
		}
		if filepath.IsAbs(other) {
			return filepath.Clean(other), nil
		}
		return filepath.Join(dir, filepath.FromSlash(other)), nil
	}

	p := b.Path
	if toParent {
		p = path.Dir(p)
	}
	joined := *b
	joined.RawQuery = ref.RawQuery
	joined.Fragment = ref.Fragment
	joined.RawPath = ""
	if strings.HasPrefix(ref.Path, "/") {
		joined.Path = path.Clean(ref.Path)
	} else {
		joined.Path = path.Join("/", p, ref.Path)
	}
	return joined.String(), nil
}
