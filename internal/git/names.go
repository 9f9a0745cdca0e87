package git

import (
	"net/url"
	"regexp"
	"strings"
)

const (
	maxNameLength = 50
	defaultName   = "project"
)

var (
	disallowedChars = regexp.MustCompile(`[^a-z0-9\-_.]`)
	edgeSeparators  = regexp.MustCompile(`^[-_.]+|[-_.]+$`)
	repeatedSeps    = regexp.MustCompile(`[-_.]{2,}`)
)

// SanitizeName converts a project name into a valid repository name.
func SanitizeName(raw string) string {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = disallowedChars.ReplaceAllString(name, "-")
	name = edgeSeparators.ReplaceAllString(name, "")
	name = repeatedSeps.ReplaceAllString(name, "-")
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	if name == "" {
		return defaultName
	}
	return name
}

// RedactURL strips user info from a URL so it can be logged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	if u.User != nil {
		u.User = nil
	}
	return u.String()
}

var remoteScheme = regexp.MustCompile(`^https?://`)

// ValidRemoteURL reports whether raw is an http or https URL with a host.
// Other schemes such as ssh, git or file are refused.
func ValidRemoteURL(raw string) bool {
	if !remoteScheme.MatchString(raw) {
		return false
	}
	u, err := url.Parse(raw)
	return err == nil && u.Host != ""
}
