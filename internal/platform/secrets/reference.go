package secrets

import (
	"fmt"
	"net/url"
	"strings"
)

const latestVersion = "latest"

// reference is a parsed secret://name?version=N&project=P.
type reference struct {
	name    string
	version string
	project string
}

// cacheKey ignores the project; one process reads a given secret from one project.
func (r reference) cacheKey() string {
	return r.name + "#" + r.version
}

func (r reference) resource(defaultProject string) (string, bool) {
	project := r.project
	if project == "" {
		project = defaultProject
	}
	if project == "" {
		return "", false
	}
	return "projects/" + project + "/secrets/" + r.name + "/versions/" + r.version, true
}

// parseReference accepts secret:// and the older sm:// scheme.
func parseReference(raw string) (reference, error) {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, "sm://"); ok {
		raw = "secret://" + rest
	}
	u, err := url.Parse(raw)
	switch {
	case err != nil:
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	case u.Scheme != "secret":
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	ref := reference{
		name:    strings.Trim(u.Host+u.Path, "/"),
		version: strings.TrimSpace(u.Query().Get("version")),
		project: strings.TrimSpace(u.Query().Get("project")),
	}
	if ref.name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}
	if ref.version == "" {
		ref.version = latestVersion
	}
	return ref, nil
}
