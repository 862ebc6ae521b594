package store

import (
	"fmt"
	"net/url"
	"strings"
)

// CanonicalDomain derives the rate governor's domain key from a job
// posting URL: the lower-cased host, stripped of a leading "www." and
// any port.
func CanonicalDomain(jobURL string) (string, error) {
	u, err := url.Parse(jobURL)
	if err != nil {
		return "", fmt.Errorf("parsing job url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("job url %q has no host", jobURL)
	}
	host = strings.ToLower(host)
	host = strings.TrimPrefix(host, "www.")
	return host, nil
}
