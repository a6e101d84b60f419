package submit

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultDenylist are platforms that reject or rate-limit crawlers.
var defaultDenylist = []string{
	"facebook.com",
	"instagram.com",
	"twitter.com",
	"x.com",
	"linkedin.com",
	"tiktok.com",
	"youtube.com",
	"pinterest.com",
	"reddit.com",
	"threads.net",
	"snapchat.com",
}

// Denylist matches hostnames against blocked domains and their subdomains.
// A nil *Denylist blocks nothing.
type Denylist struct {
	domains map[string]struct{}
}

// NewDenylist returns a denylist with the built-in platforms plus extra.
func NewDenylist(extra ...string) *Denylist {
	d := &Denylist{domains: make(map[string]struct{}, len(defaultDenylist)+len(extra))}
	for _, dom := range defaultDenylist {
		d.add(dom)
	}
	for _, dom := range extra {
		d.add(dom)
	}
	return d
}

type denylistFile struct {
	Domains []string `yaml:"domains"`
}

// LoadDenylist reads additional domains from a YAML file of the form
// "domains: [example.com, ...]". An empty path yields the built-in list.
func LoadDenylist(path string) (*Denylist, error) {
	if path == "" {
		return NewDenylist(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read denylist: %w", err)
	}
	var f denylistFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse denylist: %w", err)
	}
	return NewDenylist(f.Domains...), nil
}

// Match returns the blocked domain host falls under, if any.
func (d *Denylist) Match(host string) (string, bool) {
	if d == nil {
		return "", false
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for {
		if _, ok := d.domains[host]; ok {
			return host, true
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return "", false
		}
		host = host[i+1:]
	}
}

// Len returns the number of blocked domains.
func (d *Denylist) Len() int {
	if d == nil {
		return 0
	}
	return len(d.domains)
}

func (d *Denylist) add(domain string) {
	domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	domain = strings.TrimPrefix(domain, "www.")
	if domain != "" {
		d.domains[domain] = struct{}{}
	}
}
