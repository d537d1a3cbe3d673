// Package ruleset loads per-domain proxy rules from YAML files.
//
// A rule can override outbound request headers, rewrite the target URL
// before it is fetched, and patch the HTML of matching pages.
package ruleset

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

type Regex struct {
	Match   string `yaml:"match"`
	Replace string `yaml:"replace"`

	re *regexp.Regexp
}

// Apply runs the replacement over s.
func (r *Regex) Apply(s string) (string, error) {
	re := r.re
	if re == nil {
		var err error
		if re, err = regexp.Compile(r.Match); err != nil {
			return s, err
		}
	}
	return re.ReplaceAllString(s, r.Replace), nil
}

type KV struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

type Headers struct {
	UserAgent     string `yaml:"user-agent,omitempty"`
	XForwardedFor string `yaml:"x-forwarded-for,omitempty"`
	Referer       string `yaml:"referer,omitempty"`
	Cookie        string `yaml:"cookie,omitempty"`
	CSP           string `yaml:"content-security-policy,omitempty"`
}

type URLMods struct {
	Domain []Regex `yaml:"domain,omitempty"`
	Path   []Regex `yaml:"path,omitempty"`
	Query  []KV    `yaml:"query,omitempty"`
}

type Injection struct {
	Position string `yaml:"position,omitempty"`
	Append   string `yaml:"append,omitempty"`
	Prepend  string `yaml:"prepend,omitempty"`
	Replace  string `yaml:"replace,omitempty"`
}

type Rule struct {
	Domain  string   `yaml:"domain,omitempty"`
	Domains []string `yaml:"domains,omitempty"`
	Paths   []string `yaml:"paths,omitempty"`
	Headers Headers  `yaml:"headers,omitempty"`
	// GoogleCache fetches the page from Google's web cache instead.
	GoogleCache bool        `yaml:"googleCache,omitempty"`
	RegexRules  []Regex     `yaml:"regexRules,omitempty"`
	URLMods     URLMods     `yaml:"urlMods,omitempty"`
	Injections  []Injection `yaml:"injections,omitempty"`
}

type RuleSet []Rule

// None is the empty rule used when nothing matches.
var None = Rule{}

const GoogleCacheURL = "https://webcache.googleusercontent.com/search?q=cache:"


// Load reads every .yml/.yaml file found under the ';'-separated list of
// files or directories in rulePaths.
func Load(rulePaths string) (RuleSet, error) {
	var ruleSet RuleSet
	var errs []string

	for _, rulePath := range strings.Split(rulePaths, ";") {
		trimmedPath := strings.TrimSpace(rulePath)
		if trimmedPath == "" {
			continue
		}

		var rules RuleSet
		err := filepath.Walk(trimmedPath, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() || !(strings.HasSuffix(path, ".yml") || strings.HasSuffix(path, ".yaml")) {
				return nil
			}
			yamlFile, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read rules file '%s': %w", path, err)
			}
			r, err := Parse(yamlFile)
			if err != nil {
				return fmt.Errorf("rules file '%s': %w", path, err)
			}
			rules = append(rules, r...)
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Sprintf("failed to load rules from '%s': %v", trimmedPath, err))
			continue
		}
		ruleSet = append(ruleSet, rules...)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("errors while loading rulesets: %s", strings.Join(errs, "; "))
	}
	return ruleSet, nil
}

// Parse decodes one YAML document of rules and compiles their regexes.
func Parse(data []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("syntax error: %w", err)
	}
	if err := rs.compile(); err != nil {
		return nil, err
	}
	return rs, nil
}

func (rs RuleSet) compile() error {
	for i := range rs {
		rule := &rs[i]
		groups := [][]Regex{rule.RegexRules, rule.URLMods.Domain, rule.URLMods.Path}
		for _, group := range groups {
			for j := range group {
				re, err := regexp.Compile(group[j].Match)
				if err != nil {
					return fmt.Errorf("invalid regex %q in rule for %s: %w", group[j].Match, rule.describe(), err)
				}
				group[j].re = re
			}
		}
	}
	return nil
}

func (r *Rule) describe() string {
	if r.Domain != "" {
		return r.Domain
	}
	if len(r.Domains) > 0 {
		return strings.Join(r.Domains, ",")
	}
	return "<no domain>"
}

// Match returns the first rule whose domain equals host or is a parent
// domain of it, and whose paths (if any) prefix path.
func (rs RuleSet) Match(host, path string) Rule {
	host = strings.ToLower(host)
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	for _, rule := range rs {
		for _, ruleDomain := range rule.allDomains() {
			ruleDomain = strings.ToLower(ruleDomain)
			if ruleDomain != host && !strings.HasSuffix(host, "."+ruleDomain) {
				continue
			}
			if len(rule.Paths) > 0 && !hasAnyPrefix(path, rule.Paths) {
				continue
			}
			return rule
		}
	}
	return None
}

func (r *Rule) allDomains() []string {
	domains := make([]string, 0, len(r.Domains)+1)
	if r.Domain != "" {
		domains = append(domains, r.Domain)
	}
	return append(domains, r.Domains...)
}

// ModifyURL applies the rule's urlMods to a copy of u.
func (r *Rule) ModifyURL(u *url.URL) (*url.URL, error) {
	newURL := *u
	var err error

	for i := range r.URLMods.Domain {
		if newURL.Host, err = r.URLMods.Domain[i].Apply(newURL.Host); err != nil {
			return nil, err
		}
	}
	for i := range r.URLMods.Path {
		if newURL.Path, err = r.URLMods.Path[i].Apply(newURL.Path); err != nil {
			return nil, err
		}
		newURL.RawPath = ""
	}

	if len(r.URLMods.Query) > 0 {
		v := newURL.Query()
		for _, query := range r.URLMods.Query {
			if query.Value == "" {
				v.Del(query.Key)
				continue
			}
			v.Set(query.Key, query.Value)
		}
		newURL.RawQuery = v.Encode()
	}

	if r.GoogleCache {
		cacheURL, err := url.Parse(GoogleCacheURL + newURL.String())
		if err != nil {
			return nil, err
		}
		return cacheURL, nil
	}

	return &newURL, nil
}

// HasHTMLRules reports whether the rule patches page markup.
func (r *Rule) HasHTMLRules() bool {
	return len(r.RegexRules) > 0 || len(r.Injections) > 0
}

func (rs RuleSet) Domains() []string {
	var domains []string
	for i := range rs {
		domains = append(domains, rs[i].allDomains()...)
	}
	return domains
}

func (rs RuleSet) DomainCount() int {
	return len(rs.Domains())
}

func (rs RuleSet) Count() int {
	return len(rs)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
