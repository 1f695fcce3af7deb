/*
Maildeck - Multi-tenant mail delivery core.
Copyright © 2024-2026 Maildeck contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package spam

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/maildeck/maildeck/internal/db"
)

// Rule matches one header against either a literal value or a regex.
// Exactly one of HeaderMatch and HeaderMatchRegex should be set; both use
// the "Name:Value" form.
type Rule struct {
	HeaderMatch      string `json:"header_match,omitempty"`
	HeaderMatchRegex string `json:"header_match_regex,omitempty"`
	Action           string `json:"action,omitempty"`

	name  string
	value string
	re    *regexp.Regexp
}

// Config is the classifier configuration, loaded from the SPAM_CONFIG
// process setting and overridable per mail domain.
type Config struct {
	Rules []Rule `json:"rules"`

	// TrustedRelays is how many header blocks, counted from the most recent
	// relay, the rules may look at. The block written by our own MTA is
	// block zero.
	TrustedRelays int `json:"trusted_relays"`

	RspamdURL  string `json:"rspamd_url,omitempty"`
	RspamdAuth string `json:"rspamd_auth,omitempty"`
}

// ParseConfig decodes and compiles a JSON classifier config. An empty
// string yields a config that classifies nothing.
func ParseConfig(raw string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(raw) == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), cfg); err != nil {
		return nil, fmt.Errorf("spam: config: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ForDomain returns the effective config for a domain: the domain's
// custom_settings.SPAM_CONFIG when present, else the process default.
func ForDomain(def *Config, dom *db.MailDomain) (*Config, error) {
	if dom == nil || dom.CustomSettings == nil {
		return def, nil
	}
	v, ok := dom.CustomSettings["SPAM_CONFIG"]
	if !ok {
		return def, nil
	}

	switch val := v.(type) {
	case string:
		return ParseConfig(val)
	default:
		// Stored as a JSON object, not a string. Round-trip it.
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("spam: domain config: %w", err)
		}
		return ParseConfig(string(b))
	}
}

func (c *Config) compile() error {
	for i := range c.Rules {
		r := &c.Rules[i]
		switch {
		case r.HeaderMatch != "":
			name, value, ok := strings.Cut(r.HeaderMatch, ":")
			if !ok {
				return fmt.Errorf("spam: rule %d: header_match %q has no colon", i, r.HeaderMatch)
			}
			r.name = strings.ToLower(strings.TrimSpace(name))
			r.value = strings.TrimSpace(value)
		case r.HeaderMatchRegex != "":
			name, expr, ok := strings.Cut(r.HeaderMatchRegex, ":")
			if !ok {
				return fmt.Errorf("spam: rule %d: header_match_regex %q has no colon", i, r.HeaderMatchRegex)
			}
			re, err := regexp.Compile("(?i)" + expr)
			if err != nil {
				return fmt.Errorf("spam: rule %d: %w", i, err)
			}
			r.name = strings.ToLower(strings.TrimSpace(name))
			r.re = re
		default:
			return fmt.Errorf("spam: rule %d has neither header_match nor header_match_regex", i)
		}
	}
	return nil
}

// matches reports whether the rule matches any value of its header within
// the block.
func (r *Rule) matches(block map[string][]string) bool {
	for _, v := range block[r.name] {
		if r.re != nil {
			if r.re.MatchString(v) {
				return true
			}
			continue
		}
		if strings.EqualFold(strings.TrimSpace(v), r.value) {
			return true
		}
	}
	return false
}

// isSpamAction maps a rule action to the classification it yields.
func isSpamAction(action string) bool {
	switch strings.ToLower(action) {
	case "spam", "reject":
		return true
	default:
		return false
	}
}
