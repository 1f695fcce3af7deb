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

// Package spam classifies inbound messages using a relay-aware rule engine
// with an optional rspamd fallback.
package spam

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/maildeck/maildeck/framework/log"
	"github.com/maildeck/maildeck/internal/email"
)

// Verdict is the classifier outcome. None means nothing had an opinion and
// the message is treated as not spam.
type Verdict string

const (
	VerdictSpam Verdict = "spam"
	VerdictHam  Verdict = "ham"
	VerdictNone Verdict = "none"
)

// IsSpam reports whether the verdict marks the message as spam.
func (v Verdict) IsSpam() bool { return v == VerdictSpam }

type Classifier struct {
	cfg    *Config
	client *http.Client
	log    log.Logger
}

func NewClassifier(cfg *Config, l log.Logger) *Classifier {
	return &Classifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		log:    l,
	}
}

// Classify runs the hardcoded rules over the trusted header blocks, then
// consults rspamd. Hardcoded rules win over rspamd.
func (c *Classifier) Classify(ctx context.Context, parsed *email.ParsedEmail, raw []byte) Verdict {
	if v, matched := c.applyRules(parsed.HeadersBlocks); matched {
		return v
	}
	if c.cfg.RspamdURL != "" {
		return c.rspamdCheck(ctx, raw)
	}
	return VerdictNone
}

// applyRules walks blocks [0 .. trusted_relays] inclusive, most recent
// relay first, and short-circuits on the first matching rule.
func (c *Classifier) applyRules(blocks []email.HeaderBlock) (Verdict, bool) {
	if len(c.cfg.Rules) == 0 {
		return VerdictNone, false
	}

	limit := c.cfg.TrustedRelays
	if limit >= len(blocks) {
		limit = len(blocks) - 1
	}
	for i := 0; i <= limit; i++ {
		for j := range c.cfg.Rules {
			r := &c.cfg.Rules[j]
			if !r.matches(blocks[i]) {
				continue
			}
			if isSpamAction(r.Action) {
				return VerdictSpam, true
			}
			return VerdictHam, true
		}
	}
	return VerdictNone, false
}

type rspamdReply struct {
	Action        string  `json:"action"`
	Score         float64 `json:"score"`
	RequiredScore float64 `json:"required_score"`
}

// rspamdCheck posts the raw MIME to rspamd's /checkv2 endpoint. Any failure
// to reach or parse rspamd is logged and treated as ham so that a broken
// scanner never blocks legitimate mail.
func (c *Classifier) rspamdCheck(ctx context.Context, raw []byte) Verdict {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.RspamdURL+"/checkv2", bytes.NewReader(raw))
	if err != nil {
		c.log.Error("rspamd request", err)
		return VerdictHam
	}
	if c.cfg.RspamdAuth != "" {
		req.Header.Set("Authorization", c.cfg.RspamdAuth)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Error("rspamd check", err)
		return VerdictHam
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Msg("rspamd non-OK status", "status", resp.StatusCode)
		return VerdictHam
	}

	var reply rspamdReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		c.log.Error("rspamd response decode", err)
		return VerdictHam
	}

	c.log.DebugMsg("rspamd verdict", "action", reply.Action,
		"score", reply.Score, "required_score", reply.RequiredScore)
	if reply.Action == "reject" {
		return VerdictSpam
	}
	return VerdictHam
}
