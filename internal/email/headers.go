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

package email

import (
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message/charset"
)

// collectHeaders builds Headers and HeadersList from ordered (key, value)
// pairs, keys already lowercased, top-to-bottom.
func collectHeaders(fields []HeaderField) (map[string][]string, []HeaderField) {
	headers := make(map[string][]string, len(fields))
	for _, f := range fields {
		headers[f.Key] = append(headers[f.Key], f.Value)
	}
	return headers, fields
}

// splitBlocks segments the ordered header list by Received headers. Relays
// prepend their headers, so walking top-to-bottom each "received" closes the
// block of headers added by that hop. The trailing collection after the last
// Received is the original message's own block.
//
// Received headers are never deduplicated; every one closes its own block.
func splitBlocks(fields []HeaderField) []HeaderBlock {
	var blocks []HeaderBlock
	cur := HeaderBlock{}
	curLen := 0
	for _, f := range fields {
		cur[f.Key] = append(cur[f.Key], f.Value)
		curLen++
		if f.Key == "received" {
			blocks = append(blocks, cur)
			cur = HeaderBlock{}
			curLen = 0
		}
	}
	if curLen > 0 || len(blocks) == 0 {
		blocks = append(blocks, cur)
	}
	return blocks
}

// wordDecoder decodes RFC 2047 encoded words, falling back to raw UTF-8
// interpretation for unknown charsets.
var wordDecoder = mime.WordDecoder{
	CharsetReader: func(cs string, input io.Reader) (io.Reader, error) {
		r, err := charset.Reader(cs, input)
		if err != nil {
			return input, nil
		}
		return r, nil
	},
}

// decodeHeader decodes encoded words in a header value, joining adjacent
// encoded words per RFC 2047, and strips NUL bytes.
func decodeHeader(raw string) string {
	dec, err := wordDecoder.DecodeHeader(raw)
	if err != nil {
		dec = raw
	}
	return strings.ReplaceAll(dec, "\x00", "")
}

// stripAngles removes a single leading < and trailing > pair.
func stripAngles(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}

func splitWS(s string) []string {
	return strings.Fields(s)
}

// parseGmailLabels splits an X-Gmail-Labels value on commas.
func parseGmailLabels(raw string) []string {
	if raw == "" {
		return nil
	}
	var labels []string
	for _, l := range strings.Split(decodeHeader(raw), ",") {
		l = strings.TrimSpace(l)
		if l != "" {
			labels = append(labels, l)
		}
	}
	return labels
}
