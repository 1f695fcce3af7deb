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
	"mime"
	"strings"
)

const fallbackName = "unnamed"

// sanitizeFilename makes an attachment filename safe for storage and
// display. Path prefixes (both separators) and leading dots are stripped,
// names collapsing to nothing or to bare dots become "unnamed", length is
// capped at 255 bytes. When no name is present at all, a name is derived
// from the content type's canonical extension.
func sanitizeFilename(name, contentType string) string {
	name = decodeHeader(name)
	name = strings.ReplaceAll(name, "\x00", "")

	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndexByte(name, '\\'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimLeft(name, ".")
	name = strings.TrimSpace(name)

	if name == "" || strings.Trim(name, ".") == "" {
		return fallbackName + extensionFor(contentType)
	}
	if strings.HasSuffix(name, ".") {
		return fallbackName + extensionFor(contentType)
	}

	if len(name) > 255 {
		name = name[:255]
	}
	return name
}

func extensionFor(contentType string) string {
	if contentType == "" {
		return ""
	}
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	// ExtensionsByType order is platform-dependent; prefer the common ones.
	preferred := map[string]string{
		"image/jpeg": ".jpg",
		"text/plain": ".txt",
		"text/html":  ".html",
	}
	if ext, ok := preferred[contentType]; ok {
		return ext
	}
	return exts[0]
}
