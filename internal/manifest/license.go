package manifest

import (
	"encoding/json"
	"strings"
)

// License is a manifest license field. Registry documents carry it as a
// plain SPDX string, an object {type, url}, or an array of such objects;
// all forms collapse to the normalized identifier.
type License string

// UnmarshalJSON accepts string, object, and array license forms.
func (l *License) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = License(normalizeSPDX(s))

		return nil
	}

	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		*l = License(normalizeSPDX(obj.Type))

		return nil
	}

	var list []struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &list); err == nil {
		types := make([]string, 0, len(list))
		for _, o := range list {
			if o.Type != "" {
				types = append(types, normalizeSPDX(o.Type))
			}
		}

		*l = License(strings.Join(types, " OR "))

		return nil
	}

	// Unknown shapes degrade to absent rather than failing the manifest.
	*l = ""

	return nil
}

// spdxCorrections maps the identifiers most commonly misspelled in
// manifests to their SPDX form.
var spdxCorrections = map[string]string{
	"apache":       "Apache-2.0",
	"apache 2":     "Apache-2.0",
	"apache 2.0":   "Apache-2.0",
	"apache2":      "Apache-2.0",
	"apache-2":     "Apache-2.0",
	"apachev2":     "Apache-2.0",
	"bsd":          "BSD-2-Clause",
	"bsd-2":        "BSD-2-Clause",
	"bsd-3":        "BSD-3-Clause",
	"bsd3":         "BSD-3-Clause",
	"gpl":          "GPL-3.0-or-later",
	"gplv2":        "GPL-2.0-only",
	"gplv3":        "GPL-3.0-only",
	"lgpl":         "LGPL-3.0-or-later",
	"mit":          "MIT",
	"mit license":  "MIT",
	"mit licence":  "MIT",
	"isc":          "ISC",
	"isc license":  "ISC",
	"mozilla":      "MPL-2.0",
	"mpl":          "MPL-2.0",
	"mpl2":         "MPL-2.0",
	"unlicense":    "Unlicense",
	"unlicensed":   "Unlicense",
	"wtf":          "WTFPL",
	"wtfpl":        "WTFPL",
	"public domain": "Unlicense",
}

// normalizeSPDX maps common license misspellings onto SPDX identifiers.
// Identifiers already in SPDX form pass through unchanged.
func normalizeSPDX(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	if corrected, ok := spdxCorrections[strings.ToLower(s)]; ok {
		return corrected
	}

	return s
}
