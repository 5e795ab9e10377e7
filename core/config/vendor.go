// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config

import "strings"

// IsVendorDefault applies the container-naming heuristic that marks
// platform-supplied items: a containing folder or snippet whose name
// carries the reserved "predefined" token or a "-default" suffix.
// This is a heuristic classifier, not an authoritative schema field;
// misclassification is expected and non-fatal, and nothing downstream
// treats the flag as authoritative.
func IsVendorDefault(folder, snippet string) bool {
	return isVendorContainer(folder) || isVendorContainer(snippet)
}

func isVendorContainer(name string) bool {
	if name == "" {
		return false
	}
	lowered := strings.ToLower(name)
	if strings.Contains(lowered, "predefined") {
		return true
	}
	return strings.HasSuffix(lowered, "-default") || lowered == "default"
}
