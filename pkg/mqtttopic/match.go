// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package mqtttopic implements the MQTT topic filter match shared by the
// MQTT and CoAP adapters.
package mqtttopic

import "strings"

// Matches reports whether topic matches filter. "#" terminates the filter
// and matches everything following, "+" matches exactly one segment, and
// topics starting with '$' are never matched by wildcards.
func Matches(topic, filter string) bool {
	if strings.HasPrefix(topic, "$") && (strings.ContainsAny(filter, "#+")) {
		return false
	}

	topics := strings.Split(topic, "/")
	filters := strings.Split(filter, "/")

	for i, f := range filters {
		// "#" being the last element is validated at subscribe time.
		if f == "#" {
			return true
		}

		// filter = a/b/c/# matches topic = a/b/c, filter = a/b/c/d does not
		if i >= len(topics) {
			return false
		}
		t := topics[i]
		if t == "#" {
			return false
		}
		if f == "+" {
			continue
		}
		if f != t {
			return false
		}
	}

	// topic has remaining elements and the filter's last element isn't "#"
	return len(topics) == len(filters)
}

// ValidFilter rejects filters where "#" is not terminal or "+" shares a
// segment with other characters.
func ValidFilter(filter string) bool {
	if filter == "" {
		return false
	}
	segs := strings.Split(filter, "/")
	for i, s := range segs {
		if strings.Contains(s, "#") && (s != "#" || i != len(segs)-1) {
			return false
		}
		if strings.Contains(s, "+") && s != "+" {
			return false
		}
	}
	return true
}
