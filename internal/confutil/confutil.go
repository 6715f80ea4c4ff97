/*
 * Copyright © 2024 Kaleido, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with
 * the License. You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on
 * an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the License for the
 * specific language governing permissions and limitations under the License.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package confutil provides small helpers for turning optional pointer-typed
// configuration fields into concrete values with defaults applied.
package confutil

import "time"

// P returns a pointer to the given value, for building struct literals of
// optional configuration fields inline.
func P[T any](v T) *T {
	return &v
}

// Int returns *v if set, otherwise the default.
func Int(v *int, defaultValue int) int {
	if v == nil {
		return defaultValue
	}
	return *v
}

// Bool returns *v if set, otherwise the default.
func Bool(v *bool, defaultValue bool) bool {
	if v == nil {
		return defaultValue
	}
	return *v
}

// String returns *v if set, otherwise the default.
func String(v *string, defaultValue string) string {
	if v == nil || *v == "" {
		return defaultValue
	}
	return *v
}

// DurationMin parses v (or defaultStr if v is nil) as a Go duration, clamping
// the result to be no smaller than min. An unparsable value falls back to min.
func DurationMin(v *string, min time.Duration, defaultStr string) time.Duration {
	s := defaultStr
	if v != nil && *v != "" {
		s = *v
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < min {
		return min
	}
	return d
}

// IntMinMax clamps v (or defaultValue if nil) into [minVal, maxVal].
func IntMinMax(v *int, minVal, maxVal, defaultValue int) int {
	n := Int(v, defaultValue)
	if n < minVal {
		return minVal
	}
	if n > maxVal {
		return maxVal
	}
	return n
}
