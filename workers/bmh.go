// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package workers

// BMHFilter is a Boyer-Moore-Horspool substring filter, used by Scan
// to test a key or value against a requested substring without
// allocating per-candidate. An empty pattern matches everything.
//
// No library in the ecosystem pack exposes a reusable, precomputed
// BMH searcher over arbitrary byte slices (stdlib's bytes.Contains is
// a one-shot naive/Rabin-Karp hybrid that recomputes its own tables on
// every call); this filter precomputes its shift table once per Scan
// request and reuses it across every candidate key/value.
type BMHFilter struct {
	pattern []byte
	shift   [256]int
}

// NewBMHFilter precomputes the bad-character shift table for pattern.
func NewBMHFilter(pattern []byte) *BMHFilter {
	f := &BMHFilter{pattern: pattern}
	n := len(pattern)
	for i := range f.shift {
		f.shift[i] = n
	}
	for i := 0; i < n-1; i++ {
		f.shift[pattern[i]] = n - 1 - i
	}
	return f
}

// Match reports whether text contains the filter's pattern.
func (f *BMHFilter) Match(text []byte) bool {
	n := len(f.pattern)
	if n == 0 {
		return true
	}
	if len(text) < n {
		return false
	}
	i := 0
	for i <= len(text)-n {
		j := n - 1
		for j >= 0 && text[i+j] == f.pattern[j] {
			j--
		}
		if j < 0 {
			return true
		}
		i += f.shift[text[i+n-1]]
	}
	return false
}
