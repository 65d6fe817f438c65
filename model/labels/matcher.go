// Copyright 2017 The Prometheus Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package labels

// MatchType is the tagged union discriminant for a Matcher.
type MatchType int

const (
	MatchEqual MatchType = iota
	MatchNotEqual
)

func (m MatchType) String() string {
	switch m {
	case MatchEqual:
		return "="
	case MatchNotEqual:
		return "!="
	}
	return "<unknown match type>"
}

// Matcher constrains a label's value. Only equality and negated equality
// are implemented; anything beyond conjunction of these is out of scope.
type Matcher struct {
	Type  MatchType
	Name  string
	Value string
}

// NewEqualMatcher builds an Equal matcher.
func NewEqualMatcher(name, value string) *Matcher {
	return &Matcher{Type: MatchEqual, Name: name, Value: value}
}

// NewNotEqualMatcher builds a NotEqual matcher.
func NewNotEqualMatcher(name, value string) *Matcher {
	return &Matcher{Type: MatchNotEqual, Name: name, Value: value}
}

// Matches reports whether v satisfies the matcher.
func (m *Matcher) Matches(v string) bool {
	switch m.Type {
	case MatchEqual:
		return v == m.Value
	case MatchNotEqual:
		return v != m.Value
	}
	return false
}

func (m *Matcher) String() string {
	return m.Name + m.Type.String() + `"` + m.Value + `"`
}
