package unit

import (
	"fmt"
	"sort"
	"strings"
)

// ElementKind identifies where a marker was attached.
type ElementKind uint8

const (
	KindType ElementKind = iota
	KindField
	KindMethod
	KindConstructor
)

var kindNames = [...]string{
	KindType:        "type",
	KindField:       "field",
	KindMethod:      "method",
	KindConstructor: "constructor",
}

func (k ElementKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k ElementKind) MarshalText() ([]byte, error) {
	if int(k) >= len(kindNames) {
		return nil, fmt.Errorf("unknown element kind %d", uint8(k))
	}
	return []byte(kindNames[k]), nil
}

func (k *ElementKind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind accepts the lower-case kind names, case-insensitively.
func ParseKind(s string) (ElementKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range kindNames {
		if n == name {
			return ElementKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown element kind %q", s)
}

// KindSet is a set of element kinds.
type KindSet uint8

func NewKindSet(kinds ...ElementKind) KindSet {
	var s KindSet
	for _, k := range kinds {
		s |= 1 << k
	}
	return s
}

func (s KindSet) Has(k ElementKind) bool {
	return s&(1<<k) != 0
}

func (s KindSet) Kinds() []ElementKind {
	var out []ElementKind
	for k := KindType; k <= KindConstructor; k++ {
		if s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// TypeMemberName is the member name reported for type-level matches.
const TypeMemberName = "<clinit>"

// ConstructorName is the member name that marks a method as a constructor.
const ConstructorName = "<init>"

// Match is one marker occurrence on one element. TypeName is dotted.
// Descriptor is only set for methods and constructors.
type Match struct {
	TypeName   string      `json:"typeName"`
	Kind       ElementKind `json:"kind"`
	MemberName string      `json:"memberName"`
	Marker     string      `json:"marker"`
	Descriptor string      `json:"descriptor,omitempty"`
}

func (m Match) String() string {
	switch m.Kind {
	case KindType:
		return fmt.Sprintf("%s @%s", m.TypeName, m.Marker)
	case KindField:
		return fmt.Sprintf("%s.%s @%s", m.TypeName, m.MemberName, m.Marker)
	default:
		return fmt.Sprintf("%s.%s%s @%s", m.TypeName, m.MemberName, m.Descriptor, m.Marker)
	}
}

// MarkerSet maps raw marker descriptors to the identifiers the caller asked
// for.
type MarkerSet struct {
	byRaw map[string]string
}

// NewMarkerSet accepts binary type names (a.b.C or a.b.Outer$Inner), slash
// names (a/b/C) or descriptors (La/b/C;).
func NewMarkerSet(ids ...string) (MarkerSet, error) {
	set := MarkerSet{byRaw: make(map[string]string, len(ids))}
	for _, id := range ids {
		raw, err := RawMarkerName(id)
		if err != nil {
			return MarkerSet{}, err
		}
		set.byRaw[raw] = externalMarkerName(raw)
	}
	return set, nil
}

// RawMarkerName converts a caller identifier into its descriptor form.
func RawMarkerName(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("empty marker name")
	}
	if strings.HasPrefix(id, "L") && strings.HasSuffix(id, ";") && len(id) > 2 {
		return id, nil
	}
	if strings.ContainsAny(id, ";[") {
		return "", fmt.Errorf("invalid marker name %q", id)
	}
	return "L" + strings.ReplaceAll(id, ".", "/") + ";", nil
}

func externalMarkerName(raw string) string {
	return strings.ReplaceAll(raw[1:len(raw)-1], "/", ".")
}

func (s MarkerSet) Len() int {
	return len(s.byRaw)
}

func (s MarkerSet) lookup(raw string) (string, bool) {
	id, ok := s.byRaw[raw]
	return id, ok
}

// Names returns the dotted marker names in sorted order.
func (s MarkerSet) Names() []string {
	out := make([]string, 0, len(s.byRaw))
	for _, id := range s.byRaw {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ExternalTypeName converts a slash-separated internal name into dotted form.
func ExternalTypeName(internal string) string {
	return strings.ReplaceAll(internal, "/", ".")
}
