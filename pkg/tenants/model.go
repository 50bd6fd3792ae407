package tenants

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrInvalidClaim = errors.New("tenant claim must be a string or a list of strings")

// Record is what the identity store keeps per subject.
type Record struct {
	Subject      string `json:"subject"`
	Tenants      Claim  `json:"tenant"`
	PasswordHash string `json:"-"`
}

// Claim is the tenant binding as it travels on the wire: either a single
// tenant string or a list of them. It is normalized to a Set before any
// comparison.
type Claim struct {
	single string
	multi  []string
	many   bool
}

func Single(t string) Claim { return Claim{single: t} }

func Multiple(ts ...string) Claim {
	return Claim{multi: append([]string(nil), ts...), many: true}
}

// IsMultiple reports whether the claim was given in list form.
func (c Claim) IsMultiple() bool { return c.many }

// Values returns the claim entries in their original order.
func (c Claim) Values() []string {
	if c.many {
		return append([]string(nil), c.multi...)
	}
	if c.single == "" {
		return nil
	}
	return []string{c.single}
}

// Normalize returns the claim as a set, dropping blank entries.
func (c Claim) Normalize() Set {
	s := Set{}
	for _, t := range c.Values() {
		if t = strings.TrimSpace(t); t != "" {
			s[t] = struct{}{}
		}
	}
	return s
}

// Empty is true when no non-blank tenant is present.
func (c Claim) Empty() bool { return c.Normalize().Len() == 0 }

func (c Claim) MarshalJSON() ([]byte, error) {
	if c.many {
		if c.multi == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(c.multi)
	}
	return json.Marshal(c.single)
}

func (c *Claim) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ClaimFromAny(v)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ClaimFromAny converts a decoded JSON value (string, []string or []any of
// strings) into a Claim.
func ClaimFromAny(v any) (Claim, error) {
	switch t := v.(type) {
	case string:
		return Single(t), nil
	case []string:
		return Multiple(t...), nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return Claim{}, fmt.Errorf("%w: got element of type %T", ErrInvalidClaim, item)
			}
			out = append(out, s)
		}
		return Multiple(out...), nil
	default:
		return Claim{}, fmt.Errorf("%w: got %T", ErrInvalidClaim, v)
	}
}

// Set is a normalized tenant set.
type Set map[string]struct{}

func NewSet(ts ...string) Set { return Multiple(ts...).Normalize() }

func (s Set) Len() int { return len(s) }

func (s Set) Has(t string) bool {
	_, ok := s[t]
	return ok
}

// Equal is exact set equality: order and duplicates are irrelevant, extra or
// missing members are not.
func (s Set) Equal(o Set) bool {
	if len(s) != len(o) {
		return false
	}
	for t := range s {
		if _, ok := o[t]; !ok {
			return false
		}
	}
	return true
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
