// Package permission evaluates boolean capability expressions such as
// "sales.view|reports.view", "users.manage&users.impersonate" or
// "!pos.locked" against a principal.
package permission

import (
	"strings"

	"branchgate.org/internal/deny"
)

// Mode is the composition of the terms.
type Mode string

const (
	ModeDefault Mode = ""
	ModeAny     Mode = "any"
	ModeAll     Mode = "all"
)

// Expression is a parsed permission spec. Negated applies to the composed
// result, not to individual terms.
type Expression struct {
	Terms   []string
	Mode    Mode
	Negated bool
}

// Parse reads spec. "&" selects all-mode; "|" and "," select any-mode, which
// mode may turn into all-mode. Mixing "&" with "|" or "," is rejected:
// there is no precedence to guess from.
func Parse(spec string, mode Mode) (Expression, error) {
	raw := strings.TrimSpace(spec)
	var expr Expression

	if strings.HasPrefix(raw, "!") {
		expr.Negated = true
		raw = strings.TrimSpace(raw[1:])
		if strings.HasPrefix(raw, "!") {
			return Expression{}, configError(spec, "double negation is not supported")
		}
	}

	hasAnd := strings.Contains(raw, "&")
	hasOr := strings.ContainsAny(raw, "|,")
	var parts []string
	switch {
	case hasAnd && hasOr:
		return Expression{}, configError(spec, "cannot mix & with | or , in one permission spec")
	case hasAnd:
		parts = strings.Split(raw, "&")
		expr.Mode = ModeAll
	default:
		parts = strings.FieldsFunc(raw, func(r rune) bool { return r == '|' || r == ',' })
		expr.Mode = ModeAny
		if mode == ModeAll {
			expr.Mode = ModeAll
		}
	}

	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "!") {
			return Expression{}, configError(spec, "negation applies to the whole spec, not to single terms")
		}
		expr.Terms = append(expr.Terms, p)
	}
	if len(expr.Terms) == 0 {
		return Expression{}, configError(spec, "permission spec has no capability terms")
	}
	return expr, nil
}

func configError(spec, msg string) error {
	return deny.New(deny.KindConfigError, "%s", msg).WithMeta("spec", spec)
}

// String renders the expression back in canonical form.
func (e Expression) String() string {
	sep := "|"
	if e.Mode == ModeAll {
		sep = "&"
	}
	s := strings.Join(e.Terms, sep)
	if e.Negated {
		s = "!" + s
	}
	return s
}
