package spec

import (
	"github.com/cockroachdb/errors"
	"github.com/compose-spec/compose-go/v2/template"
)

// LookupFunc resolves a variable name. ok is false when the variable is unset.
type LookupFunc func(name string) (value string, ok bool)

// MapLookup returns a LookupFunc backed by a map.
func MapLookup(vars map[string]string) LookupFunc {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

// Interpolate expands variable references in s with compose semantics:
//
//	$$                 literal $
//	$NAME, ${NAME}     value, or empty when unset
//	${NAME:-default}   default when unset or empty
//	${NAME-default}    default when unset
//	${NAME:?message}   error when unset or empty
//	${NAME?message}    error when unset
//	${NAME:+alt}       alt when set and non-empty
//	${NAME+alt}        alt when set
//
// Defaults and alternates are themselves interpolated, so nesting works.
func Interpolate(s string, lookup LookupFunc) (string, error) {
	out, err := template.Substitute(s, template.Mapping(lookup))
	if err != nil {
		return "", errors.WithStack(err)
	}
	return out, nil
}
