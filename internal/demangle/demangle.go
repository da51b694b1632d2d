// Package demangle decodes the mangled class names found in RTTI records:
// MSVC type descriptor names (".?AVFoo@Bar@@") and the Itanium vtable,
// VTT, construction vtable, and typeinfo symbol families ("_ZTV", "_ZTT",
// "_ZTC", "_ZTI"). It covers class names only, not function signatures.
package demangle

import (
	"errors"
	"strconv"
	"strings"
)

// Errors
var (
	ErrEmptyInput     = errors.New("demangle: empty input")
	ErrInvalidMangled = errors.New("demangle: invalid mangled name")
	ErrUnexpectedEnd  = errors.New("demangle: unexpected end of input")
)

// Kind identifies the user-defined type category encoded in an MSVC name.
type Kind int

const (
	KindUnknown Kind = iota
	KindClass
	KindStruct
	KindUnion
	KindEnum
)

func (k Kind) String() string {
	switch k {
	case KindClass:
		return "class"
	case KindStruct:
		return "struct"
	case KindUnion:
		return "union"
	case KindEnum:
		return "enum"
	default:
		return "unknown"
	}
}

// ClassName is a decoded, namespace-qualified class name.
type ClassName struct {
	// Components holds the name parts outermost first
	// (e.g. ["std", "exception"]).
	Components []string
	Kind       Kind
}

// String returns the qualified name joined with "::".
func (n ClassName) String() string {
	return strings.Join(n.Components, "::")
}

// Name returns the unqualified (innermost) component.
func (n ClassName) Name() string {
	if len(n.Components) == 0 {
		return ""
	}
	return n.Components[len(n.Components)-1]
}

// Namespace returns the enclosing namespace, "" for top-level names.
func (n ClassName) Namespace() string {
	if len(n.Components) < 2 {
		return ""
	}
	return strings.Join(n.Components[:len(n.Components)-1], "::")
}

// MSVCTypeName decodes an MSVC type descriptor name of the form
// ".?AVinner@outer@@". Components are stored innermost-first in the
// mangled form and reversed here.
func MSVCTypeName(decorated string) (ClassName, error) {
	if decorated == "" {
		return ClassName{}, ErrEmptyInput
	}
	rest, ok := strings.CutPrefix(decorated, ".?A")
	if !ok {
		return ClassName{}, ErrInvalidMangled
	}
	if rest == "" {
		return ClassName{}, ErrUnexpectedEnd
	}

	kind := KindUnknown
	switch rest[0] {
	case 'V':
		kind = KindClass
	case 'U':
		kind = KindStruct
	case 'T':
		kind = KindUnion
	case 'W':
		kind = KindEnum
		// enum names carry a "W4" prefix for the underlying type
		if len(rest) > 1 && rest[1] == '4' {
			rest = rest[1:]
		}
	default:
		return ClassName{}, ErrInvalidMangled
	}
	rest = rest[1:]

	body, ok := strings.CutSuffix(rest, "@@")
	if !ok || body == "" {
		return ClassName{}, ErrInvalidMangled
	}

	parts := strings.Split(body, "@")
	for _, p := range parts {
		if p == "" {
			return ClassName{}, ErrInvalidMangled
		}
	}
	// mangled order is innermost first
	components := make([]string, len(parts))
	for i, p := range parts {
		components[len(parts)-1-i] = p
	}
	return ClassName{Components: components, Kind: kind}, nil
}

// Itanium special-symbol prefixes.
const (
	prefixVtable             = "_ZTV"
	prefixVTT                = "_ZTT"
	prefixConstructionVtable = "_ZTC"
	prefixTypeInfo           = "_ZTI"
	prefixTypeInfoName       = "_ZTS"
)

// IsItaniumVtable reports whether sym names a vtable.
func IsItaniumVtable(sym string) bool {
	return strings.HasPrefix(sym, prefixVtable)
}

// IsItaniumVTT reports whether sym names a virtual table table.
func IsItaniumVTT(sym string) bool {
	return strings.HasPrefix(sym, prefixVTT)
}

// IsItaniumConstructionVtable reports whether sym names a construction vtable.
func IsItaniumConstructionVtable(sym string) bool {
	return strings.HasPrefix(sym, prefixConstructionVtable)
}

// IsItaniumTypeInfo reports whether sym names a typeinfo object.
func IsItaniumTypeInfo(sym string) bool {
	return strings.HasPrefix(sym, prefixTypeInfo)
}

// ItaniumClassName decodes the class name from a vtable, VTT, construction
// vtable, or typeinfo symbol, or from a bare typeinfo name string such as
// the "3Foo" / "N3foo3BarE" forms stored in __type_info.__name.
func ItaniumClassName(sym string) (ClassName, error) {
	if sym == "" {
		return ClassName{}, ErrEmptyInput
	}
	for _, p := range []string{
		prefixVtable, prefixVTT, prefixConstructionVtable,
		prefixTypeInfo, prefixTypeInfoName,
	} {
		if rest, ok := strings.CutPrefix(sym, p); ok {
			return itaniumName(rest)
		}
	}
	return itaniumName(sym)
}

func itaniumName(s string) (ClassName, error) {
	if s == "" {
		return ClassName{}, ErrUnexpectedEnd
	}
	if s[0] == 'N' {
		components, _, err := itaniumNested(s[1:])
		if err != nil {
			return ClassName{}, err
		}
		return ClassName{Components: components, Kind: KindClass}, nil
	}
	name, _, err := itaniumSourceName(s)
	if err != nil {
		return ClassName{}, err
	}
	return ClassName{Components: []string{name}, Kind: KindClass}, nil
}

// itaniumNested parses length-prefixed components up to the closing 'E'.
// Trailing text after 'E' is tolerated; construction vtable symbols carry
// a "-in-" suffix there.
func itaniumNested(s string) ([]string, string, error) {
	var components []string
	for {
		if s == "" {
			return nil, "", ErrUnexpectedEnd
		}
		if s[0] == 'E' {
			if len(components) == 0 {
				return nil, "", ErrInvalidMangled
			}
			return components, s[1:], nil
		}
		name, rest, err := itaniumSourceName(s)
		if err != nil {
			return nil, "", err
		}
		components = append(components, name)
		s = rest
	}
}

// itaniumSourceName parses one <length><identifier> component.
func itaniumSourceName(s string) (string, string, error) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return "", "", ErrInvalidMangled
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil || n <= 0 || i+n > len(s) {
		return "", "", ErrInvalidMangled
	}
	return s[i : i+n], s[i+n:], nil
}
