package analysis

import "github.com/mjansson/luau/pkg/ast"

// Mode selects how strictly a module is checked.
type Mode int

const (
	// ModeNoCheck parses and resolves requires but skips type inference.
	ModeNoCheck Mode = iota
	// ModeNonstrict infers permissively and reports only definite errors.
	ModeNonstrict
	// ModeStrict requires annotations to be respected and reports every
	// inconsistency.
	ModeStrict
	// ModeDefinition is used for environment definition files.
	ModeDefinition
)

var modeNames = map[Mode]string{
	ModeNoCheck: "nocheck", ModeNonstrict: "nonstrict",
	ModeStrict: "strict", ModeDefinition: "definition",
}

func (m Mode) String() string { return modeNames[m] }

// ParseMode extracts a mode directive from header hot-comments. The first
// recognized directive wins; ok is false when no directive is present.
func ParseMode(hotcomments []ast.HotComment) (mode Mode, ok bool) {
	for _, hc := range hotcomments {
		if !hc.Header {
			continue
		}

		switch hc.Content {
		case "nocheck":
			return ModeNoCheck, true
		case "nonstrict":
			return ModeNonstrict, true
		case "strict":
			return ModeStrict, true
		}
	}

	return ModeNonstrict, false
}
