package analysis

import (
	"strings"

	"github.com/mjansson/luau/pkg/ast"
)

// LintCode identifies a lint rule.
type LintCode int

const (
	LintUnknown LintCode = iota
	LintUnknownGlobal
	LintDeprecatedGlobal
	LintGlobalUsedAsLocal
	LintLocalShadow
	LintSameLineStatement
	LintMultiLineStatement
	LintLocalUnused
	LintImplicitReturn
	LintUnreachableCode
	LintUnknownType
	LintForRange
	LintUnbalancedAssignment
	LintDuplicateLocal
	LintFormatString
	LintTableLiteral
	LintUninitializedLocal
	LintDuplicateFunction
	LintComparisonPrecedence

	lintCodeCount
)

var lintCodeNames = [lintCodeCount]string{
	LintUnknown: "Unknown", LintUnknownGlobal: "UnknownGlobal",
	LintDeprecatedGlobal: "DeprecatedGlobal", LintGlobalUsedAsLocal: "GlobalUsedAsLocal",
	LintLocalShadow: "LocalShadow", LintSameLineStatement: "SameLineStatement",
	LintMultiLineStatement: "MultiLineStatement", LintLocalUnused: "LocalUnused",
	LintImplicitReturn: "ImplicitReturn", LintUnreachableCode: "UnreachableCode",
	LintUnknownType: "UnknownType", LintForRange: "ForRange",
	LintUnbalancedAssignment: "UnbalancedAssignment", LintDuplicateLocal: "DuplicateLocal",
	LintFormatString: "FormatString", LintTableLiteral: "TableLiteral",
	LintUninitializedLocal: "UninitializedLocal", LintDuplicateFunction: "DuplicateFunction",
	LintComparisonPrecedence: "ComparisonPrecedence",
}

// Name returns the rule name used in directives and configuration.
func (c LintCode) Name() string {
	if int(c) < len(lintCodeNames) {
		return lintCodeNames[c]
	}
	return "Unknown"
}

// LintCodeByName resolves a rule name, case-insensitively.
func LintCodeByName(name string) (LintCode, bool) {
	for i, n := range lintCodeNames {
		if strings.EqualFold(n, name) {
			return LintCode(i), true
		}
	}
	return LintUnknown, false
}

// LintWarning is one lint diagnostic.
type LintWarning struct {
	Code     LintCode
	Location ast.Location
	Text     string
}

// LintOptions is a warning bitmask.
type LintOptions struct {
	WarningMask uint64
}

// EnableWarning turns a rule on.
func (o *LintOptions) EnableWarning(code LintCode) {
	o.WarningMask |= uint64(1) << uint(code)
}

// DisableWarning turns a rule off.
func (o *LintOptions) DisableWarning(code LintCode) {
	o.WarningMask &^= uint64(1) << uint(code)
}

// IsEnabled reports whether a rule is on.
func (o LintOptions) IsEnabled(code LintCode) bool {
	return o.WarningMask&(uint64(1)<<uint(code)) != 0
}

// EnableAllWarnings turns every known rule on.
func (o *LintOptions) EnableAllWarnings() {
	o.WarningMask = (uint64(1) << uint(lintCodeCount)) - 1
}

// ParseLintMask extracts the ignore mask from "!nolint" hot-comments: a bare
// nolint suppresses everything, "nolint Name" suppresses one rule.
func ParseLintMask(hotcomments []ast.HotComment) uint64 {
	var mask uint64

	for _, hc := range hotcomments {
		if !hc.Header {
			continue
		}

		fields := strings.Fields(hc.Content)
		if len(fields) == 0 || fields[0] != "nolint" {
			continue
		}

		if len(fields) == 1 {
			return ^uint64(0)
		}

		for _, name := range fields[1:] {
			if code, ok := LintCodeByName(name); ok {
				mask |= uint64(1) << uint(code)
			}
		}
	}

	return mask
}

// Linter is the lint collaborator.
type Linter interface {
	Lint(root *ast.StatBlock, scope *Scope, module *Module, hotcomments []ast.HotComment, options LintOptions) []LintWarning
}

// LintResult partitions warnings by severity according to project
// configuration.
type LintResult struct {
	Errors   []LintWarning
	Warnings []LintWarning
}
