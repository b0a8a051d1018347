package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mjansson/luau/pkg/ast"
)

// Simple is a reference Parser implementation covering the statement and
// expression subset the reference checker understands: local declarations,
// returns, calls, dotted chains, literals and binary operators. The
// production parser satisfies the same interface.
type Simple struct{}

// Parse implements Parser.
func (Simple) Parse(name, source string, options ParseOptions) ParseResult {
	p := &simpleParser{
		source:  source,
		options: options,
	}
	p.tokenize()

	root := p.parseBlock()

	return ParseResult{
		Root:             root,
		Lines:            p.lines,
		Errors:           p.errors,
		HotComments:      p.hotComments,
		CommentLocations: p.comments,
	}
}

// ---------------------------------------------------------------------------
// Lexer
// ---------------------------------------------------------------------------

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokName
	tokNumber
	tokString
	tokKeyword
	tokOp
)

type token struct {
	kind     tokenKind
	text     string
	location ast.Location
}

var keywords = map[string]bool{
	"local": true, "return": true, "nil": true, "true": true, "false": true,
	"function": true, "end": true, "if": true, "then": true, "else": true,
	"elseif": true, "for": true, "while": true, "do": true, "repeat": true,
	"until": true, "break": true, "continue": true, "in": true,
	"and": true, "or": true, "not": true,
}

type simpleParser struct {
	source  string
	options ParseOptions

	tokens []token
	pos    int

	lines       int
	errors      []ParseError
	hotComments []ast.HotComment
	comments    []ast.Comment

	locals map[string]bool
}

func (p *simpleParser) tokenize() {
	line, col := uint32(0), uint32(0)
	i := 0
	src := p.source
	sawToken := false

	position := func() ast.Position { return ast.Position{Line: line, Column: col} }
	advance := func(n int) {
		for k := 0; k < n; k++ {
			if src[i+k] == '\n' {
				line++
				col = 0
			} else {
				col++
			}
		}
		i += n
	}

	for i < len(src) {
		c := src[i]

		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			advance(1)

		case c == '-' && i+1 < len(src) && src[i+1] == '-':
			begin := position()
			j := i
			for j < len(src) && src[j] != '\n' {
				j++
			}
			text := src[i:j]
			content := strings.TrimPrefix(text, "--")
			loc := ast.Location{Begin: begin, End: ast.Position{Line: line, Column: col + uint32(j-i)}}

			if strings.HasPrefix(content, "!") {
				p.hotComments = append(p.hotComments, ast.HotComment{
					Header:   !sawToken,
					Location: loc,
					Content:  strings.TrimSpace(strings.TrimPrefix(content, "!")),
				})
			} else if p.options.CaptureComments {
				p.comments = append(p.comments, ast.Comment{Location: loc, Text: content})
			}
			advance(j - i)

		case c == '"' || c == '\'':
			begin := position()
			quote := c
			j := i + 1
			for j < len(src) && src[j] != quote && src[j] != '\n' {
				j++
			}
			if j >= len(src) || src[j] != quote {
				p.errors = append(p.errors, ParseError{
					Location: ast.Location{Begin: begin, End: position()},
					Message:  "Malformed string; did you forget to finish it?",
				})
				advance(j - i)
				continue
			}
			value := src[i+1 : j]
			advance(j - i + 1)
			p.tokens = append(p.tokens, token{kind: tokString, text: value,
				location: ast.Location{Begin: begin, End: position()}})
			sawToken = true

		case c >= '0' && c <= '9':
			begin := position()
			j := i
			for j < len(src) && (src[j] == '.' || src[j] == 'x' || src[j] == 'X' ||
				(src[j] >= '0' && src[j] <= '9') || (src[j] >= 'a' && src[j] <= 'f') || (src[j] >= 'A' && src[j] <= 'F')) {
				j++
			}
			text := src[i:j]
			advance(j - i)
			p.tokens = append(p.tokens, token{kind: tokNumber, text: text,
				location: ast.Location{Begin: begin, End: position()}})
			sawToken = true

		case isNameStart(c):
			begin := position()
			j := i
			for j < len(src) && isNameChar(src[j]) {
				j++
			}
			text := src[i:j]
			advance(j - i)
			kind := tokName
			if keywords[text] {
				kind = tokKeyword
			}
			p.tokens = append(p.tokens, token{kind: kind, text: text,
				location: ast.Location{Begin: begin, End: position()}})
			sawToken = true

		default:
			begin := position()
			text := string(c)
			if i+1 < len(src) {
				two := src[i : i+2]
				switch two {
				case "==", "~=", "<=", ">=", "..":
					text = two
				}
			}
			advance(len(text))
			p.tokens = append(p.tokens, token{kind: tokOp, text: text,
				location: ast.Location{Begin: begin, End: position()}})
			sawToken = true
		}
	}

	p.lines = int(line) + 1
	p.tokens = append(p.tokens, token{kind: tokEOF, location: ast.Location{
		Begin: position(), End: position()}})
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}

// ---------------------------------------------------------------------------
// Parser
// ---------------------------------------------------------------------------

func (p *simpleParser) peek() token { return p.tokens[p.pos] }
func (p *simpleParser) next() token { t := p.tokens[p.pos]; p.pos++; return t }
func (p *simpleParser) atEOF() bool { return p.tokens[p.pos].kind == tokEOF }

func (p *simpleParser) errorAt(loc ast.Location, format string, args ...any) {
	p.errors = append(p.errors, ParseError{Location: loc, Message: fmt.Sprintf(format, args...)})
}

// skipToRecovery advances past the current statement after a syntax error.
func (p *simpleParser) skipToRecovery() {
	startLine := p.peek().location.Begin.Line
	for !p.atEOF() && p.peek().location.Begin.Line == startLine {
		p.next()
	}
}

func (p *simpleParser) parseBlock() *ast.StatBlock {
	p.locals = make(map[string]bool)

	var body []ast.Stat
	begin := p.peek().location

	for !p.atEOF() {
		stat := p.parseStatement()
		if stat != nil {
			body = append(body, stat)
		}
	}

	end := p.peek().location
	return ast.NewBlock(ast.Location{Begin: begin.Begin, End: end.End}, body)
}

func (p *simpleParser) parseStatement() ast.Stat {
	t := p.peek()

	switch {
	case t.kind == tokKeyword && t.text == "local":
		return p.parseLocal()
	case t.kind == tokKeyword && t.text == "return":
		return p.parseReturn()
	case t.kind == tokName:
		expr := p.parseExpr()
		if expr == nil {
			return nil
		}
		return &ast.StatExpr{Expr: expr}
	default:
		p.errorAt(t.location, "Incomplete statement: expected assignment or a function call")
		p.skipToRecovery()
		return nil
	}
}

func (p *simpleParser) parseLocal() ast.Stat {
	local := p.next() // 'local'

	var names []string
	for {
		t := p.peek()
		if t.kind != tokName {
			p.errorAt(t.location, "Expected identifier when parsing variable name, got '%s'", t.text)
			p.skipToRecovery()
			return nil
		}
		p.next()
		names = append(names, t.text)
		p.locals[t.text] = true

		if p.peek().kind == tokOp && p.peek().text == "," {
			p.next()
			continue
		}
		break
	}

	var values []ast.Expr
	if p.peek().kind == tokOp && p.peek().text == "=" {
		p.next()
		for {
			e := p.parseExpr()
			if e == nil {
				break
			}
			values = append(values, e)
			if p.peek().kind == tokOp && p.peek().text == "," {
				p.next()
				continue
			}
			break
		}
	}

	stat := &ast.StatLocal{Names: names, Values: values}
	stat.Location = local.location
	return stat
}

func (p *simpleParser) parseReturn() ast.Stat {
	ret := p.next() // 'return'

	var values []ast.Expr
	if !p.atEOF() && !(p.peek().kind == tokKeyword && p.peek().text == "end") {
		for {
			e := p.parseExpr()
			if e == nil {
				break
			}
			values = append(values, e)
			if p.peek().kind == tokOp && p.peek().text == "," {
				p.next()
				continue
			}
			break
		}
	}

	stat := &ast.StatReturn{Values: values}
	stat.Location = ret.location
	return stat
}

var binaryPrecedence = map[string]int{
	"or": 1, "and": 2,
	"==": 3, "~=": 3, "<": 3, "<=": 3, ">": 3, ">=": 3,
	"..": 4,
	"+":  5, "-": 5,
	"*": 6, "/": 6, "%": 6,
	"^": 7,
}

func (p *simpleParser) parseExpr() ast.Expr {
	return p.parseBinary(0)
}

func (p *simpleParser) parseBinary(minPrec int) ast.Expr {
	left := p.parsePrimary()
	if left == nil {
		return nil
	}

	for {
		t := p.peek()
		op := t.text
		if t.kind == tokKeyword && (op == "and" || op == "or") {
			// treated as operators
		} else if t.kind != tokOp {
			return left
		}
		prec, ok := binaryPrecedence[op]
		if !ok || prec < minPrec {
			return left
		}
		p.next()

		right := p.parseBinary(prec + 1)
		if right == nil {
			return left
		}

		bin := &ast.ExprBinary{Op: op, Left: left, Right: right}
		bin.Location = ast.Location{Begin: left.Loc().Begin, End: right.Loc().End}
		left = bin
	}
}

func (p *simpleParser) parsePrimary() ast.Expr {
	t := p.peek()

	switch t.kind {
	case tokString:
		p.next()
		e := &ast.ExprConstantString{Value: t.text}
		e.Location = t.location
		return e

	case tokNumber:
		p.next()
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			p.errorAt(t.location, "Malformed number")
		}
		e := &ast.ExprConstantNumber{Value: n}
		e.Location = t.location
		return e

	case tokKeyword:
		switch t.text {
		case "nil":
			p.next()
			e := &ast.ExprConstantNil{}
			e.Location = t.location
			return e
		case "true", "false":
			p.next()
			e := &ast.ExprConstantBool{Value: t.text == "true"}
			e.Location = t.location
			return e
		}

	case tokName:
		p.next()
		var expr ast.Expr
		if p.locals[t.text] {
			e := &ast.ExprLocal{Name: t.text}
			e.Location = t.location
			expr = e
		} else {
			e := &ast.ExprGlobal{Name: t.text}
			e.Location = t.location
			expr = e
		}
		return p.parseSuffixes(expr)

	case tokOp:
		if t.text == "(" {
			p.next()
			inner := p.parseExpr()
			if p.peek().kind == tokOp && p.peek().text == ")" {
				p.next()
			} else {
				p.errorAt(p.peek().location, "Expected ')' (to close '(' at column %d)", t.location.Begin.Column+1)
			}
			return p.parseSuffixes(inner)
		}
	}

	p.errorAt(t.location, "Expected expression, got '%s'", t.text)
	p.skipToRecovery()
	return nil
}

func (p *simpleParser) parseSuffixes(base ast.Expr) ast.Expr {
	for base != nil {
		t := p.peek()
		if t.kind != tokOp {
			return base
		}

		switch t.text {
		case ".":
			p.next()
			nameTok := p.peek()
			if nameTok.kind != tokName {
				p.errorAt(nameTok.location, "Expected identifier after '.', got '%s'", nameTok.text)
				return base
			}
			p.next()
			e := &ast.ExprIndexName{Expr: base, Index: nameTok.text, IndexLocation: nameTok.location}
			e.Location = ast.Location{Begin: base.Loc().Begin, End: nameTok.location.End}
			base = e

		case "(":
			open := p.next()
			var args []ast.Expr
			if !(p.peek().kind == tokOp && p.peek().text == ")") {
				for {
					a := p.parseExpr()
					if a == nil {
						break
					}
					args = append(args, a)
					if p.peek().kind == tokOp && p.peek().text == "," {
						p.next()
						continue
					}
					break
				}
			}
			end := p.peek().location
			if p.peek().kind == tokOp && p.peek().text == ")" {
				p.next()
			} else {
				p.errorAt(p.peek().location, "Expected ')' (to close '(' at column %d)", open.location.Begin.Column+1)
			}
			e := &ast.ExprCall{Func: base, Args: args}
			e.Location = ast.Location{Begin: base.Loc().Begin, End: end.End}
			base = e

		default:
			return base
		}
	}
	return base
}
