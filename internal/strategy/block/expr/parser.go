package expr

import (
	"fmt"
	"math"
	"sort"
)

// Node is an expression tree node
type Node interface {
	node()
}

type (
	// Number is a numeric literal
	Number struct{ Value float64 }
	// Ident references a named column
	Ident struct{ Name string }
	// Unary applies - or ! to X
	Unary struct {
		Op string
		X  Node
	}
	// Binary applies an infix operator
	Binary struct {
		Op   string
		L, R Node
	}
	// Call invokes a whitelisted function
	Call struct {
		Func string
		Args []Node
	}
)

func (Number) node() {}
func (Ident) node()  {}
func (Unary) node()  {}
func (Binary) node() {}
func (Call) node()   {}

// UnknownFunctionError is returned for calls outside the whitelist
type UnknownFunctionError struct {
	Name string
}

func (e *UnknownFunctionError) Error() string {
	return fmt.Sprintf("unknown function %q", e.Name)
}

type funcSpec struct {
	minArgs, maxArgs int
	// window functions take a positive integer literal as their last argument
	window bool
}

var functions = map[string]funcSpec{
	"abs":   {1, 1, false},
	"sqrt":  {1, 1, false},
	"log":   {1, 1, false},
	"exp":   {1, 1, false},
	"sign":  {1, 1, false},
	"min":   {2, 8, false},
	"max":   {2, 8, false},
	"if":    {3, 3, false},
	"clamp": {3, 3, false},
	"lag":   {2, 2, true},
	"mean":  {2, 2, true},
	"std":   {2, 2, true},
}

// Functions lists the callable function names
func Functions() []string {
	names := make([]string, 0, len(functions))
	for name := range functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var binaryPrec = map[string]int{
	"||": 1,
	"&&": 2,
	"==": 3, "!=": 3,
	"<": 4, "<=": 4, ">": 4, ">=": 4,
	"+": 5, "-": 5,
	"*": 6, "/": 6, "%": 6,
	"^": 8,
}

const unaryPrec = 7

// Expr is a parsed expression
type Expr struct {
	Source string
	Root   Node
	idents []string
}

// Identifiers returns the distinct column names referenced, sorted
func (e *Expr) Identifiers() []string {
	return append([]string(nil), e.idents...)
}

// Parse parses and checks src
func Parse(src string) (*Expr, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens, idents: map[string]bool{}}
	if p.peek().kind == tokEOF {
		return nil, &SyntaxError{Pos: 0, Msg: "empty expression"}
	}
	root, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected %q", tok.text)}
	}

	idents := make([]string, 0, len(p.idents))
	for name := range p.idents {
		idents = append(idents, name)
	}
	sort.Strings(idents)
	return &Expr{Source: src, Root: root, idents: idents}, nil
}

type parser struct {
	tokens []token
	pos    int
	idents map[string]bool
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

// parseExpr is a precedence climbing loop; ^ is right associative
func (p *parser) parseExpr(minPrec int) (Node, error) {
	left, err := p.parsePrefix()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokOp {
			return left, nil
		}
		prec, ok := binaryPrec[tok.text]
		if !ok || prec < minPrec {
			return left, nil
		}
		p.next()
		nextMin := prec + 1
		if tok.text == "^" {
			nextMin = prec
		}
		right, err := p.parseExpr(nextMin)
		if err != nil {
			return nil, err
		}
		left = Binary{Op: tok.text, L: left, R: right}
	}
}

func (p *parser) parsePrefix() (Node, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		return Number{Value: tok.num}, nil
	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.parseCall(tok)
		}
		p.idents[tok.text] = true
		return Ident{Name: tok.text}, nil
	case tokLParen:
		inner, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, &SyntaxError{Pos: closing.pos, Msg: "expected )"}
		}
		return inner, nil
	case tokOp:
		if tok.text == "-" || tok.text == "!" || tok.text == "+" {
			x, err := p.parseExpr(unaryPrec)
			if err != nil {
				return nil, err
			}
			if tok.text == "+" {
				return x, nil
			}
			return Unary{Op: tok.text, X: x}, nil
		}
	case tokEOF:
		return nil, &SyntaxError{Pos: tok.pos, Msg: "unexpected end of expression"}
	}
	return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected %q", tok.text)}
}

func (p *parser) parseCall(name token) (Node, error) {
	spec, ok := functions[name.text]
	if !ok {
		return nil, &UnknownFunctionError{Name: name.text}
	}
	p.next() // (

	var args []Node
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if closing := p.next(); closing.kind != tokRParen {
		return nil, &SyntaxError{Pos: closing.pos, Msg: "expected ) after arguments"}
	}

	if len(args) < spec.minArgs || len(args) > spec.maxArgs {
		return nil, &SyntaxError{Pos: name.pos, Msg: fmt.Sprintf("%s takes %d..%d arguments, got %d", name.text, spec.minArgs, spec.maxArgs, len(args))}
	}
	if spec.window {
		n, ok := args[len(args)-1].(Number)
		if !ok || n.Value < 1 || n.Value != math.Trunc(n.Value) {
			return nil, &SyntaxError{Pos: name.pos, Msg: fmt.Sprintf("%s window must be a positive integer literal", name.text)}
		}
	}
	return Call{Func: name.text, Args: args}, nil
}
