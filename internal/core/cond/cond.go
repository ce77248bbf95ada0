// Package cond compiles and evaluates task gating conditions.
//
// A condition combines signal tests ("name" or a bare name) and state tests
// (State::Variant) with &&, || and !, and may group terms with parentheses.
// && binds tighter than ||; both associate left to right.
//
//	"sig1" && "sig2" || "sig3" && GameState::Playing
package cond

import (
	"fmt"
	"sort"
	"strings"
)

// Env is what a condition is evaluated against.
type Env interface {
	HasSignal(name string) bool
	StateIs(state, variant string) bool
}

// Expr is a compiled condition.
type Expr interface {
	Eval(env Env) bool
	String() string
}

// StateTest is one State::Variant term.
type StateTest struct {
	State   string
	Variant string
}

type signalTerm struct{ name string }

func (t signalTerm) Eval(env Env) bool { return env.HasSignal(t.name) }
func (t signalTerm) String() string    { return fmt.Sprintf("%q", t.name) }

type stateTerm struct{ test StateTest }

func (t stateTerm) Eval(env Env) bool { return env.StateIs(t.test.State, t.test.Variant) }
func (t stateTerm) String() string    { return t.test.State + "::" + t.test.Variant }

type notExpr struct{ x Expr }

func (e notExpr) Eval(env Env) bool { return !e.x.Eval(env) }
func (e notExpr) String() string    { return "!" + e.x.String() }

type andExpr struct{ l, r Expr }

func (e andExpr) Eval(env Env) bool { return e.l.Eval(env) && e.r.Eval(env) }
func (e andExpr) String() string    { return "(" + e.l.String() + " && " + e.r.String() + ")" }

type orExpr struct{ l, r Expr }

func (e orExpr) Eval(env Env) bool { return e.l.Eval(env) || e.r.Eval(env) }
func (e orExpr) String() string    { return "(" + e.l.String() + " || " + e.r.String() + ")" }

// Parse compiles src. An empty or blank src yields a nil Expr, meaning the
// task always runs.
func Parse(src string) (Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("cond: unexpected %s at offset %d", t, t.pos)
	}
	return e, nil
}

// MustParse is Parse for conditions known at compile time.
func MustParse(src string) Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

// Eval evaluates e, treating a nil Expr as true.
func Eval(e Expr, env Env) bool {
	if e == nil {
		return true
	}
	return e.Eval(env)
}

// References lists the signal names and state tests e mentions, sorted and
// de-duplicated.
func References(e Expr) (signals []string, states []StateTest) {
	seenSig := map[string]bool{}
	seenState := map[StateTest]bool{}
	var walk func(Expr)
	walk = func(x Expr) {
		switch n := x.(type) {
		case signalTerm:
			if !seenSig[n.name] {
				seenSig[n.name] = true
				signals = append(signals, n.name)
			}
		case stateTerm:
			if !seenState[n.test] {
				seenState[n.test] = true
				states = append(states, n.test)
			}
		case notExpr:
			walk(n.x)
		case andExpr:
			walk(n.l)
			walk(n.r)
		case orExpr:
			walk(n.l)
			walk(n.r)
		}
	}
	if e != nil {
		walk(e)
	}
	sort.Strings(signals)
	sort.Slice(states, func(i, j int) bool {
		if states[i].State != states[j].State {
			return states[i].State < states[j].State
		}
		return states[i].Variant < states[j].Variant
	})
	return signals, states
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (Expr, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = orExpr{l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseAnd() (Expr, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = andExpr{l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.peek().kind == tokNot {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notExpr{x: x}, nil
	}
	return p.parseAtom()
}

func (p *parser) parseAtom() (Expr, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return signalTerm{name: t.text}, nil
	case tokIdent:
		if p.peek().kind != tokScope {
			return signalTerm{name: t.text}, nil
		}
		p.next()
		v := p.next()
		if v.kind != tokIdent {
			return nil, fmt.Errorf("cond: expected variant after %s:: at offset %d, got %s", t.text, v.pos, v)
		}
		return stateTerm{test: StateTest{State: t.text, Variant: v.text}}, nil
	case tokLParen:
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, fmt.Errorf("cond: expected ) at offset %d, got %s", c.pos, c)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("cond: unexpected %s at offset %d", t, t.pos)
	}
}
