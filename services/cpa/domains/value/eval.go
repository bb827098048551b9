// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package value

import (
	"fmt"
	"go/ast"
	"go/token"
	"slices"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianCPA/services/cpa/domain"
)

// result is the value of an expression: known with a value, or unknown.
type result struct {
	v     int64
	known bool
}

var unknown = result{}

func known(v int64) result {
	return result{v: v, known: true}
}

func boolean(b bool) result {
	if b {
		return known(1)
	}
	return known(0)
}

// Eval evaluates expr in s. Unknown variables and nondeterministic calls
// make the result unknown. Booleans are 0 and 1.
//
// Division by zero and unsupported syntax are element failures.
func Eval(expr ast.Expr, s State) (v int64, ok bool, err error) {
	r, err := eval(expr, s)
	return r.v, r.known, err
}

func eval(expr ast.Expr, s State) (result, error) {
	switch e := expr.(type) {
	case *ast.ParenExpr:
		return eval(e.X, s)

	case *ast.BasicLit:
		if e.Kind != token.INT {
			return unknown, unsupported(expr)
		}
		v, err := strconv.ParseInt(e.Value, 0, 64)
		if err != nil {
			return unknown, domain.NewElementFailure("integer literal "+e.Value, err)
		}
		return known(v), nil

	case *ast.Ident:
		switch e.Name {
		case "true":
			return known(1), nil
		case "false":
			return known(0), nil
		}
		if v, ok := s.Get(e.Name); ok {
			return known(v), nil
		}
		return unknown, nil

	case *ast.CallExpr:
		if isNondet(e) {
			return unknown, nil
		}
		return unknown, unsupported(expr)

	case *ast.UnaryExpr:
		x, err := eval(e.X, s)
		if err != nil || !x.known {
			return unknown, err
		}
		switch e.Op {
		case token.SUB:
			return known(-x.v), nil
		case token.ADD:
			return x, nil
		case token.NOT:
			return boolean(x.v == 0), nil
		}
		return unknown, unsupported(expr)

	case *ast.BinaryExpr:
		return evalBinary(e, s)
	}
	return unknown, unsupported(expr)
}

func evalBinary(e *ast.BinaryExpr, s State) (result, error) {
	x, err := eval(e.X, s)
	if err != nil {
		return unknown, err
	}

	// Short circuit, also over unknown operands.
	switch e.Op {
	case token.LAND:
		if x.known && x.v == 0 {
			return known(0), nil
		}
	case token.LOR:
		if x.known && x.v != 0 {
			return known(1), nil
		}
	}

	y, err := eval(e.Y, s)
	if err != nil {
		return unknown, err
	}

	switch e.Op {
	case token.LAND:
		if y.known && y.v == 0 {
			return known(0), nil
		}
		if x.known && y.known {
			return known(1), nil
		}
		return unknown, nil
	case token.LOR:
		if y.known && y.v != 0 {
			return known(1), nil
		}
		if x.known && y.known {
			return known(0), nil
		}
		return unknown, nil
	}

	if !x.known || !y.known {
		return unknown, nil
	}

	switch e.Op {
	case token.ADD:
		return known(x.v + y.v), nil
	case token.SUB:
		return known(x.v - y.v), nil
	case token.MUL:
		return known(x.v * y.v), nil
	case token.QUO, token.REM:
		if y.v == 0 {
			return unknown, domain.NewElementFailure("division by zero in "+render(e), nil)
		}
		if e.Op == token.QUO {
			return known(x.v / y.v), nil
		}
		return known(x.v % y.v), nil
	case token.EQL:
		return boolean(x.v == y.v), nil
	case token.NEQ:
		return boolean(x.v != y.v), nil
	case token.LSS:
		return boolean(x.v < y.v), nil
	case token.LEQ:
		return boolean(x.v <= y.v), nil
	case token.GTR:
		return boolean(x.v > y.v), nil
	case token.GEQ:
		return boolean(x.v >= y.v), nil
	}
	return unknown, unsupported(e)
}

// Vars returns the variables read by expr, sorted and without duplicates.
func Vars(expr ast.Expr) []string {
	var out []string
	ast.Inspect(expr, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.CallExpr:
			for _, arg := range n.Args {
				out = append(out, Vars(arg)...)
			}
			return false
		case *ast.Ident:
			if n.Name != "true" && n.Name != "false" {
				out = append(out, n.Name)
			}
		}
		return true
	})
	slices.Sort(out)
	return slices.Compact(out)
}

// isNondet reports whether call produces an arbitrary value.
func isNondet(call *ast.CallExpr) bool {
	id, ok := call.Fun.(*ast.Ident)
	if !ok {
		return false
	}
	return id.Name == "nondet" || strings.HasPrefix(id.Name, "__VERIFIER_nondet")
}

func unsupported(expr ast.Expr) error {
	return domain.NewElementFailure(fmt.Sprintf("unsupported expression %s", render(expr)), nil)
}

// render prints a short form of expr for messages.
func render(expr ast.Expr) string {
	switch e := expr.(type) {
	case *ast.Ident:
		return e.Name
	case *ast.BasicLit:
		return e.Value
	case *ast.ParenExpr:
		return "(" + render(e.X) + ")"
	case *ast.UnaryExpr:
		return e.Op.String() + render(e.X)
	case *ast.BinaryExpr:
		return render(e.X) + " " + e.Op.String() + " " + render(e.Y)
	case *ast.CallExpr:
		return render(e.Fun) + "(...)"
	}
	return fmt.Sprintf("%T", expr)
}
