package sandbox

import (
	"errors"
	"fmt"
	"strings"

	"go.starlark.net/syntax"
)

// FindingKind categorizes a validation rejection.
type FindingKind string

// Finding kinds
const (
	FindingForbiddenSyntax     FindingKind = "forbidden_syntax"
	FindingDisallowedImport    FindingKind = "disallowed_import"
	FindingDisallowedAttribute FindingKind = "disallowed_attribute"
)

// Finding is one validation violation with its source location. Any
// non-empty finding list means the worker is never invoked.
type Finding struct {
	Kind   FindingKind
	Line   int32
	Col    int32
	Detail string
}

// Location returns the finding position as "line:col".
func (f Finding) Location() string {
	return fmt.Sprintf("%d:%d", f.Line, f.Col)
}

// sourceFilename is the name user code is parsed and executed under. The
// traceback cleaner keeps only frames from this file.
const sourceFilename = "snippet.star"

// fileOptions returns the dialect options user code is parsed and executed
// with. While loops, top-level while, set literals, global reassignment, and
// recursion are enabled; the resource ceilings bound them, not the grammar.
func fileOptions() *syntax.FileOptions {
	return &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
		Recursion:       true,
	}
}

// Validate parses source into a syntax tree and walks every node, collecting
// all violations of the policy in one pass:
//
//   - load() of a module outside the whitelist (exact name or declared
//     submodule of a whitelisted name),
//   - dynamic name/attribute resolution builtins (getattr, eval, ...),
//   - attribute access or load symbols beginning with an underscore,
//   - references to filesystem, process, network, or OS capability names.
//
// The traversal is an explicit allow-list over node kinds: a statement or
// expression form the walker does not recognize is itself a finding, never
// a pass-through. Source that does not parse yields a single
// forbidden-syntax finding at the error position. The full list is
// returned, never just the first violation, so a regenerating caller can
// fix everything in one pass.
func Validate(source string, policy *Policy) []Finding {
	file, err := fileOptions().Parse(sourceFilename, source, 0)
	if err != nil {
		return []Finding{parseFinding(err)}
	}

	v := &validator{policy: policy}
	v.walkStmts(file.Stmts)
	return v.findings
}

func parseFinding(err error) Finding {
	var serr syntax.Error
	if errors.As(err, &serr) {
		return Finding{
			Kind:   FindingForbiddenSyntax,
			Line:   serr.Pos.Line,
			Col:    serr.Pos.Col,
			Detail: "syntax error: " + serr.Msg,
		}
	}
	return Finding{
		Kind:   FindingForbiddenSyntax,
		Line:   1,
		Col:    1,
		Detail: "syntax error: " + err.Error(),
	}
}

type validator struct {
	policy   *Policy
	findings []Finding
}

func (v *validator) add(kind FindingKind, pos syntax.Position, format string, args ...any) {
	v.findings = append(v.findings, Finding{
		Kind:   kind,
		Line:   pos.Line,
		Col:    pos.Col,
		Detail: fmt.Sprintf(format, args...),
	})
}

func (v *validator) walkStmts(stmts []syntax.Stmt) {
	for _, stmt := range stmts {
		v.walkStmt(stmt)
	}
}

// walkStmt dispatches on every statement kind the dialect can produce. The
// default branch rejects rather than descends, so a grammar construct this
// switch does not know cannot slip through unexamined.
func (v *validator) walkStmt(stmt syntax.Stmt) {
	switch s := stmt.(type) {
	case *syntax.AssignStmt:
		v.walkExpr(s.LHS)
		v.walkExpr(s.RHS)
	case *syntax.BranchStmt:
		// break, continue, pass
	case *syntax.DefStmt:
		v.checkIdent(s.Name)
		v.walkExprs(s.Params)
		v.walkStmts(s.Body)
	case *syntax.ExprStmt:
		v.walkExpr(s.X)
	case *syntax.ForStmt:
		v.walkExpr(s.Vars)
		v.walkExpr(s.X)
		v.walkStmts(s.Body)
	case *syntax.WhileStmt:
		v.walkExpr(s.Cond)
		v.walkStmts(s.Body)
	case *syntax.IfStmt:
		v.walkExpr(s.Cond)
		v.walkStmts(s.True)
		v.walkStmts(s.False)
	case *syntax.LoadStmt:
		v.checkLoad(s)
	case *syntax.ReturnStmt:
		v.walkExpr(s.Result)
	default:
		start, _ := stmt.Span()
		v.add(FindingForbiddenSyntax, start, "unsupported statement form")
	}
}

func (v *validator) walkExprs(exprs []syntax.Expr) {
	for _, expr := range exprs {
		v.walkExpr(expr)
	}
}

func (v *validator) walkExpr(expr syntax.Expr) {
	switch e := expr.(type) {
	case nil:
		// optional child (return value, slice bound, ...)
	case *syntax.BinaryExpr:
		v.walkExpr(e.X)
		v.walkExpr(e.Y)
	case *syntax.CallExpr:
		v.walkExpr(e.Fn)
		v.walkExprs(e.Args)
	case *syntax.Comprehension:
		v.walkExpr(e.Body)
		for _, clause := range e.Clauses {
			switch c := clause.(type) {
			case *syntax.ForClause:
				v.walkExpr(c.Vars)
				v.walkExpr(c.X)
			case *syntax.IfClause:
				v.walkExpr(c.Cond)
			}
		}
	case *syntax.CondExpr:
		v.walkExpr(e.Cond)
		v.walkExpr(e.True)
		v.walkExpr(e.False)
	case *syntax.DictEntry:
		v.walkExpr(e.Key)
		v.walkExpr(e.Value)
	case *syntax.DictExpr:
		v.walkExprs(e.List)
	case *syntax.DotExpr:
		if strings.HasPrefix(e.Name.Name, "_") {
			v.add(FindingDisallowedAttribute, e.Name.NamePos,
				"access to private attribute %q", e.Name.Name)
		}
		v.walkExpr(e.X)
	case *syntax.Ident:
		v.checkIdent(e)
	case *syntax.IndexExpr:
		v.walkExpr(e.X)
		v.walkExpr(e.Y)
	case *syntax.LambdaExpr:
		v.walkExprs(e.Params)
		v.walkExpr(e.Body)
	case *syntax.ListExpr:
		v.walkExprs(e.List)
	case *syntax.Literal:
		// string, int, float, bytes
	case *syntax.ParenExpr:
		v.walkExpr(e.X)
	case *syntax.SliceExpr:
		v.walkExpr(e.X)
		v.walkExpr(e.Lo)
		v.walkExpr(e.Hi)
		v.walkExpr(e.Step)
	case *syntax.TupleExpr:
		v.walkExprs(e.List)
	case *syntax.UnaryExpr:
		v.walkExpr(e.X)
	default:
		start, _ := expr.Span()
		v.add(FindingForbiddenSyntax, start, "unsupported expression form")
	}
}

// checkLoad validates a load statement. The Starlark grammar has no
// wildcard import and the module name is always a string literal, so the
// computed-name and star-import escape routes are structurally
// unrepresentable; only the literal needs checking.
func (v *validator) checkLoad(load *syntax.LoadStmt) {
	module := load.ModuleName()
	if !v.policy.ModuleAllowed(module) {
		v.add(FindingDisallowedImport, load.Load,
			"module %q is not in the whitelist (allowed: %s)",
			module, strings.Join(v.policy.AllowedModules(), ", "))
	}
	for _, from := range load.From {
		if strings.HasPrefix(from.Name, "_") {
			v.add(FindingDisallowedAttribute, from.NamePos,
				"load of private symbol %q", from.Name)
		}
	}
}

// checkIdent rejects any reference to a forbidden name, including bare
// references that would let a closure smuggle the binding past the call
// sites.
func (v *validator) checkIdent(ident *syntax.Ident) {
	switch {
	case v.policy.dynamicNames[ident.Name]:
		v.add(FindingForbiddenSyntax, ident.NamePos,
			"dynamic evaluation construct %q is not allowed", ident.Name)
	case v.policy.capabilityNames[ident.Name]:
		v.add(FindingForbiddenSyntax, ident.NamePos,
			"reference to OS capability %q is not allowed", ident.Name)
	}
}
