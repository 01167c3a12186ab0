// Package noosexit reports calls to os.Exit made directly in main.main,
// where they would skip the deferred shutdown of the server.
package noosexit

import (
	"go/ast"
	"go/types"
	"path/filepath"
	"strings"

	"golang.org/x/tools/go/analysis"
)

var Analyzer = &analysis.Analyzer{
	Name: "noosexit",
	Doc:  "prohibits direct use of os.Exit in main.main",
	Run:  run,
}

func run(pass *analysis.Pass) (interface{}, error) {
	if pass.Pkg.Name() != "main" {
		return nil, nil
	}

	for _, file := range pass.Files {
		filename := pass.Fset.File(file.Pos()).Name()
		if isGoBuildCacheFile(filename) {
			continue
		}

		for _, decl := range file.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || fn.Name.Name != "main" || fn.Recv != nil || fn.Body == nil {
				continue
			}

			ast.Inspect(fn.Body, func(n ast.Node) bool {
				// closures run later, possibly outside main
				if _, ok := n.(*ast.FuncLit); ok {
					return false
				}

				call, ok := n.(*ast.CallExpr)
				if !ok {
					return true
				}
				if isOSExit(pass, call) {
					pass.Reportf(call.Pos(), "avoid using os.Exit in main.main")
				}

				return true
			})
		}
	}

	return nil, nil
}

// isOSExit resolves the callee through type information so that renamed
// imports of "os" are caught as well.
func isOSExit(pass *analysis.Pass, call *ast.CallExpr) bool {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Exit" {
		return false
	}

	fn, ok := pass.TypesInfo.Uses[sel.Sel].(*types.Func)
	if !ok || fn.Pkg() == nil {
		return false
	}

	return fn.Pkg().Path() == "os"
}

func isGoBuildCacheFile(path string) bool {
	path = filepath.ToSlash(path)
	return strings.Contains(path, "/go-build/")
}
