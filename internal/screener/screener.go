// Package screener rejects obviously dangerous Python programs before any
// sandbox is spent on them. It parses the submitted source into an AST and
// walks it once, collecting human-readable violations.
//
// This is a cheap pre-filter, not a security boundary; the container sandbox
// provides the real isolation.
package screener

import (
	"strings"

	"github.com/go-python/gpython/ast"
	"github.com/go-python/gpython/parser"
	"github.com/go-python/gpython/py"
)

var forbiddenModules = map[string]bool{
	"os":              true,
	"sys":             true,
	"subprocess":      true,
	"socket":          true,
	"shutil":          true,
	"pathlib":         true,
	"fcntl":           true,
	"signal":          true,
	"resource":        true,
	"ctypes":          true,
	"multiprocessing": true,
	"threading":       true,
	"asyncio":         true,
	"selectors":       true,
	"urllib":          true,
	"http":            true,
	"inspect":         true,
	"importlib":       true,
}

var forbiddenCalls = map[string]bool{
	"eval":       true,
	"exec":       true,
	"__import__": true,
	"compile":    true,
	"open":       true,
	"input":      true,
	"globals":    true,
	"locals":     true,
	"vars":       true,
	"getattr":    true,
	"setattr":    true,
	"delattr":    true,
	"dir":        true,
}

var forbiddenAttrs = map[string]bool{
	"__class__":      true,
	"__dict__":       true,
	"__bases__":      true,
	"__mro__":        true,
	"__subclasses__": true,
}

// Check parses code and returns the violations found, in tree-walk order.
// An empty result means the program passed. Check is pure: no I/O, no state.
func Check(code string) []string {
	tree, err := parser.ParseString(code, py.ExecMode)
	if err != nil {
		return []string{"syntax error"}
	}

	var found []string
	ast.Walk(tree, func(n ast.Ast) bool {
		switch node := n.(type) {
		case *ast.Import:
			for _, alias := range node.Names {
				if forbiddenModules[topLevel(string(alias.Name))] {
					found = append(found, "import "+string(alias.Name))
				}
			}
		case *ast.ImportFrom:
			if node.Module != "" && forbiddenModules[topLevel(string(node.Module))] {
				found = append(found, "from "+string(node.Module)+" import ...")
			}
		case *ast.Call:
			switch fn := node.Func.(type) {
			case *ast.Name:
				if forbiddenCalls[string(fn.Id)] {
					found = append(found, string(fn.Id))
				}
			case *ast.Attribute:
				if forbiddenCalls[string(fn.Attr)] {
					found = append(found, string(fn.Attr))
				}
			}
		case *ast.Attribute:
			if forbiddenAttrs[string(node.Attr)] {
				found = append(found, "attribute "+string(node.Attr))
			}
		case *ast.With:
			// with-statements are almost always file or resource access
			found = append(found, "with statement")
		}
		return true
	})
	return found
}

func topLevel(module string) string {
	if i := strings.IndexByte(module, '.'); i >= 0 {
		return module[:i]
	}
	return module
}
