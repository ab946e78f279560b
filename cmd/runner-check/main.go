// runner-check screens Python source files against the runner's static
// policy without executing anything. Reads stdin when no files are given.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/codechat/runner/internal/screener"
)

func main() {
	if len(os.Args) < 2 {
		code, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read stdin: %v\n", err)
			os.Exit(2)
		}
		os.Exit(report("<stdin>", string(code)))
	}

	exit := 0
	for _, path := range os.Args[1:] {
		code, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read %s: %v\n", path, err)
			exit = 2
			continue
		}
		if rc := report(path, string(code)); rc > exit {
			exit = rc
		}
	}
	os.Exit(exit)
}

func report(name, code string) int {
	violations := screener.Check(code)
	if len(violations) == 0 {
		fmt.Printf("%s: ok\n", name)
		return 0
	}
	fmt.Printf("%s: %d violation(s)\n", name, len(violations))
	for _, v := range violations {
		fmt.Printf("  - %s\n", v)
	}
	return 1
}
