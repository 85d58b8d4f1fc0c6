package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	luabridge "github.com/funvibe/luabridge/pkg/embed"
)

const (
	colorPrompt = "\x1b[36m"
	colorError  = "\x1b[31m"
	colorReset  = "\x1b[0m"
)

// runREPL serves an interactive session when stdin is a terminal, or
// evaluates stdin as one script otherwise.
func runREPL(b *luabridge.Bridge, in *os.File, out io.Writer) error {
	if !isatty.IsTerminal(in.Fd()) && !isatty.IsCygwinTerminal(in.Fd()) {
		data, err := io.ReadAll(in)
		if err != nil {
			return err
		}
		_, err = b.Eval(string(data))
		return err
	}

	useColor := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	paint := func(code, s string) string {
		if !useColor {
			return s
		}
		return code + s + colorReset
	}

	fmt.Fprintf(out, "luabridge session %s (type 'exit' to quit)\n", b.ID())
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, paint(colorPrompt, "> "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" {
			return nil
		}
		result, err := b.Eval(replChunk(line))
		if err != nil {
			fmt.Fprintln(out, paint(colorError, err.Error()))
			continue
		}
		if !result.IsNone() {
			fmt.Fprintln(out, result.Inspect())
		}
	}
}

// replChunk makes bare expressions printable by trying them as a return
// first, the way stock interactive interpreters do with an "=" prefix.
func replChunk(line string) string {
	if strings.HasPrefix(line, "=") {
		return "return " + strings.TrimPrefix(line, "=")
	}
	if !strings.ContainsAny(line, "=;") && !strings.HasPrefix(line, "do") &&
		!strings.HasPrefix(line, "for") && !strings.HasPrefix(line, "while") &&
		!strings.HasPrefix(line, "if") && !strings.HasPrefix(line, "function") &&
		!strings.HasPrefix(line, "local") && !strings.HasPrefix(line, "return") {
		return "return " + line
	}
	return line
}
