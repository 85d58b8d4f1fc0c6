package main

import (
	"fmt"
	"os"

	"github.com/funvibe/luabridge/internal/sandbox"
	luabridge "github.com/funvibe/luabridge/pkg/embed"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [options] [script.lua]

Options:
  -e <code>        evaluate a code string and print its result
  --policy <file>  load the sandbox policy from a YAML file
  --root <dir>     confine script file access to a directory
  --store <file>   back the storage module with this database file
                   (default: in-memory)
  -help            show this help

With no script, an interactive session starts when stdin is a terminal;
otherwise the script is read from stdin.
`, os.Args[0])
}

type cliArgs struct {
	expr   string
	script string
	policy string
	root   string
	store  string
}

func parseArgs(argv []string) (*cliArgs, error) {
	args := &cliArgs{}
	i := 0
	need := func(flag string) (string, error) {
		i++
		if i >= len(argv) {
			return "", fmt.Errorf("%s requires a value", flag)
		}
		return argv[i], nil
	}
	for ; i < len(argv); i++ {
		var err error
		switch argv[i] {
		case "-e":
			args.expr, err = need("-e")
		case "--policy":
			args.policy, err = need("--policy")
		case "--root":
			args.root, err = need("--root")
		case "--store":
			args.store, err = need("--store")
		case "-help", "--help", "help":
			usage()
			os.Exit(0)
		default:
			if args.script != "" {
				return nil, fmt.Errorf("unexpected argument: %s", argv[i])
			}
			args.script = argv[i]
		}
		if err != nil {
			return nil, err
		}
	}
	if args.policy != "" && args.root != "" {
		return nil, fmt.Errorf("--policy and --root are mutually exclusive")
	}
	return args, nil
}

func bridgeOptions(args *cliArgs) []luabridge.Option {
	var opts []luabridge.Option
	if args.policy != "" {
		opts = append(opts, luabridge.WithPolicyFile(args.policy))
	} else if args.root != "" {
		opts = append(opts, luabridge.WithPolicy(&sandbox.Policy{Root: args.root}))
	}
	return opts
}

func main() {
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		usage()
		os.Exit(1)
	}

	b, err := luabridge.New(bridgeOptions(args)...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	defer b.Close()

	store, err := openStore(args.store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %s\n", err)
		os.Exit(1)
	}
	defer store.Close()
	if err := bindStorage(b, store); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	switch {
	case args.expr != "":
		result, err := b.Eval(args.expr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
		if !result.IsNone() {
			fmt.Println(result.Inspect())
		}
	case args.script != "":
		if _, err := b.EvalFile(args.script); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
	default:
		if err := runREPL(b, os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
	}
}
