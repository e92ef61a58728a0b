package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// stdin is the input of commands reading from standard input, replaced by
// tests.
var stdin io.Reader = os.Stdin

// stdout is the output of command results, replaced by tests.
var stdout io.Writer = os.Stdout

// argOrStdin returns the first argument, or the whole of standard input with
// surrounding whitespace removed when there is none.
func argOrStdin(args []string, what string) (string, error) {
	if len(args) > 0 {
		return strings.TrimSpace(strings.Join(args, " ")), nil
	}

	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("unable to read %s from stdin: %w", what,
			err)
	}

	text := strings.TrimSpace(string(b))
	if text == "" {
		return "", fmt.Errorf("no %s given", what)
	}

	return text, nil
}

// readSecret prompts for a secret on the terminal without echoing it. When
// standard input is not a terminal a single line is read instead.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if stdin != os.Stdin || !term.IsTerminal(fd) {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}

		return strings.TrimSpace(line), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("unable to read secret: %w", err)
	}

	return strings.TrimSpace(string(secret)), nil
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(stdout, "%s\n", b)

	return err
}
