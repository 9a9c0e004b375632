package utils

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNoInput is returned when the reader is exhausted before a line is read.
var ErrNoInput = errors.New("no input received")

// PromptYesNoWithReader prompts for yes/no with custom reader/writer for testing.
func PromptYesNoWithReader(prompt string, reader io.Reader, writer io.Writer) bool {
	scanner := bufio.NewScanner(reader)

	for {
		_, _ = fmt.Fprintf(writer, "%s (y/n): ", prompt)
		if !scanner.Scan() {
			return false
		}

		switch strings.TrimSpace(strings.ToLower(scanner.Text())) {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
	}
}

// PromptLine writes prompt and reads one trimmed line.
func PromptLine(prompt string, reader io.Reader, writer io.Writer) (string, error) {
	_, _ = fmt.Fprint(writer, prompt)
	scanner := bufio.NewScanner(reader)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", ErrNoInput
}

// PromptSecret reads a line without echo when reader is a terminal.
// Non-terminal readers (pipes, tests) fall back to PromptLine.
func PromptSecret(prompt string, reader io.Reader, writer io.Writer) (string, error) {
	f, ok := reader.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return PromptLine(prompt, reader, writer)
	}

	_, _ = fmt.Fprint(writer, prompt)
	secret, err := term.ReadPassword(int(f.Fd()))
	_, _ = fmt.Fprintln(writer)
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return strings.TrimSpace(string(secret)), nil
}
