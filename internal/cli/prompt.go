package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

var ErrPasswordsMismatch = errors.New("passwords do not match")

// swapped in tests, the terminal is not available there
var readPassword = term.ReadPassword

// ReadPassword prints the prompt to w and reads a line from the terminal
// without echo.
func ReadPassword(w io.Writer, prompt string) (string, error) {
	if _, err := fmt.Fprint(w, prompt); err != nil {
		return "", err
	}
	pw, err := readPassword(int(os.Stdin.Fd()))
	_, _ = fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

// ReadNewPassword asks for a password twice and fails when the two differ or
// the password is empty.
func ReadNewPassword(w io.Writer) (string, error) {
	password, err := ReadPassword(w, "New password: ")
	if err != nil {
		return "", err
	}
	if password == "" {
		return "", errors.New("password empty")
	}

	repeated, err := ReadPassword(w, "Repeat password: ")
	if err != nil {
		return "", err
	}
	if password != repeated {
		return "", ErrPasswordsMismatch
	}

	return password, nil
}
