package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const minPasswordLength = 12

// readSecret reads one line from a terminal without echo.
func readSecret(fd int, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readNewPassword prompts twice and checks the entries. Input that is not
// a terminal is read line by line.
func readNewPassword(in *os.File, out io.Writer) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		r := bufio.NewReader(in)
		fmt.Fprint(out, "New password: ")
		first, err := readLine(r)
		if err != nil {
			return "", err
		}
		fmt.Fprint(out, "\nRepeat password: ")
		second, err := readLine(r)
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		return checkNewPassword(first, second)
	}

	first, err := readSecret(fd, out, "New password: ")
	if err != nil {
		return "", err
	}
	second, err := readSecret(fd, out, "Repeat password: ")
	if err != nil {
		return "", err
	}
	return checkNewPassword(first, second)
}

func checkNewPassword(first, second string) (string, error) {
	if first != second {
		return "", errors.New("passwords do not match")
	}
	if len(first) < minPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	return first, nil
}
