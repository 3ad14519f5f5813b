package filter

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ParseList reads one entry per line from r. Blank lines and lines starting
// with '#' are skipped.
func ParseList(r io.Reader) ([]string, error) {
	var entries []string
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

// LoadFile reads a list file with ParseList.
func LoadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open list: %w", err)
	}
	defer func() { _ = f.Close() }()

	entries, err := ParseList(f)
	if err != nil {
		return nil, fmt.Errorf("read list %s: %w", path, err)
	}
	return entries, nil
}

// Load builds a Policy from a forbidden-hosts file and a banned-words file.
// An empty path skips that list.
func Load(hostsPath, wordsPath string) (*Policy, error) {
	var hosts, words []string
	var err error

	if hostsPath != "" {
		if hosts, err = LoadFile(hostsPath); err != nil {
			return nil, fmt.Errorf("forbidden hosts: %w", err)
		}
	}
	if wordsPath != "" {
		if words, err = LoadFile(wordsPath); err != nil {
			return nil, fmt.Errorf("banned words: %w", err)
		}
	}

	return New(hosts, words), nil
}
