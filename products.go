package main

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Target is one product to watch. It is immutable for a monitoring run.
type Target struct {
	URLVariants   []string
	Name          string
	PreferredSize string
}

// Launch pages flip between these two paths around a drop.
const (
	launchUpcomingPath = "/launch/upcoming"
	launchInStockPath  = "/launch/in-stock"
)

// ExpandVariants appends the equivalent launch-page URLs of every entry,
// keeping order and dropping duplicates.
func ExpandVariants(urls []string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	for _, u := range urls {
		add(u)
		if strings.Contains(u, launchUpcomingPath) {
			add(strings.Replace(u, launchUpcomingPath, launchInStockPath, 1))
		}
		if strings.Contains(u, launchInStockPath) {
			add(strings.Replace(u, launchInStockPath, launchUpcomingPath, 1))
		}
	}
	return out
}

// ProductStore reads and appends the products file. Each line is
// "URL|Name|Size" with the size optional; several URLs for the same product
// may be given comma-separated in the first column.
type ProductStore struct {
	fs   afero.Fs
	path string
	log  zerolog.Logger
}

func NewProductStore(fs afero.Fs, path string, log zerolog.Logger) *ProductStore {
	return &ProductStore{fs: fs, path: path, log: log}
}

// List returns every well-formed product. Malformed lines are skipped with
// a warning; a missing file is an empty list.
func (s *ProductStore) List() ([]Target, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read products %s: %w", s.path, err)
	}

	var targets []Target
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		t, err := ParseProductLine(line)
		if err != nil {
			s.log.Warn().Int("line", lineNo).Err(err).Msg(T("products_malformed_line"))
			continue
		}
		targets = append(targets, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan products %s: %w", s.path, err)
	}
	return targets, nil
}

// Add appends a product line.
func (s *ProductStore) Add(t Target) error {
	if len(t.URLVariants) == 0 || strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("product needs at least one URL and a name")
	}
	for _, u := range t.URLVariants {
		if strings.ContainsAny(u, "|,\n") {
			return fmt.Errorf("url %q contains a reserved character", u)
		}
	}
	if strings.ContainsAny(t.Name+t.PreferredSize, "|\n") {
		return fmt.Errorf("name and size may not contain '|' or newlines")
	}

	f, err := s.fs.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open products %s: %w", s.path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(FormatProductLine(t) + "\n"); err != nil {
		return fmt.Errorf("failed to append product: %w", err)
	}
	return nil
}

// ParseProductLine parses one "URL[,URL...]|Name|Size" line.
func ParseProductLine(line string) (Target, error) {
	parts := strings.Split(line, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Target{}, fmt.Errorf("expected URL|Name|Size, got %q", line)
	}

	var urls []string
	for _, u := range strings.Split(parts[0], ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	t := Target{URLVariants: ExpandVariants(urls), Name: parts[1]}
	if len(parts) >= 3 {
		t.PreferredSize = parts[2]
	}
	return t, nil
}

// FormatProductLine is the inverse of ParseProductLine for the URLs given.
func FormatProductLine(t Target) string {
	line := strings.Join(t.URLVariants, ",") + "|" + t.Name
	if t.PreferredSize != "" {
		line += "|" + t.PreferredSize
	}
	return line
}
