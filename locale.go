package main

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed lang/*.yaml
var bundledLang embed.FS

type Locale struct {
	translations map[string]string
	locale       string
}

var globalLocale *Locale

// InitLocale loads the best available translation for the system locale.
// A lang/ directory next to the executable overrides the bundled files.
func InitLocale() error {
	fsys := localeFS()
	locale := MatchLocale(fsys, DetectSystemLocale())

	l, err := LoadLocale(fsys, locale)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to load locale '%s', falling back to en_US: %v\n", locale, err)
		l, err = LoadLocale(bundledLang, "en_US")
		if err != nil {
			return fmt.Errorf("failed to load fallback locale en_US: %w", err)
		}
	}

	globalLocale = l
	return nil
}

func localeFS() fs.FS {
	if exePath, err := os.Executable(); err == nil {
		dir := filepath.Dir(exePath)
		if st, err := os.Stat(filepath.Join(dir, "lang")); err == nil && st.IsDir() {
			return os.DirFS(dir)
		}
	}
	return bundledLang
}

// DetectSystemLocale reads LANG, LC_ALL and LC_MESSAGES in that order.
func DetectSystemLocale() string {
	for _, env := range []string{"LANG", "LC_ALL", "LC_MESSAGES"} {
		if locale := os.Getenv(env); locale != "" {
			// "en_US.UTF-8" or "ru_RU.UTF-8"
			base, _, _ := strings.Cut(locale, ".")
			if base != "" && base != "C" && base != "POSIX" {
				return base
			}
		}
	}
	return "en_US"
}

// MatchLocale picks the available locale file closest to want, so "en_GB"
// resolves to en_US when only that file exists.
func MatchLocale(fsys fs.FS, want string) string {
	entries, err := fs.ReadDir(fsys, "lang")
	if err != nil {
		return "en_US"
	}
	var names []string
	var tags []language.Tag
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".yaml")
		if e.IsDir() || name == e.Name() {
			continue
		}
		tag, err := language.Parse(strings.ReplaceAll(name, "_", "-"))
		if err != nil {
			continue
		}
		names = append(names, name)
		tags = append(tags, tag)
	}
	if len(tags) == 0 {
		return "en_US"
	}

	wantTag, err := language.Parse(strings.ReplaceAll(want, "_", "-"))
	if err != nil {
		return "en_US"
	}
	_, idx, conf := language.NewMatcher(tags).Match(wantTag)
	if conf == language.No {
		return "en_US"
	}
	return names[idx]
}

// LoadLocale reads lang/<locale>.yaml from fsys.
func LoadLocale(fsys fs.FS, locale string) (*Locale, error) {
	localeFile := path.Join("lang", locale+".yaml")

	data, err := fs.ReadFile(fsys, localeFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read locale file %s: %w", localeFile, err)
	}

	var translations map[string]string
	if err := yaml.Unmarshal(data, &translations); err != nil {
		return nil, fmt.Errorf("failed to parse locale file %s: %w", localeFile, err)
	}

	return &Locale{
		translations: translations,
		locale:       locale,
	}, nil
}

// T translates a key with optional parameters
// Usage: T("products_added", "Air Max 1") => "Added Air Max 1"
func T(key string, params ...interface{}) string {
	if globalLocale == nil {
		return key
	}

	translation, ok := globalLocale.translations[key]
	if !ok {
		return key
	}

	if len(params) > 0 {
		return fmt.Sprintf(translation, params...)
	}

	return translation
}

// GetLocale returns the current locale code (e.g., "en_US", "ru_RU")
func GetLocale() string {
	if globalLocale == nil {
		return "en_US"
	}
	return globalLocale.locale
}
