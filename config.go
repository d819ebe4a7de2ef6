package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Settings is the read-only configuration snapshot handed to every
// component. It is loaded once per run and never mutated afterwards.
type Settings struct {
	BrowserProfilePath string `yaml:"browser_profile_path"`
	Headless           bool   `yaml:"headless"`
	Stealth            bool   `yaml:"stealth"`
	UserAgent          string `yaml:"user_agent"`
	AcceptLanguage     string `yaml:"accept_language"`
	Proxy              string `yaml:"proxy"`
	ViewportWidth      int    `yaml:"viewport_width"`
	ViewportHeight     int    `yaml:"viewport_height"`
	KeepBrowserOpen    bool   `yaml:"keep_browser_open"`
	HumanizeInput      bool   `yaml:"humanize_input"`

	MinMatchScore               float64 `yaml:"min_match_score"`
	ContextMaxDistance          int     `yaml:"context_max_distance"`
	AllowGlobalCTAWhenNameFound bool    `yaml:"allow_global_cta_when_name_found"`
	AllowGlobalCTAAlways        bool    `yaml:"allow_global_cta_always"`
	SelectSizeBeforeGlobal      bool    `yaml:"select_size_before_global"`

	PageLoadTimeout         int     `yaml:"page_load_timeout"`
	ElementTimeoutMs        int     `yaml:"element_timeout_ms"`
	ClickRetries            int     `yaml:"click_retries"`
	RetryDelay              float64 `yaml:"retry_delay"`
	RetryJitter             float64 `yaml:"retry_jitter"`
	MinCycleDelayMs         int     `yaml:"min_cycle_delay_ms"`
	MinDelayBetween         float64 `yaml:"min_delay_between"`
	MaxDelayBetween         float64 `yaml:"max_delay_between"`
	MinNavigationIntervalMs int     `yaml:"min_navigation_interval_ms"`
	ChallengeInitialWaitMs  int     `yaml:"challenge_initial_wait_ms"`
	ChallengeMaxWait        float64 `yaml:"challenge_max_wait"`
	ChallengeMaxRechecks    int     `yaml:"challenge_max_rechecks"`
	ChallengeJitter         float64 `yaml:"challenge_jitter"`
	OrderSuccessTimeout     float64 `yaml:"order_success_timeout"`
	ConfirmationPollMs      int     `yaml:"confirmation_poll_ms"`

	StageRetryCeiling   int     `yaml:"stage_retry_ceiling"`
	StaleAfterAttempts  int     `yaml:"stale_after_attempts"`
	BlockedVariantLimit int     `yaml:"blocked_variant_limit"`
	MaxCycles           int     `yaml:"max_cycles"`
	RunTimeout          float64 `yaml:"run_timeout"`

	StopOnSuccess bool `yaml:"stop_on_success"`
	DryRun        bool `yaml:"dry_run"`
	DebugMode     bool `yaml:"debug_mode"`
	RespectRobots bool `yaml:"respect_robots"`
	BlockOnRobots bool `yaml:"block_on_robots"`

	DropWindows              []string `yaml:"drop_windows"`
	StartBeforeDropSeconds   int      `yaml:"start_before_drop_seconds"`
	ContinueAfterDropSeconds int      `yaml:"continue_after_drop_seconds"`
	TimeServers              []string `yaml:"time_servers"`

	ProductsFile string `yaml:"products_file"`
	ProfileFile  string `yaml:"profile_file"`

	Markers MarkerConfig `yaml:"markers"`
}

// MarkerConfig extends the built-in phrase lists without code changes.
type MarkerConfig struct {
	DenyPhrases         []string `yaml:"deny_phrases"`
	ChallengePhrases    []string `yaml:"challenge_phrases"`
	BlockedPhrases      []string `yaml:"blocked_phrases"`
	ChallengeSelectors  []string `yaml:"challenge_selectors"`
	ConfirmationPhrases []string `yaml:"confirmation_phrases"`
}

func DefaultSettings() *Settings {
	userDataDir := getUserDataDir()

	return &Settings{
		BrowserProfilePath: filepath.Join(userDataDir, "browser-profile"),
		Headless:           false,
		Stealth:            true,
		AcceptLanguage:     "en-US,en;q=0.9",
		ViewportWidth:      1920,
		ViewportHeight:     1080,
		KeepBrowserOpen:    false,
		HumanizeInput:      true,

		MinMatchScore:               0.72,
		ContextMaxDistance:          6,
		AllowGlobalCTAWhenNameFound: true,
		AllowGlobalCTAAlways:        false,
		SelectSizeBeforeGlobal:      true,

		PageLoadTimeout:         30,
		ElementTimeoutMs:        3000,
		ClickRetries:            2,
		RetryDelay:              8,
		RetryJitter:             3,
		MinCycleDelayMs:         1500,
		MinDelayBetween:         0.4,
		MaxDelayBetween:         1.2,
		MinNavigationIntervalMs: 2000,
		ChallengeInitialWaitMs:  2000,
		ChallengeMaxWait:        20,
		ChallengeMaxRechecks:    6,
		ChallengeJitter:         0.3,
		OrderSuccessTimeout:     60,
		ConfirmationPollMs:      1000,

		StageRetryCeiling:   5,
		StaleAfterAttempts:  3,
		BlockedVariantLimit: 3,
		MaxCycles:           0,
		RunTimeout:          0,

		StopOnSuccess: true,
		DryRun:        false,
		DebugMode:     false,
		RespectRobots: false,
		BlockOnRobots: true,

		StartBeforeDropSeconds:   120,
		ContinueAfterDropSeconds: 900,
		TimeServers:              append([]string{}, defaultTimeServers...),

		ProductsFile: filepath.Join(userDataDir, "products.txt"),
		ProfileFile:  filepath.Join(userDataDir, "profile.yaml"),
	}
}

// LoadSettings reads path, writing the defaults there first when the file
// does not exist yet.
func LoadSettings(fs afero.Fs, path string) (*Settings, error) {
	settings := DefaultSettings()

	if _, err := fs.Stat(path); os.IsNotExist(err) {
		if err := settings.Save(fs, path); err != nil {
			return nil, err
		}
		return settings, nil
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings in %s: %w", path, err)
	}

	return settings, nil
}

func (s *Settings) Save(fs afero.Fs, path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return afero.WriteFile(fs, path, data, 0644)
}

// Validate rejects values the engine cannot run with.
func (s *Settings) Validate() error {
	var errs []error
	if s.MinMatchScore <= 0 || s.MinMatchScore > 1 {
		errs = append(errs, fmt.Errorf("min_match_score must be in (0,1], got %v", s.MinMatchScore))
	}
	if s.ContextMaxDistance < 1 {
		errs = append(errs, fmt.Errorf("context_max_distance must be >= 1, got %d", s.ContextMaxDistance))
	}
	if s.ElementTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("element_timeout_ms must be > 0, got %d", s.ElementTimeoutMs))
	}
	if s.ClickRetries < 0 {
		errs = append(errs, fmt.Errorf("click_retries must be >= 0, got %d", s.ClickRetries))
	}
	if s.RetryDelay < 0 || s.RetryJitter < 0 {
		errs = append(errs, errors.New("retry_delay and retry_jitter must be >= 0"))
	}
	if s.MinDelayBetween < 0 || s.MaxDelayBetween < s.MinDelayBetween {
		errs = append(errs, fmt.Errorf("delay range [%v,%v] is invalid", s.MinDelayBetween, s.MaxDelayBetween))
	}
	if s.ChallengeMaxRechecks < 0 || s.ChallengeMaxWait <= 0 {
		errs = append(errs, errors.New("challenge_max_rechecks must be >= 0 and challenge_max_wait > 0"))
	}
	if s.OrderSuccessTimeout <= 0 {
		errs = append(errs, fmt.Errorf("order_success_timeout must be > 0, got %v", s.OrderSuccessTimeout))
	}
	if s.StageRetryCeiling < 1 {
		errs = append(errs, fmt.Errorf("stage_retry_ceiling must be >= 1, got %d", s.StageRetryCeiling))
	}
	if s.StaleAfterAttempts < 1 {
		errs = append(errs, fmt.Errorf("stale_after_attempts must be >= 1, got %d", s.StaleAfterAttempts))
	}
	if s.BlockedVariantLimit < 1 {
		errs = append(errs, fmt.Errorf("blocked_variant_limit must be >= 1, got %d", s.BlockedVariantLimit))
	}
	if s.MaxCycles < 0 || s.RunTimeout < 0 {
		errs = append(errs, errors.New("max_cycles and run_timeout must be >= 0"))
	}
	for _, w := range s.DropWindows {
		if _, err := ParseDropTime(w); err != nil {
			errs = append(errs, fmt.Errorf("drop_windows: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Settings) elementTimeout() time.Duration {
	return time.Duration(s.ElementTimeoutMs) * time.Millisecond
}

func (s *Settings) pageLoadTimeout() time.Duration {
	return time.Duration(s.PageLoadTimeout) * time.Second
}

func (s *Settings) orderSuccessTimeout() time.Duration {
	return secondsToDuration(s.OrderSuccessTimeout)
}

func (s *Settings) confirmationPoll() time.Duration {
	return time.Duration(s.ConfirmationPollMs) * time.Millisecond
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

func getUserDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./dropwatch-data"
	}
	return filepath.Join(home, ".dropwatch")
}
