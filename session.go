package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog"
)

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Session owns the browser process and the single tab a monitor drives.
// It holds the profile directory for its lifetime; one monitor per profile.
type Session struct {
	settings *Settings
	log      zerolog.Logger
	rand     *rand.Rand

	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page

	done      chan struct{}
	doneOnce  sync.Once
	stop      chan struct{}
	closeOnce sync.Once
}

func NewSession(settings *Settings, log zerolog.Logger) *Session {
	return &Session{
		settings: settings,
		log:      log,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

// Start launches the browser and opens the working tab.
func (s *Session) Start(ctx context.Context) error {
	s.log.Info().Msg(T("browser_launching"))

	// Leakless deadlocks on Windows: https://github.com/go-rod/rod/issues/853
	useLeakless := runtime.GOOS != "windows"

	l := launcher.New().
		Context(ctx).
		Leakless(useLeakless).
		Headless(s.settings.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("window-size", s.windowSize())

	// UserDataDir must be set before Bin.
	if s.settings.BrowserProfilePath != "" {
		l = l.UserDataDir(s.settings.BrowserProfilePath)
		s.log.Debug().Str("path", s.settings.BrowserProfilePath).Msg(T("browser_profile_path_set"))
	}
	if s.settings.Proxy != "" {
		l = l.Proxy(s.settings.Proxy)
	}
	if lang := primaryLanguage(s.settings.AcceptLanguage); lang != "" {
		l = l.Set("lang", lang)
	}
	if chromePath, ok := launcher.LookPath(); ok {
		l = l.Bin(chromePath)
		s.log.Info().Str("path", chromePath).Msg(T("browser_using_system_chrome"))
	} else {
		s.log.Info().Msg(T("browser_chrome_not_found"))
	}
	s.launcher = l

	controlURL, err := l.Launch()
	if err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "Opening in existing browser session") ||
			strings.Contains(errMsg, "ProcessSingleton") ||
			strings.Contains(errMsg, "SingletonLock") {
			return fmt.Errorf("%s: %w", T("error_profile_in_use"), err)
		}
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to browser: %w", err)
	}
	s.browser = browser

	if s.settings.Stealth {
		s.page, err = stealth.Page(browser)
	} else {
		s.page, err = browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return fmt.Errorf("failed to create page: %w", err)
	}

	ua := s.settings.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	if err := s.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      ua,
		AcceptLanguage: s.settings.AcceptLanguage,
	}); err != nil {
		s.log.Warn().Err(err).Msg("failed to set user agent")
	}

	go s.watchBrowser()
	s.log.Info().Msg(T("browser_launched"))
	return nil
}

// Page is the tab driven by the monitor.
func (s *Session) Page() *rod.Page {
	return s.page
}

// Done is closed when the browser goes away underneath the session.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) isBrowserAlive() bool {
	if s.browser == nil {
		return false
	}
	if _, err := s.browser.Version(); err != nil {
		s.log.Debug().Err(err).Msg("browser version check failed")
		return false
	}
	if s.page != nil {
		if _, err := s.page.Info(); err != nil {
			s.log.Debug().Err(err).Msg("page info check failed")
			return false
		}
	}
	return true
}

func (s *Session) watchBrowser() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.isBrowserAlive() {
				s.log.Warn().Msg(T("browser_closed_by_user"))
				s.doneOnce.Do(func() { close(s.done) })
				return
			}
		}
	}
}

// Close stops the watcher and, unless keep_browser_open is set, the browser.
func (s *Session) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		close(s.stop)
		if s.settings.KeepBrowserOpen {
			s.log.Info().Msg(T("browser_left_open"))
			return
		}
		s.log.Info().Msg(T("cleaning_up"))
		if s.page != nil {
			if err := s.page.Close(); err != nil && !isSessionLostError(err) {
				errs = append(errs, err)
			}
		}
		if s.browser != nil {
			if err := s.browser.Close(); err != nil && !isSessionLostError(err) {
				errs = append(errs, err)
			}
		}
		if s.launcher != nil {
			s.launcher.Cleanup()
		}
	})
	return errors.Join(errs...)
}

// windowSize jitters the configured size a little so the fingerprint is
// not fixed.
func (s *Session) windowSize() string {
	w := s.settings.ViewportWidth + s.rand.Intn(81) - 40
	h := s.settings.ViewportHeight + s.rand.Intn(61) - 30
	return strconv.Itoa(w) + "," + strconv.Itoa(h)
}

func primaryLanguage(acceptLanguage string) string {
	lang, _, _ := strings.Cut(acceptLanguage, ",")
	lang, _, _ = strings.Cut(lang, ";")
	return strings.TrimSpace(lang)
}
