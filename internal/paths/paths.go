// File: internal/paths/paths.go

// Package paths locates the vibium cache directory and the browser and
// chromedriver binaries on each platform.
package paths

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	homedir "github.com/mitchellh/go-homedir"
)

// CacheDir returns the platform cache directory for vibium.
// Linux: ~/.cache/vibium, macOS: ~/Library/Caches/vibium,
// Windows: %LOCALAPPDATA%\vibium.
func CacheDir() (string, error) {
	var baseDir string

	switch runtime.GOOS {
	case "linux":
		if xdgCache := os.Getenv("XDG_CACHE_HOME"); xdgCache != "" {
			baseDir = xdgCache
		} else {
			home, err := homedir.Dir()
			if err != nil {
				return "", err
			}
			baseDir = filepath.Join(home, ".cache")
		}
	case "darwin":
		home, err := homedir.Dir()
		if err != nil {
			return "", err
		}
		baseDir = filepath.Join(home, "Library", "Caches")
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			baseDir = localAppData
		} else {
			home, err := homedir.Dir()
			if err != nil {
				return "", err
			}
			baseDir = filepath.Join(home, "AppData", "Local")
		}
	default:
		home, err := homedir.Dir()
		if err != nil {
			return "", err
		}
		baseDir = filepath.Join(home, ".cache")
	}

	return filepath.Join(baseDir, "vibium"), nil
}

// ChromeForTestingDir returns the cache directory holding Chrome for Testing
// installs, one subdirectory per version.
func ChromeForTestingDir() (string, error) {
	cacheDir, err := CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cacheDir, "chrome-for-testing"), nil
}

// ChromeExecutable returns the path to a Chrome binary: a cached Chrome for
// Testing install if present, otherwise the system Chrome.
func ChromeExecutable() (string, error) {
	if cftDir, err := ChromeForTestingDir(); err == nil {
		if entries, err := os.ReadDir(cftDir); err == nil {
			for _, entry := range entries {
				if !entry.IsDir() {
					continue
				}
				chromePath := chromePathInVersion(filepath.Join(cftDir, entry.Name()))
				if _, err := os.Stat(chromePath); err == nil {
					return chromePath, nil
				}
			}
		}
	}
	return systemChromePath()
}

// ChromedriverPath returns the path to the cached chromedriver, falling back
// to one on PATH.
func ChromedriverPath() (string, error) {
	cftDir, err := ChromeForTestingDir()
	if err == nil {
		if entries, readErr := os.ReadDir(cftDir); readErr == nil {
			for _, entry := range entries {
				if !entry.IsDir() {
					continue
				}
				driverPath := chromedriverPathInVersion(filepath.Join(cftDir, entry.Name()))
				if _, statErr := os.Stat(driverPath); statErr == nil {
					return driverPath, nil
				}
			}
		}
	}

	if p, err := exec.LookPath(chromedriverBinaryName()); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("chromedriver not found in cache or on PATH")
}

func chromedriverBinaryName() string {
	if runtime.GOOS == "windows" {
		return "chromedriver.exe"
	}
	return "chromedriver"
}

// chromePathInVersion returns the Chrome binary path inside one cached
// version directory, following the Chrome for Testing archive layout.
func chromePathInVersion(versionDir string) string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(versionDir,
			"chrome-mac-arm64", "Google Chrome for Testing.app",
			"Contents", "MacOS", "Google Chrome for Testing")
	case "windows":
		return filepath.Join(versionDir, "chrome-win64", "chrome.exe")
	default:
		return filepath.Join(versionDir, "chrome-linux64", "chrome")
	}
}

func chromedriverPathInVersion(versionDir string) string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(versionDir, "chromedriver-mac-arm64", "chromedriver")
	case "windows":
		return filepath.Join(versionDir, "chromedriver-win64", "chromedriver.exe")
	default:
		return filepath.Join(versionDir, "chromedriver-linux64", "chromedriver")
	}
}

// systemChromePath probes the usual install locations, then PATH.
func systemChromePath() (string, error) {
	var candidates []string
	switch runtime.GOOS {
	case "darwin":
		candidates = []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	case "windows":
		candidates = []string{
			filepath.Join(os.Getenv("ProgramFiles"), "Google", "Chrome", "Application", "chrome.exe"),
			filepath.Join(os.Getenv("ProgramFiles(x86)"), "Google", "Chrome", "Application", "chrome.exe"),
		}
	default:
		candidates = []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
		}
	}

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	for _, name := range []string{"google-chrome", "chromium", "chrome"} {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no chrome installation found")
}
