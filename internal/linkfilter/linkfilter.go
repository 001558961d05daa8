// Package linkfilter applies deterministic, LLM-free heuristics to reject
// obviously unproductive URLs before they ever reach the fetch pipeline or
// the (expensive) LLM-based link scorer.
package linkfilter

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// MaxQueueSize is the per-worker personal-queue cap. Beyond this, queue
// pressure is considered saturated and new discoveries are dropped rather
// than queued.
const MaxQueueSize = 100

// rejectedDomains are hosts that never carry useful research content:
// social media, general search engines, and overly generic encyclopedic
// aggregators.
var rejectedDomains = []string{
	"twitter.com",
	"x.com",
	"linkedin.com",
	"facebook.com",
	"instagram.com",
	"youtube.com",
	"google.com",
	"bing.com",
	"yahoo.com",
	"duckduckgo.com",
	"wikipedia.org",
}

// rejectedPathPatterns are path shapes that indicate account/navigation/
// boilerplate pages rather than content pages.
var rejectedPathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/login`),
	regexp.MustCompile(`(?i)/signin`),
	regexp.MustCompile(`(?i)/signup`),
	regexp.MustCompile(`(?i)/register`),
	regexp.MustCompile(`(?i)/contact`),
	regexp.MustCompile(`(?i)/about-us`),
	regexp.MustCompile(`(?i)/careers`),
	regexp.MustCompile(`(?i)/privacy`),
	regexp.MustCompile(`(?i)/terms`),
	regexp.MustCompile(`(?i)/cookie`),
	regexp.MustCompile(`(?i)/support`),
	regexp.MustCompile(`(?i)/help`),
	regexp.MustCompile(`(?i)/faq`),
	regexp.MustCompile(`(?i)/search\?`),
	regexp.MustCompile(`(?i)/results\?`),
}

// rejectedExtensions are file types unlikely to hold usable text content.
var rejectedExtensions = []string{
	".zip", ".exe", ".dmg", ".pkg", ".deb", ".rpm", ".tar", ".gz", ".rar", ".7z",
	".mp4", ".avi", ".mov", ".mp3", ".wav", ".jpg", ".jpeg", ".png", ".gif", ".svg",
}

// Filter applies the fast-rejection heuristics and tracks queue pressure.
// It holds no mutable state beyond what callers pass in, so a single
// instance is safe to share across workers.
type Filter struct{}

// New returns a ready-to-use Filter.
func New() *Filter {
	return &Filter{}
}

// ShouldRejectFast reports whether url should be dropped before fetch,
// along with a human-readable reason. A malformed URL is rejected.
func (f *Filter) ShouldRejectFast(raw string) (reject bool, reason string) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return true, fmt.Sprintf("invalid URL: %v", err)
	}

	domain := strings.ToLower(parsed.Host)
	path := strings.ToLower(parsed.Path)

	for _, rejected := range rejectedDomains {
		if strings.HasSuffix(domain, rejected) {
			return true, "rejected domain: " + rejected
		}
	}

	for _, pattern := range rejectedPathPatterns {
		if pattern.MatchString(path) {
			return true, "rejected path pattern: " + pattern.String()
		}
	}

	for _, ext := range rejectedExtensions {
		if strings.HasSuffix(path, ext) {
			return true, "rejected file extension: " + ext
		}
	}

	return false, ""
}

// CanAddToQueue reports whether currentQueueSize has room for another URL.
func (f *Filter) CanAddToQueue(currentQueueSize int) bool {
	return currentQueueSize < MaxQueueSize
}

// QueuePressure returns a 0.0 (empty) to 1.0 (full) measure of queue
// saturation, used to decide when link scoring should kick in: the fast
// filter alone handles a light queue, and LinkScorer only engages once
// pressure climbs.
func (f *Filter) QueuePressure(currentQueueSize int) float64 {
	pressure := float64(currentQueueSize) / float64(MaxQueueSize)
	if pressure > 1.0 {
		return 1.0
	}
	return pressure
}
