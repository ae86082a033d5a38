// Package signature classifies what a social platform's page currently
// shows: a logged-in app shell, a login form, or a challenge/CAPTCHA wall.
// Detection is selector-based per platform; selector sets can be overridden
// from configuration when a platform ships a UI change.
package signature

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Verdict is the classification of a page snapshot.
type Verdict string

const (
	VerdictLoggedIn  Verdict = "logged_in"
	VerdictLoginPage Verdict = "login_page"
	VerdictChallenge Verdict = "challenge"
	VerdictUnknown   Verdict = "unknown"
)

// Selectors is the per-platform selector set driving both detection and the
// operation flows.
type Selectors struct {
	// Login flow
	Username    string
	Password    string
	LoginSubmit string

	// Post flow
	ComposeButton string
	ComposeBox    string
	MediaInput    string
	PostSubmit    string

	// Detection markers
	LoggedInMarker    string
	LoginPageMarker   string
	ChallengeMarker   string
	PostConfirmMarker string

	// PostLinkPattern is a substring of permalink hrefs, used to extract the
	// resulting post URL after submission.
	PostLinkPattern string
}

// Profile bundles a platform's entry URLs and selectors.
type Profile struct {
	Name      string
	LoginURL  string
	HomeURL   string
	Selectors Selectors
}

// Detector classifies page snapshots for one platform.
type Detector interface {
	Platform() string
	Profile() Profile

	// Classify inspects a page's HTML and URL.
	Classify(html, pageURL string) Verdict

	// PostConfirmed reports whether the page shows a post-submission
	// confirmation.
	PostConfirmed(html, pageURL string) bool

	// PostURL extracts the permalink of the most recent post, falling back
	// to the page URL when no permalink is visible.
	PostURL(html, pageURL string) string
}

// detector is the selector-driven Detector shared by all platforms.
type detector struct {
	profile Profile
}

// New creates a Detector from a profile.
func New(profile Profile) Detector {
	return &detector{profile: profile}
}

func (d *detector) Platform() string {
	return d.profile.Name
}

func (d *detector) Profile() Profile {
	return d.profile
}

func (d *detector) Classify(html, pageURL string) Verdict {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return VerdictUnknown
	}

	sel := d.profile.Selectors

	// Challenge walls win: a CAPTCHA page may still render app chrome.
	if sel.ChallengeMarker != "" && doc.Find(sel.ChallengeMarker).Length() > 0 {
		return VerdictChallenge
	}
	if sel.LoggedInMarker != "" && doc.Find(sel.LoggedInMarker).Length() > 0 {
		return VerdictLoggedIn
	}
	if sel.LoginPageMarker != "" && doc.Find(sel.LoginPageMarker).Length() > 0 {
		return VerdictLoginPage
	}
	if strings.Contains(pageURL, "/login") || strings.Contains(pageURL, "/accounts/login") {
		return VerdictLoginPage
	}
	return VerdictUnknown
}

func (d *detector) PostConfirmed(html, pageURL string) bool {
	sel := d.profile.Selectors
	if sel.PostConfirmMarker != "" {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err == nil && doc.Find(sel.PostConfirmMarker).Length() > 0 {
			return true
		}
	}
	// Redirect back to the home timeline also counts as confirmation.
	return d.profile.HomeURL != "" && strings.HasPrefix(pageURL, d.profile.HomeURL)
}

func (d *detector) PostURL(html, pageURL string) string {
	pattern := d.profile.Selectors.PostLinkPattern
	if pattern == "" {
		return pageURL
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return pageURL
	}

	var found string
	doc.Find(fmt.Sprintf(`a[href*=%q]`, pattern)).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, ok := s.Attr("href")
		if !ok || href == "" {
			return true
		}
		found = href
		return false
	})
	if found == "" {
		return pageURL
	}
	if strings.HasPrefix(found, "/") && d.profile.HomeURL != "" {
		return strings.TrimSuffix(d.profile.HomeURL, "/") + found
	}
	return found
}
