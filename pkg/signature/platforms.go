package signature

import (
	"sort"
	"strings"
	"sync"
)

// Built-in platform profiles. Selector sets target the platforms' web UIs
// and can be overridden per platform from configuration.

func twitterProfile() Profile {
	return Profile{
		Name:     "twitter",
		LoginURL: "https://x.com/i/flow/login",
		HomeURL:  "https://x.com",
		Selectors: Selectors{
			Username:          `input[autocomplete="username"]`,
			Password:          `input[name="password"]`,
			LoginSubmit:       `button[data-testid="LoginForm_Login_Button"]`,
			ComposeButton:     `a[data-testid="SideNav_NewTweet_Button"]`,
			ComposeBox:        `div[data-testid="tweetTextarea_0"]`,
			MediaInput:        `input[data-testid="fileInput"]`,
			PostSubmit:        `button[data-testid="tweetButton"]`,
			LoggedInMarker:    `a[data-testid="AppTabBar_Home_Link"]`,
			LoginPageMarker:   `input[autocomplete="username"]`,
			ChallengeMarker:   `div[id="arkose_iframe"], iframe[title*="challenge"]`,
			PostConfirmMarker: `div[data-testid="toast"]`,
			PostLinkPattern:   "/status/",
		},
	}
}

func instagramProfile() Profile {
	return Profile{
		Name:     "instagram",
		LoginURL: "https://www.instagram.com/accounts/login/",
		HomeURL:  "https://www.instagram.com",
		Selectors: Selectors{
			Username:          `input[name="username"]`,
			Password:          `input[name="password"]`,
			LoginSubmit:       `button[type="submit"]`,
			ComposeButton:     `svg[aria-label="New post"]`,
			ComposeBox:        `textarea[aria-label="Write a caption..."]`,
			MediaInput:        `input[accept*="image"]`,
			PostSubmit:        `div[role="dialog"] button:has-text("Share")`,
			LoggedInMarker:    `svg[aria-label="Home"]`,
			LoginPageMarker:   `input[name="username"]`,
			ChallengeMarker:   `form[action*="challenge"], input[name="security_code"]`,
			PostConfirmMarker: `img[alt="Animated checkmark"]`,
			PostLinkPattern:   "/p/",
		},
	}
}

func tiktokProfile() Profile {
	return Profile{
		Name:     "tiktok",
		LoginURL: "https://www.tiktok.com/login",
		HomeURL:  "https://www.tiktok.com",
		Selectors: Selectors{
			Username:          `input[name="username"]`,
			Password:          `input[type="password"]`,
			LoginSubmit:       `button[data-e2e="login-button"]`,
			ComposeButton:     `a[data-e2e="upload-icon"]`,
			ComposeBox:        `div[data-e2e="caption-input"]`,
			MediaInput:        `input[type="file"]`,
			PostSubmit:        `button[data-e2e="post-button"]`,
			LoggedInMarker:    `div[data-e2e="profile-icon"]`,
			LoginPageMarker:   `div[data-e2e="login-modal"], button[data-e2e="login-button"]`,
			ChallengeMarker:   `div[id*="captcha"], div[class*="captcha"]`,
			PostConfirmMarker: `div[data-e2e="upload-success"]`,
			PostLinkPattern:   "/video/",
		},
	}
}

func facebookProfile() Profile {
	return Profile{
		Name:     "facebook",
		LoginURL: "https://www.facebook.com/login",
		HomeURL:  "https://www.facebook.com",
		Selectors: Selectors{
			Username:          `input[name="email"]`,
			Password:          `input[name="pass"]`,
			LoginSubmit:       `button[name="login"]`,
			ComposeButton:     `div[aria-label="Create a post"]`,
			ComposeBox:        `div[role="dialog"] div[contenteditable="true"]`,
			MediaInput:        `input[accept*="image"]`,
			PostSubmit:        `div[role="dialog"] div[aria-label="Post"]`,
			LoggedInMarker:    `a[aria-label="Home"]`,
			LoginPageMarker:   `input[name="pass"]`,
			ChallengeMarker:   `form[action*="checkpoint"], div[id*="captcha"]`,
			PostConfirmMarker: "",
			PostLinkPattern:   "/posts/",
		},
	}
}

// Registry maps platform names to detectors.
type Registry struct {
	mu        sync.RWMutex
	detectors map[string]Detector
}

// NewRegistry builds a registry with the built-in platform profiles,
// applying any selector overrides keyed by platform then selector field.
func NewRegistry(overrides map[string]map[string]string) *Registry {
	r := &Registry{detectors: make(map[string]Detector)}
	for _, p := range []Profile{twitterProfile(), instagramProfile(), tiktokProfile(), facebookProfile()} {
		applyOverrides(&p, overrides[p.Name])
		r.detectors[p.Name] = New(p)
	}
	return r
}

// ForPlatform returns the detector for a platform name, or false when the
// platform is not registered.
func (r *Registry) ForPlatform(name string) (Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[strings.ToLower(name)]
	return d, ok
}

// Register adds or replaces a platform detector.
func (r *Registry) Register(d Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectors[strings.ToLower(d.Platform())] = d
}

// Platforms lists registered platform names in sorted order.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.detectors))
	for name := range r.detectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func applyOverrides(p *Profile, overrides map[string]string) {
	for key, value := range overrides {
		switch strings.ToLower(key) {
		case "login_url":
			p.LoginURL = value
		case "home_url":
			p.HomeURL = value
		case "username":
			p.Selectors.Username = value
		case "password":
			p.Selectors.Password = value
		case "login_submit":
			p.Selectors.LoginSubmit = value
		case "compose_button":
			p.Selectors.ComposeButton = value
		case "compose_box":
			p.Selectors.ComposeBox = value
		case "media_input":
			p.Selectors.MediaInput = value
		case "post_submit":
			p.Selectors.PostSubmit = value
		case "logged_in_marker":
			p.Selectors.LoggedInMarker = value
		case "login_page_marker":
			p.Selectors.LoginPageMarker = value
		case "challenge_marker":
			p.Selectors.ChallengeMarker = value
		case "post_confirm_marker":
			p.Selectors.PostConfirmMarker = value
		case "post_link_pattern":
			p.Selectors.PostLinkPattern = value
		}
	}
}
