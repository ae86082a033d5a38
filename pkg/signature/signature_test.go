package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twitterHome = `<html><body>
<a data-testid="AppTabBar_Home_Link" href="/home">Home</a>
<a href="/someuser/status/1234567890">1:02 PM</a>
</body></html>`

const twitterLogin = `<html><body>
<input autocomplete="username" name="text">
</body></html>`

const twitterChallenge = `<html><body>
<div id="arkose_iframe"></div>
<a data-testid="AppTabBar_Home_Link" href="/home">Home</a>
</body></html>`

func TestClassifyTwitter(t *testing.T) {
	reg := NewRegistry(nil)
	d, ok := reg.ForPlatform("twitter")
	require.True(t, ok)

	assert.Equal(t, VerdictLoggedIn, d.Classify(twitterHome, "https://x.com/home"))
	assert.Equal(t, VerdictLoginPage, d.Classify(twitterLogin, "https://x.com/i/flow/login"))
	// Challenge markers beat logged-in chrome.
	assert.Equal(t, VerdictChallenge, d.Classify(twitterChallenge, "https://x.com/home"))
}

func TestClassifyURLFallback(t *testing.T) {
	reg := NewRegistry(nil)
	d, _ := reg.ForPlatform("instagram")

	assert.Equal(t, VerdictLoginPage, d.Classify("<html><body></body></html>", "https://www.instagram.com/accounts/login/"))
	assert.Equal(t, VerdictUnknown, d.Classify("<html><body></body></html>", "https://www.instagram.com/explore/"))
}

func TestPostURLExtraction(t *testing.T) {
	reg := NewRegistry(nil)
	d, _ := reg.ForPlatform("twitter")

	got := d.PostURL(twitterHome, "https://x.com/home")
	assert.Equal(t, "https://x.com/someuser/status/1234567890", got)

	// No permalink visible falls back to the page URL.
	got = d.PostURL(twitterLogin, "https://x.com/home")
	assert.Equal(t, "https://x.com/home", got)
}

func TestPostConfirmed(t *testing.T) {
	reg := NewRegistry(nil)
	d, _ := reg.ForPlatform("twitter")

	assert.True(t, d.PostConfirmed(`<div data-testid="toast">Your post was sent</div>`, "https://x.com/compose"))
	assert.True(t, d.PostConfirmed("<html></html>", "https://x.com/home"))
	assert.False(t, d.PostConfirmed("<html></html>", "https://example.com"))
}

func TestSelectorOverrides(t *testing.T) {
	reg := NewRegistry(map[string]map[string]string{
		"twitter": {
			"logged_in_marker": `div.new-home-marker`,
			"login_url":        "https://x.com/login",
		},
	})
	d, _ := reg.ForPlatform("twitter")

	assert.Equal(t, "https://x.com/login", d.Profile().LoginURL)
	assert.Equal(t, VerdictLoggedIn, d.Classify(`<div class="new-home-marker"></div>`, "https://x.com/home"))
	assert.Equal(t, VerdictUnknown, d.Classify(twitterHome, "https://x.com/home"))
}

func TestRegistryPlatforms(t *testing.T) {
	reg := NewRegistry(nil)
	assert.Equal(t, []string{"facebook", "instagram", "tiktok", "twitter"}, reg.Platforms())

	_, ok := reg.ForPlatform("myspace")
	assert.False(t, ok)
}
