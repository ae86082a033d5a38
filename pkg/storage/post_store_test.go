package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGetPost(t *testing.T) {
	store := newTestStore(t)

	scheduled := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, store.CreatePost(&Post{
		PostID:      "post-1",
		AccountID:   "acc1",
		Content:     "hello world",
		MediaURLs:   []string{"img1.png", "img2.png"},
		ScheduledAt: &scheduled,
	}))

	post, err := store.GetPost("post-1")
	require.NoError(t, err)
	require.NotNil(t, post)
	assert.Equal(t, PostStatusScheduled, post.Status)
	assert.Equal(t, []string{"img1.png", "img2.png"}, post.MediaURLs)
	require.NotNil(t, post.ScheduledAt)
}

func TestGetPostMissing(t *testing.T) {
	store := newTestStore(t)

	post, err := store.GetPost("nope")
	require.NoError(t, err)
	assert.Nil(t, post)
}

func TestListDuePosts(t *testing.T) {
	store := newTestStore(t)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	require.NoError(t, store.CreatePost(&Post{PostID: "due", AccountID: "acc1", Content: "a", ScheduledAt: &past}))
	require.NoError(t, store.CreatePost(&Post{PostID: "later", AccountID: "acc1", Content: "b", ScheduledAt: &future}))
	require.NoError(t, store.CreatePost(&Post{PostID: "no-schedule", AccountID: "acc1", Content: "c"}))

	due, err := store.ListDuePosts(time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].PostID)
}

func TestMarkPostPostingGuardsDoubleDispatch(t *testing.T) {
	store := newTestStore(t)

	past := time.Now().Add(-time.Minute)
	require.NoError(t, store.CreatePost(&Post{PostID: "p1", AccountID: "acc1", Content: "x", ScheduledAt: &past}))

	ok, err := store.MarkPostPosting("p1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim must fail: the post is no longer scheduled.
	ok, err = store.MarkPostPosting("p1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostOutcomes(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreatePost(&Post{PostID: "p1", AccountID: "acc1", Content: "x"}))

	require.NoError(t, store.MarkPostPosted("p1", "https://x.com/status/1", "https://cdn/shot.jpg"))
	post, err := store.GetPost("p1")
	require.NoError(t, err)
	assert.Equal(t, PostStatusPosted, post.Status)
	assert.Equal(t, "https://x.com/status/1", post.PostURL)
	assert.Equal(t, "https://cdn/shot.jpg", post.ScreenshotURL)

	require.NoError(t, store.MarkPostFailed("p1", "compose dialog never appeared"))
	post, err = store.GetPost("p1")
	require.NoError(t, err)
	assert.Equal(t, PostStatusFailed, post.Status)
	assert.Equal(t, "compose dialog never appeared", post.LastError)
}

func TestRequeuePost(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreatePost(&Post{PostID: "p1", AccountID: "acc1", Content: "x"}))
	require.NoError(t, store.MarkPostFailed("p1", "driver disconnected"))

	when := time.Now().Add(time.Minute)
	ok, err := store.RequeuePost("p1", when)
	require.NoError(t, err)
	assert.True(t, ok)

	post, err := store.GetPost("p1")
	require.NoError(t, err)
	assert.Equal(t, PostStatusScheduled, post.Status)
	assert.Empty(t, post.LastError)

	// Requeue of a non-failed post is rejected.
	ok, err = store.RequeuePost("p1", when)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListPostsByAccount(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreatePost(&Post{PostID: "p1", AccountID: "acc1", Content: "a"}))
	require.NoError(t, store.CreatePost(&Post{PostID: "p2", AccountID: "acc1", Content: "b"}))
	require.NoError(t, store.CreatePost(&Post{PostID: "p3", AccountID: "acc2", Content: "c"}))

	posts, err := store.ListPostsByAccount("acc1")
	require.NoError(t, err)
	assert.Len(t, posts, 2)
}
