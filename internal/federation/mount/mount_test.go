package mount

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitea.jw6.us/james/calfed/internal/federation/cloudid"
)

func TestCollectionNameRoundTrip(t *testing.T) {
	name := CollectionName("personal", "alice")
	assert.Equal(t, "personal_shared_by_alice", name)

	uri, owner, ok := SplitCollectionName(name)
	require.True(t, ok)
	assert.Equal(t, "personal", uri)
	assert.Equal(t, "alice", owner)
}

func TestSplitCollectionNameUsesLastSeparator(t *testing.T) {
	// A calendar uri may itself contain the separator text.
	uri, owner, ok := SplitCollectionName("team_shared_by_all_shared_by_alice")
	require.True(t, ok)
	assert.Equal(t, "team_shared_by_all", uri)
	assert.Equal(t, "alice", owner)
}

func TestSplitCollectionNameInvalid(t *testing.T) {
	for _, name := range []string{"", "personal", "_shared_by_alice", "personal_shared_by_"} {
		_, _, ok := SplitCollectionName(name)
		assert.False(t, ok, "name=%q", name)
	}
}

func TestCalendarURL(t *testing.T) {
	recipient := cloudid.CloudID{User: "bob", Host: "serverB.example"}
	url := CalendarURL("https://serverA.example/", recipient, "personal", "alice")
	want := "https://serverA.example/dav/remote-calendars/" + recipient.Encode() + "/personal_shared_by_alice"
	assert.Equal(t, want, url)
}
