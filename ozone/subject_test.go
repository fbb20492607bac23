package ozone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubject(t *testing.T) {
	t.Run("account", func(t *testing.T) {
		subj, err := ParseSubject("did:plc:abc123", "", "", nil)
		require.NoError(t, err)
		assert.Equal(t, SubjectAccount, subj.Kind())
		assert.False(t, subj.IsRecord())
		assert.Equal(t, "", subj.RecordPath())
		assert.Equal(t, "did:plc:abc123", subj.String())
		assert.Equal(t, "did:plc:abc123", subj.LabelUri())
	})

	t.Run("record", func(t *testing.T) {
		uri := "at://did:plc:abc123/app.bsky.feed.post/3kxyz"
		subj, err := ParseSubject("did:plc:abc123", uri, testRecordCid, []string{testBlobCid})
		require.NoError(t, err)
		assert.Equal(t, SubjectRecord, subj.Kind())
		assert.Equal(t, "app.bsky.feed.post/3kxyz", subj.RecordPath())
		assert.Equal(t, uri, subj.String())
		assert.Equal(t, []string{testBlobCid}, subj.BlobCids)
	})

	t.Run("record without explicit did", func(t *testing.T) {
		subj, err := ParseSubject("", "at://did:plc:abc123/app.bsky.feed.post/3kxyz", testRecordCid, nil)
		require.NoError(t, err)
		assert.Equal(t, "did:plc:abc123", subj.Did.String())
	})

	t.Run("rejects malformed input", func(t *testing.T) {
		for _, tc := range []struct {
			name               string
			did, uri, cid      string
			blobCids           []string
		}{
			{name: "empty", did: ""},
			{name: "bad did", did: "not-a-did"},
			{name: "uri without cid", did: "did:plc:abc123", uri: "at://did:plc:abc123/app.bsky.feed.post/3kxyz"},
			{name: "cid without uri", did: "did:plc:abc123", cid: testRecordCid},
			{name: "bad uri", did: "did:plc:abc123", uri: "https://example.com/post/1", cid: testRecordCid},
			{name: "bad cid", did: "did:plc:abc123", uri: "at://did:plc:abc123/app.bsky.feed.post/3kxyz", cid: "nope"},
			{name: "did mismatch", did: "did:plc:other", uri: "at://did:plc:abc123/app.bsky.feed.post/3kxyz", cid: testRecordCid},
			{name: "handle authority", uri: "at://alice.example.com/app.bsky.feed.post/3kxyz", cid: testRecordCid},
			{name: "blobs on account", did: "did:plc:abc123", blobCids: []string{testBlobCid}},
			{name: "bad blob cid", did: "did:plc:abc123", uri: "at://did:plc:abc123/app.bsky.feed.post/3kxyz", cid: testRecordCid, blobCids: []string{"zz"}},
		} {
			t.Run(tc.name, func(t *testing.T) {
				_, err := ParseSubject(tc.did, tc.uri, tc.cid, tc.blobCids)
				var validationErr *ValidationError
				require.ErrorAs(t, err, &validationErr)
			})
		}
	})
}
