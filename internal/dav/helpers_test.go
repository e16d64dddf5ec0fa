package dav

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSplitDAVPath(t *testing.T) {
	tests := []struct {
		path string
		want []string
	}{
		{"/dav/calendars", []string{}},
		{"/dav/calendars/", []string{}},
		{"/dav/calendars/alice", []string{"alice"}},
		{"/dav/calendars/alice/personal/", []string{"alice", "personal"}},
		{"/dav/calendars/alice/personal/evt.ics", []string{"alice", "personal", "evt.ics"}},
		{"/dav/calendars/alice//personal", []string{"alice", "personal"}},
		{"/dav/calendars/alice/../bob", []string{"bob"}},
		{"/other/alice", nil},
	}
	for _, tc := range tests {
		got := splitDAVPath(tc.path, "/dav/calendars")
		if tc.want == nil {
			if got != nil {
				t.Errorf("splitDAVPath(%q) = %v, want nil", tc.path, got)
			}
			continue
		}
		if len(got) != len(tc.want) {
			t.Errorf("splitDAVPath(%q) = %v, want %v", tc.path, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("splitDAVPath(%q)[%d] = %q, want %q", tc.path, i, got[i], tc.want[i])
			}
		}
	}
}

func TestParseSyncTokenRoundTrip(t *testing.T) {
	for _, seq := range []int64{0, 1, 987654} {
		got, err := parseSyncToken(buildSyncToken(seq))
		if err != nil {
			t.Fatalf("round-trip of seq %d: %v", seq, err)
		}
		if got != seq {
			t.Errorf("round-trip of seq %d returned %d", seq, got)
		}
	}
}

func TestParseSyncTokenRejectsForeignTokens(t *testing.T) {
	for _, token := range []string{"42", "http://sabre.io/ns/sync/", "http://sabre.io/ns/sync/-1", "http://example.com/sync/3"} {
		if _, err := parseSyncToken(token); err == nil {
			t.Errorf("token %q should be rejected", token)
		}
	}
}

func TestParseSyncTokenEmptyMeansInitial(t *testing.T) {
	seq, err := parseSyncToken("  ")
	if err != nil || seq != 0 {
		t.Errorf("blank token = (%d, %v), want (0, nil)", seq, err)
	}
}

func TestObjectNameRoundTrip(t *testing.T) {
	if got := objectNameFromUID("evt-1"); got != "evt-1.ics" {
		t.Errorf("objectNameFromUID = %q", got)
	}
	if got := uidFromObjectName("evt-1.ics"); got != "evt-1" {
		t.Errorf("uidFromObjectName = %q", got)
	}
	if got := uidFromObjectName("plain"); got != "plain" {
		t.Errorf("uidFromObjectName without extension = %q", got)
	}
}

func TestQuoteETag(t *testing.T) {
	if got := quoteETag("abc"); got != `"abc"` {
		t.Errorf("quoteETag = %q", got)
	}
	if got := quoteETag(`"abc"`); got != `"abc"` {
		t.Errorf("quoteETag must not double-quote, got %q", got)
	}
}

func TestReadDAVBodyLimit(t *testing.T) {
	req := httptest.NewRequest("REPORT", "/", strings.NewReader(strings.Repeat("x", 64)))
	if _, err := readDAVBody(req, 32); err != errRequestTooLarge {
		t.Errorf("oversize body should fail with errRequestTooLarge, got %v", err)
	}

	req = httptest.NewRequest("REPORT", "/", strings.NewReader("small"))
	body, err := readDAVBody(req, 32)
	if err != nil || string(body) != "small" {
		t.Errorf("readDAVBody = (%q, %v)", body, err)
	}
}

func TestSafeUnmarshalRejectsCustomEntities(t *testing.T) {
	payload := `<?xml version="1.0"?><!DOCTYPE r [<!ENTITY x "boom">]><d:sync-collection xmlns:d="DAV:"><d:sync-token>&x;</d:sync-token></d:sync-collection>`
	var report reportRequest
	if err := safeUnmarshalXML([]byte(payload), &report); err == nil {
		t.Error("custom entity expansion should fail")
	}
}

func TestSupportedComponentsDefaults(t *testing.T) {
	set := supportedComponents("")
	if len(set.Comps) != 1 || set.Comps[0].Name != "VEVENT" {
		t.Errorf("empty component set should default to VEVENT, got %+v", set.Comps)
	}
	set = supportedComponents("vevent, vtodo")
	if len(set.Comps) != 2 || set.Comps[0].Name != "VEVENT" || set.Comps[1].Name != "VTODO" {
		t.Errorf("component parsing failed: %+v", set.Comps)
	}
}
