package dav

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"
)

const maxDAVBodyBytes = 1 << 20

// syncTokenNS is the namespace wrapped around the numeric journal cursor in
// served sync tokens. Consumers must hand the token back verbatim.
const syncTokenNS = "http://sabre.io/ns/sync/"

var errRequestTooLarge = errors.New("request body too large")

func readDAVBody(r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errRequestTooLarge
	}
	return body, nil
}

func newMultistatus(responses []response) multistatus {
	return multistatus{
		XMLName:   xml.Name{Space: "DAV:", Local: "multistatus"},
		XmlnsD:    "DAV:",
		XmlnsC:    "urn:ietf:params:xml:ns:caldav",
		XmlnsCS:   "http://calendarserver.org/ns/",
		XmlnsICal: "http://apple.com/ns/ical/",
		Response:  responses,
	}
}

func writeMultiStatus(w http.ResponseWriter, payload multistatus) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_ = xml.NewEncoder(w).Encode(payload)
}

// writeDAVError emits an RFC 4918 error body with a single precondition
// element in the DAV: namespace.
func writeDAVError(w http.ResponseWriter, status int, condition string) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?><D:error xmlns:D="DAV:"><D:%s/></D:error>`, condition)
}

func writeCalendarObject(w http.ResponseWriter, raw, etag string, lastModified time.Time) {
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("ETag", quoteETag(etag))
	if !lastModified.IsZero() {
		w.Header().Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	}
	_, _ = w.Write([]byte(raw))
}

func quoteETag(etag string) string {
	return `"` + strings.Trim(etag, `"`) + `"`
}

func buildSyncToken(seq int64) string {
	return syncTokenNS + strconv.FormatInt(seq, 10)
}

// parseSyncToken accepts the empty token (initial full sync) and tokens this
// server issued earlier. Anything else is the consumer's error.
func parseSyncToken(token string) (int64, error) {
	if strings.TrimSpace(token) == "" {
		return 0, nil
	}
	rest, ok := strings.CutPrefix(token, syncTokenNS)
	if !ok {
		return 0, fmt.Errorf("unrecognized sync token %q", token)
	}
	seq, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("unrecognized sync token %q", token)
	}
	return seq, nil
}

// objectNameFromUID maps an event UID to its object name in a collection.
func objectNameFromUID(uid string) string {
	return uid + ".ics"
}

// uidFromObjectName strips the .ics extension from an object name.
func uidFromObjectName(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}

func ensureTrailingSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// splitDAVPath breaks the path below a mount prefix into its segments,
// ignoring a trailing slash.
func splitDAVPath(rawPath, prefix string) []string {
	cleaned := path.Clean(rawPath)
	rest, ok := strings.CutPrefix(cleaned, strings.TrimSuffix(prefix, "/"))
	if !ok {
		return nil
	}
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return []string{}
	}
	return strings.Split(rest, "/")
}

func supportedComponents(components string) *supportedCalendarComponentSet {
	set := &supportedCalendarComponentSet{}
	for _, name := range strings.Split(components, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		set.Comps = append(set.Comps, comp{Name: strings.ToUpper(name)})
	}
	if len(set.Comps) == 0 {
		set.Comps = []comp{{Name: "VEVENT"}}
	}
	return set
}

func calendarResourceType() *resourceType {
	return &resourceType{Collection: &struct{}{}, Calendar: &struct{}{}}
}
