// Package mount pins down the path convention of the federated calendar
// mount. The notifier, the sharing service and the inbound auth backend all
// rely on the exact same shape, so it lives in one place:
//
//	remote-calendars/<base64 recipient cloud id>/<calendarUri>_shared_by_<ownerUid>
package mount

import (
	"strings"

	"gitea.jw6.us/james/calfed/internal/federation/cloudid"
)

// Prefix is the first segment of the federated calendar mount, below the
// DAV root.
const Prefix = "remote-calendars"

const sharedBySeparator = "_shared_by_"

// Collection returns the mount-relative collection path for a calendar
// shared with a remote recipient.
func Collection(recipient cloudid.CloudID, calendarURI, ownerUID string) string {
	return Prefix + "/" + recipient.Encode() + "/" + CollectionName(calendarURI, ownerUID)
}

// CollectionName returns the final path segment of a shared collection.
func CollectionName(calendarURI, ownerUID string) string {
	return calendarURI + sharedBySeparator + ownerUID
}

// SplitCollectionName reverses CollectionName.
func SplitCollectionName(name string) (calendarURI, ownerUID string, ok bool) {
	idx := strings.LastIndex(name, sharedBySeparator)
	if idx <= 0 || idx+len(sharedBySeparator) >= len(name) {
		return "", "", false
	}
	return name[:idx], name[idx+len(sharedBySeparator):], true
}

// CalendarURL builds the absolute URL under which a recipient reaches a
// shared calendar on this server.
func CalendarURL(baseURL string, recipient cloudid.CloudID, calendarURI, ownerUID string) string {
	return strings.TrimSuffix(baseURL, "/") + "/dav/" + Collection(recipient, calendarURI, ownerUID)
}
