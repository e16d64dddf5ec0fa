package dav

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	httperrors "gitea.jw6.us/james/calfed/internal/http/errors"

	"gitea.jw6.us/james/calfed/internal/auth"
	"gitea.jw6.us/james/calfed/internal/caldav"
	"gitea.jw6.us/james/calfed/internal/calendars"
	"gitea.jw6.us/james/calfed/internal/federation/cloudid"
	"gitea.jw6.us/james/calfed/internal/store"
)

const facadeMountPath = "/dav/calendars"

// FacadeHandler serves a local user's calendar home: their own calendars
// next to the federated calendars other servers shared with them. Federated
// collections are facades over the mirror: reads come from mirrored events,
// writes go through to the origin server first and only land in the mirror
// once the origin confirmed them.
type FacadeHandler struct {
	store      *store.Store
	locals     *calendars.Service
	writer     caldav.ObjectWriter
	serverName string
	logger     *slog.Logger
	clock      func() time.Time
}

func NewFacadeHandler(st *store.Store, locals *calendars.Service, writer caldav.ObjectWriter, serverName string, logger *slog.Logger) *FacadeHandler {
	return &FacadeHandler{
		store:      st,
		locals:     locals,
		writer:     writer,
		serverName: serverName,
		logger:     logger,
		clock:      time.Now,
	}
}

// collection is either a local calendar or a federated facade.
type collection struct {
	local     *store.Calendar
	federated *store.FederatedCalendar
}

func (c collection) found() bool { return c.local != nil || c.federated != nil }

func (h *FacadeHandler) resolveCollection(ctx context.Context, user, uri string) (collection, error) {
	localOpt, err := h.store.Calendars.GetByOwnerAndURI(ctx, user, uri)
	if err != nil {
		return collection{}, err
	}
	if local, ok := localOpt.Get(); ok {
		return collection{local: &local}, nil
	}
	fedOpt, err := h.store.FederatedCalendars.GetByPrincipalAndURI(ctx, cloudid.LocalPrincipal(user), uri)
	if err != nil {
		return collection{}, err
	}
	if fed, ok := fedOpt.Get(); ok {
		return collection{federated: &fed}, nil
	}
	return collection{}, nil
}

// requestUser checks that the authenticated user owns the addressed home.
func requestUser(w http.ResponseWriter, r *http.Request, segments []string) (string, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "missing user", http.StatusUnauthorized)
		return "", false
	}
	if len(segments) == 0 || segments[0] != user {
		http.Error(w, "forbidden", http.StatusForbidden)
		return "", false
	}
	return user, true
}

func (h *FacadeHandler) Options(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "OPTIONS, HEAD, GET, PROPFIND, PROPPATCH, PUT, DELETE")
	w.Header().Set("DAV", "1, calendar-access")
	w.WriteHeader(http.StatusNoContent)
}

func (h *FacadeHandler) Head(w http.ResponseWriter, r *http.Request) {
	h.Get(w, r)
}

func (h *FacadeHandler) Propfind(w http.ResponseWriter, r *http.Request) {
	segments := splitDAVPath(r.URL.Path, facadeMountPath)
	user, ok := requestUser(w, r, segments)
	if !ok {
		return
	}
	depth := r.Header.Get("Depth")
	if depth == "" {
		depth = "1"
	}

	switch len(segments) {
	case 1:
		h.propfindHome(w, r, user, depth)
	case 2:
		h.propfindCollection(w, r, user, segments[1], depth)
	case 3:
		h.propfindObject(w, r, user, segments[1], segments[2])
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *FacadeHandler) propfindHome(w http.ResponseWriter, r *http.Request, user, depth string) {
	homeHref := ensureTrailingSlash(facadeMountPath + "/" + user)
	responses := []response{{
		Href: homeHref,
		Propstat: []propstat{{
			Status: "HTTP/1.1 200 OK",
			Prop: prop{
				ResourceType:         &resourceType{Collection: &struct{}{}},
				CurrentUserPrincipal: &hrefProp{Href: "/" + cloudid.LocalPrincipal(user)},
			},
		}},
	}}

	if depth != "0" {
		locals, err := h.store.Calendars.ListByOwner(r.Context(), user)
		if err != nil {
			httperrors.InternalError(w, r, err, "listing calendars failed")
			return
		}
		for i := range locals {
			responses = append(responses, h.localCollectionResponse(user, locals[i]))
		}

		federated, err := h.store.FederatedCalendars.ListByPrincipal(r.Context(), cloudid.LocalPrincipal(user))
		if err != nil {
			httperrors.InternalError(w, r, err, "listing federated calendars failed")
			return
		}
		for i := range federated {
			responses = append(responses, h.federatedCollectionResponse(user, federated[i]))
		}
	}

	writeMultiStatus(w, newMultistatus(responses))
}

func (h *FacadeHandler) propfindCollection(w http.ResponseWriter, r *http.Request, user, uri, depth string) {
	coll, err := h.resolveCollection(r.Context(), user, uri)
	if err != nil {
		httperrors.InternalError(w, r, err, "resolving calendar failed")
		return
	}
	if !coll.found() {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	var responses []response
	collHref := ensureTrailingSlash(facadeMountPath + "/" + user + "/" + uri)

	if coll.local != nil {
		responses = append(responses, h.localCollectionResponse(user, *coll.local))
		if depth != "0" {
			events, err := h.store.Events.ListForCalendar(r.Context(), coll.local.ID)
			if err != nil {
				httperrors.InternalError(w, r, err, "listing calendar objects failed")
				return
			}
			for _, event := range events {
				responses = append(responses, objectPropResponse(collHref+objectNameFromUID(event.UID), event.ETag))
			}
		}
	} else {
		responses = append(responses, h.federatedCollectionResponse(user, *coll.federated))
		if depth != "0" {
			events, err := h.store.FederatedEvents.ListForCalendar(r.Context(), coll.federated.ID)
			if err != nil {
				httperrors.InternalError(w, r, err, "listing mirrored objects failed")
				return
			}
			for _, event := range events {
				responses = append(responses, objectPropResponse(collHref+mirroredObjectName(event), event.ETag))
			}
		}
	}

	writeMultiStatus(w, newMultistatus(responses))
}

func (h *FacadeHandler) propfindObject(w http.ResponseWriter, r *http.Request, user, uri, object string) {
	_, etag, _, found, err := h.loadObject(r.Context(), user, uri, object)
	if err != nil {
		httperrors.InternalError(w, r, err, "loading calendar object failed")
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeMultiStatus(w, newMultistatus([]response{objectPropResponse(r.URL.Path, etag)}))
}

func (h *FacadeHandler) localCollectionResponse(user string, cal store.Calendar) response {
	href := ensureTrailingSlash(facadeMountPath + "/" + user + "/" + cal.URI)
	p := prop{
		DisplayName:                   cal.DisplayName,
		ResourceType:                  calendarResourceType(),
		Owner:                         &hrefProp{Href: "/" + cloudid.LocalPrincipal(user)},
		SupportedCalendarComponentSet: supportedComponents(cal.Components),
		CurrentUserPrivilegeSet: &currentUserPrivilegeSet{Privileges: []privilege{
			{Read: &struct{}{}},
			{ReadACL: &struct{}{}},
			{WriteProperties: &struct{}{}},
			{WriteContent: &struct{}{}},
			{Bind: &struct{}{}},
			{Unbind: &struct{}{}},
		}},
	}
	if cal.Color != nil {
		p.CalendarColor = *cal.Color
	}
	return response{Href: href, Propstat: []propstat{{Status: "HTTP/1.1 200 OK", Prop: p}}}
}

// federatedCollectionResponse synthesizes the facade's ACL: reading, reading
// the ACL and editing display properties are always allowed; adding,
// removing and rewriting objects only when the share granted write access.
func (h *FacadeHandler) federatedCollectionResponse(user string, fc store.FederatedCalendar) response {
	href := ensureTrailingSlash(facadeMountPath + "/" + user + "/" + fc.URI)
	privileges := []privilege{
		{Read: &struct{}{}},
		{ReadACL: &struct{}{}},
		{WriteProperties: &struct{}{}},
	}
	if fc.Permissions&store.PermissionWrite != 0 {
		privileges = append(privileges,
			privilege{WriteContent: &struct{}{}},
			privilege{Bind: &struct{}{}},
		)
	}
	if fc.Permissions&store.PermissionDelete != 0 {
		privileges = append(privileges, privilege{Unbind: &struct{}{}})
	}

	displayName := fc.DisplayName
	if fc.SharedByDisplayName != "" {
		displayName = fc.DisplayName + " (" + fc.SharedByDisplayName + ")"
	}
	p := prop{
		DisplayName:                   displayName,
		ResourceType:                  calendarResourceType(),
		Owner:                         &hrefProp{Href: "/" + cloudid.LocalPrincipal(user)},
		CTag:                          buildSyncToken(fc.SyncToken),
		SupportedCalendarComponentSet: supportedComponents(fc.Components),
		CurrentUserPrivilegeSet:       &currentUserPrivilegeSet{Privileges: privileges},
	}
	if fc.Color != nil {
		p.CalendarColor = *fc.Color
	}
	return response{Href: href, Propstat: []propstat{{Status: "HTTP/1.1 200 OK", Prop: p}}}
}

func objectPropResponse(href, etag string) response {
	return response{
		Href: href,
		Propstat: []propstat{{
			Status: "HTTP/1.1 200 OK",
			Prop: prop{
				GetETag:        quoteETag(etag),
				GetContentType: "text/calendar; charset=utf-8",
			},
		}},
	}
}

func (h *FacadeHandler) Get(w http.ResponseWriter, r *http.Request) {
	segments := splitDAVPath(r.URL.Path, facadeMountPath)
	user, ok := requestUser(w, r, segments)
	if !ok {
		return
	}
	if len(segments) != 3 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	raw, etag, lastModified, found, err := h.loadObject(r.Context(), user, segments[1], segments[2])
	if err != nil {
		httperrors.InternalError(w, r, err, "loading calendar object failed")
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeCalendarObject(w, raw, etag, lastModified)
}

func (h *FacadeHandler) loadObject(ctx context.Context, user, uri, object string) (raw, etag string, lastModified time.Time, found bool, err error) {
	coll, err := h.resolveCollection(ctx, user, uri)
	if err != nil {
		return "", "", time.Time{}, false, err
	}
	switch {
	case coll.local != nil:
		eventOpt, err := h.store.Events.GetByUID(ctx, coll.local.ID, uidFromObjectName(object))
		if err != nil {
			return "", "", time.Time{}, false, err
		}
		if event, ok := eventOpt.Get(); ok {
			return event.RawICAL, event.ETag, event.LastModified, true, nil
		}
	case coll.federated != nil:
		event, ok, err := h.findMirrored(ctx, coll.federated.ID, object)
		if err != nil {
			return "", "", time.Time{}, false, err
		}
		if ok {
			return event.RawICAL, event.ETag, event.LastModified, true, nil
		}
	}
	return "", "", time.Time{}, false, nil
}

// findMirrored locates a mirrored event by its object name. Mirrored paths
// are remote hrefs, so the comparison runs on their final segment, with the
// UID as fallback for remotes that name objects freely.
func (h *FacadeHandler) findMirrored(ctx context.Context, federatedID int64, object string) (store.FederatedEvent, bool, error) {
	events, err := h.store.FederatedEvents.ListForCalendar(ctx, federatedID)
	if err != nil {
		return store.FederatedEvent{}, false, err
	}
	for _, event := range events {
		if mirroredObjectName(event) == object || event.UID == uidFromObjectName(object) {
			return event, true, nil
		}
	}
	return store.FederatedEvent{}, false, nil
}

func mirroredObjectName(event store.FederatedEvent) string {
	return path.Base(event.Path)
}

func (h *FacadeHandler) Put(w http.ResponseWriter, r *http.Request) {
	segments := splitDAVPath(r.URL.Path, facadeMountPath)
	user, ok := requestUser(w, r, segments)
	if !ok {
		return
	}
	if len(segments) != 3 {
		http.Error(w, "PUT targets a calendar object", http.StatusMethodNotAllowed)
		return
	}

	body, err := readDAVBody(r, maxDAVBodyBytes)
	if err != nil {
		if err == errRequestTooLarge {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, "failed to read body", http.StatusBadRequest)
		}
		return
	}
	if _, err := ical.NewDecoder(strings.NewReader(string(body))).Decode(); err != nil {
		http.Error(w, "invalid calendar data", http.StatusBadRequest)
		return
	}

	coll, err := h.resolveCollection(r.Context(), user, segments[1])
	if err != nil {
		httperrors.InternalError(w, r, err, "resolving calendar failed")
		return
	}
	switch {
	case coll.local != nil:
		etag, err := h.locals.PutEvent(r.Context(), coll.local.ID, uidFromObjectName(segments[2]), string(body))
		if err != nil {
			httperrors.InternalError(w, r, err, "storing calendar object failed")
			return
		}
		w.Header().Set("ETag", quoteETag(etag))
		w.WriteHeader(http.StatusCreated)
	case coll.federated != nil:
		h.putThrough(w, r, user, *coll.federated, segments[2], body)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// putThrough uploads the object to the origin server and mirrors it locally
// only after the origin confirmed the write with an etag. An origin that
// accepts the write without a usable confirmation fails the operation: the
// mirror must never get ahead of what the origin provably stored.
func (h *FacadeHandler) putThrough(w http.ResponseWriter, r *http.Request, user string, fc store.FederatedCalendar, object string, body []byte) {
	if fc.Permissions&store.PermissionWrite == 0 {
		http.Error(w, "calendar is read-only", http.StatusForbidden)
		return
	}

	objectURL := remoteObjectURL(fc.RemoteURL, object)
	username := cloudid.CloudID{User: user, Host: h.serverName}.Encode()
	etag, err := h.writer.PutObject(r.Context(), objectURL, username, fc.Token, body)
	if err != nil {
		httperrors.LogError(r, "write-through to origin failed", err)
		http.Error(w, "origin server rejected the write", http.StatusBadGateway)
		return
	}
	if etag == "" {
		httperrors.LogError(r, "origin confirmed write without etag, not mirroring", nil)
		http.Error(w, "origin server gave no usable confirmation", http.StatusBadGateway)
		return
	}

	parsed, err := url.Parse(objectURL)
	if err != nil {
		httperrors.InternalError(w, r, err, "building mirror path failed")
		return
	}
	if _, err := h.store.FederatedEvents.Upsert(r.Context(), store.FederatedEvent{
		FederatedID:  fc.ID,
		Path:         parsed.Path,
		UID:          uidFromObjectName(object),
		RawICAL:      string(body),
		ETag:         etag,
		LastModified: h.clock(),
	}); err != nil {
		httperrors.InternalError(w, r, err, "mirroring confirmed write failed")
		return
	}

	w.Header().Set("ETag", quoteETag(etag))
	w.WriteHeader(http.StatusCreated)
}

func (h *FacadeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	segments := splitDAVPath(r.URL.Path, facadeMountPath)
	user, ok := requestUser(w, r, segments)
	if !ok {
		return
	}
	if len(segments) != 3 {
		http.Error(w, "DELETE targets a calendar object", http.StatusMethodNotAllowed)
		return
	}

	coll, err := h.resolveCollection(r.Context(), user, segments[1])
	if err != nil {
		httperrors.InternalError(w, r, err, "resolving calendar failed")
		return
	}
	switch {
	case coll.local != nil:
		if err := h.locals.DeleteEvent(r.Context(), coll.local.ID, uidFromObjectName(segments[2])); err != nil {
			httperrors.InternalError(w, r, err, "deleting calendar object failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case coll.federated != nil:
		h.deleteThrough(w, r, user, *coll.federated, segments[2])
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *FacadeHandler) deleteThrough(w http.ResponseWriter, r *http.Request, user string, fc store.FederatedCalendar, object string) {
	if fc.Permissions&store.PermissionDelete == 0 {
		http.Error(w, "calendar is read-only", http.StatusForbidden)
		return
	}

	event, found, err := h.findMirrored(r.Context(), fc.ID, object)
	if err != nil {
		httperrors.InternalError(w, r, err, "loading mirrored object failed")
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	objectURL := remoteObjectURL(fc.RemoteURL, path.Base(event.Path))
	username := cloudid.CloudID{User: user, Host: h.serverName}.Encode()
	if err := h.writer.DeleteObject(r.Context(), objectURL, username, fc.Token); err != nil {
		httperrors.LogError(r, "delete-through to origin failed", err)
		http.Error(w, "origin server rejected the delete", http.StatusBadGateway)
		return
	}

	if err := h.store.FederatedEvents.DeleteByPath(r.Context(), fc.ID, event.Path); err != nil {
		httperrors.InternalError(w, r, err, "removing mirrored object failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Proppatch edits display properties. On federated collections the changes
// stay local: displayname and color are the recipient's presentation
// concerns, never written through. Everything else, renames and ACL edits
// included, is rejected.
func (h *FacadeHandler) Proppatch(w http.ResponseWriter, r *http.Request) {
	segments := splitDAVPath(r.URL.Path, facadeMountPath)
	user, ok := requestUser(w, r, segments)
	if !ok {
		return
	}
	if len(segments) != 2 {
		http.Error(w, "PROPPATCH targets a calendar collection", http.StatusMethodNotAllowed)
		return
	}

	body, err := readDAVBody(r, maxDAVBodyBytes)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var patch proppatchRequest
	if err := safeUnmarshalXML(body, &patch); err != nil {
		http.Error(w, "invalid PROPPATCH body", http.StatusBadRequest)
		return
	}

	coll, err := h.resolveCollection(r.Context(), user, segments[1])
	if err != nil {
		httperrors.InternalError(w, r, err, "resolving calendar failed")
		return
	}
	if coll.federated == nil {
		// Local calendars are administered out of band; removals and
		// edits of arbitrary properties are not part of this surface.
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	fc := *coll.federated
	displayName := fc.DisplayName
	color := fc.Color
	var rejected []anyProp
	changed := false
	for _, set := range patch.Set {
		if set.Prop.DisplayName != nil {
			displayName = *set.Prop.DisplayName
			changed = true
		}
		if set.Prop.CalendarColor != nil {
			c := *set.Prop.CalendarColor
			color = &c
			changed = true
		}
		rejected = append(rejected, set.Prop.Other...)
	}
	for _, remove := range patch.Remove {
		if remove.Prop.CalendarColor != nil {
			color = nil
			changed = true
		}
		if remove.Prop.DisplayName != nil {
			rejected = append(rejected, anyProp{})
		}
		rejected = append(rejected, remove.Prop.Other...)
	}

	if len(rejected) > 0 {
		writeMultiStatus(w, newMultistatus([]response{{
			Href:     r.URL.Path,
			Propstat: []propstat{{Status: "HTTP/1.1 403 Forbidden", Prop: prop{}}},
		}}))
		return
	}

	if changed {
		if err := h.store.FederatedCalendars.UpdateDisplayProps(r.Context(), fc.ID, displayName, color); err != nil {
			httperrors.InternalError(w, r, err, "updating display properties failed")
			return
		}
	}

	writeMultiStatus(w, newMultistatus([]response{{
		Href:     r.URL.Path,
		Propstat: []propstat{{Status: "HTTP/1.1 200 OK", Prop: prop{}}},
	}}))
}

func remoteObjectURL(remoteURL, object string) string {
	return strings.TrimSuffix(remoteURL, "/") + "/" + object
}
