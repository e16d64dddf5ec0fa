package dav

import (
	"context"
	"log/slog"
	"net/http"

	httperrors "gitea.jw6.us/james/calfed/internal/http/errors"

	"gitea.jw6.us/james/calfed/internal/federation/auth"
	"gitea.jw6.us/james/calfed/internal/federation/mount"
	"gitea.jw6.us/james/calfed/internal/store"
)

// FederationHandler serves shared calendars to authenticated remote
// servers under /dav/remote-calendars. The surface is deliberately small:
// collection discovery via PROPFIND, object retrieval via GET, and
// incremental consumption via REPORT sync-collection backed by the change
// journal. The auth middleware has already pinned the request to the
// caller's own subtree.
type FederationHandler struct {
	calendars store.CalendarRepository
	events    store.EventRepository
	changes   store.CalendarChangeRepository
	logger    *slog.Logger
}

func NewFederationHandler(st *store.Store, logger *slog.Logger) *FederationHandler {
	return &FederationHandler{
		calendars: st.Calendars,
		events:    st.Events,
		changes:   st.Changes,
		logger:    logger,
	}
}

// MountPath is the URL prefix this handler expects to be served under.
const federationMountPath = "/dav/" + mount.Prefix

func (h *FederationHandler) Options(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "OPTIONS, HEAD, GET, PROPFIND, REPORT")
	w.Header().Set("DAV", "1, calendar-access")
	w.WriteHeader(http.StatusNoContent)
}

func (h *FederationHandler) Head(w http.ResponseWriter, r *http.Request) {
	h.Get(w, r)
}

// resolveCollection maps a collection name below the caller's subtree to a
// readable shared calendar. Missing calendars and calendars the principal
// holds no grant on are indistinguishable to the caller.
func (h *FederationHandler) resolveCollection(ctx context.Context, principal auth.Principal, name string) (store.Calendar, bool, error) {
	calendarURI, ownerUID, ok := mount.SplitCollectionName(name)
	if !ok {
		return store.Calendar{}, false, nil
	}
	calOpt, err := h.calendars.GetByOwnerAndURI(ctx, ownerUID, calendarURI)
	if err != nil {
		return store.Calendar{}, false, err
	}
	cal, ok := calOpt.Get()
	if !ok || !principal.CanRead(cal.ID) {
		return store.Calendar{}, false, nil
	}
	return cal, true, nil
}

func (h *FederationHandler) Propfind(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "missing principal", http.StatusUnauthorized)
		return
	}
	depth := r.Header.Get("Depth")
	if depth == "" {
		depth = "1"
	}

	segments := splitDAVPath(r.URL.Path, federationMountPath)
	if segments == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	switch len(segments) {
	case 0, 1:
		// Mount root and the caller's own home look the same: a plain
		// collection that, at depth 1, lists the granted calendars.
		h.propfindHome(w, r, principal, depth)
	case 2:
		h.propfindCollection(w, r, principal, segments[1], depth)
	case 3:
		h.propfindObject(w, r, principal, segments[1], segments[2])
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *FederationHandler) propfindHome(w http.ResponseWriter, r *http.Request, principal auth.Principal, depth string) {
	homeHref := ensureTrailingSlash(federationMountPath + "/" + principal.CloudID.Encode())
	responses := []response{{
		Href: homeHref,
		Propstat: []propstat{{
			Status: "HTTP/1.1 200 OK",
			Prop: prop{
				ResourceType:         &resourceType{Collection: &struct{}{}},
				CurrentUserPrincipal: &hrefProp{Href: "/" + principal.URI},
			},
		}},
	}}

	if depth != "0" {
		for _, grant := range principal.Grants {
			calOpt, err := h.calendars.GetByID(r.Context(), grant.CalendarID)
			if err != nil {
				httperrors.InternalError(w, r, err, "listing shared calendars failed")
				return
			}
			cal, ok := calOpt.Get()
			if !ok {
				continue
			}
			collResp, err := h.collectionResponse(r.Context(), principal, cal)
			if err != nil {
				httperrors.InternalError(w, r, err, "building collection response failed")
				return
			}
			responses = append(responses, collResp)
		}
	}

	writeMultiStatus(w, newMultistatus(responses))
}

func (h *FederationHandler) propfindCollection(w http.ResponseWriter, r *http.Request, principal auth.Principal, name, depth string) {
	cal, found, err := h.resolveCollection(r.Context(), principal, name)
	if err != nil {
		httperrors.InternalError(w, r, err, "resolving shared calendar failed")
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	collResp, err := h.collectionResponse(r.Context(), principal, cal)
	if err != nil {
		httperrors.InternalError(w, r, err, "building collection response failed")
		return
	}
	responses := []response{collResp}

	if depth != "0" {
		events, err := h.events.ListForCalendar(r.Context(), cal.ID)
		if err != nil {
			httperrors.InternalError(w, r, err, "listing calendar objects failed")
			return
		}
		collHref := collResp.Href
		for _, event := range events {
			responses = append(responses, response{
				Href: collHref + objectNameFromUID(event.UID),
				Propstat: []propstat{{
					Status: "HTTP/1.1 200 OK",
					Prop: prop{
						GetETag:        quoteETag(event.ETag),
						GetContentType: "text/calendar; charset=utf-8",
					},
				}},
			})
		}
	}

	writeMultiStatus(w, newMultistatus(responses))
}

func (h *FederationHandler) propfindObject(w http.ResponseWriter, r *http.Request, principal auth.Principal, name, object string) {
	cal, found, err := h.resolveCollection(r.Context(), principal, name)
	if err != nil {
		httperrors.InternalError(w, r, err, "resolving shared calendar failed")
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	eventOpt, err := h.events.GetByUID(r.Context(), cal.ID, uidFromObjectName(object))
	if err != nil {
		httperrors.InternalError(w, r, err, "loading calendar object failed")
		return
	}
	event, ok := eventOpt.Get()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	writeMultiStatus(w, newMultistatus([]response{{
		Href: r.URL.Path,
		Propstat: []propstat{{
			Status: "HTTP/1.1 200 OK",
			Prop: prop{
				GetETag:        quoteETag(event.ETag),
				GetContentType: "text/calendar; charset=utf-8",
			},
		}},
	}}))
}

func (h *FederationHandler) collectionResponse(ctx context.Context, principal auth.Principal, cal store.Calendar) (response, error) {
	seq, err := h.changes.CurrentSeq(ctx, cal.ID)
	if err != nil {
		return response{}, err
	}
	href := collectionHref(principal, cal)
	p := prop{
		DisplayName:                   cal.DisplayName,
		ResourceType:                  calendarResourceType(),
		SyncToken:                     buildSyncToken(seq),
		CTag:                          buildSyncToken(seq),
		Owner:                         &hrefProp{Href: "/principals/users/" + cal.Owner},
		SupportedReportSet:            &supportedReportSet{Reports: []supportedReport{{Report: reportType{SyncCollection: &struct{}{}}}}},
		SupportedCalendarComponentSet: supportedComponents(cal.Components),
		CurrentUserPrivilegeSet: &currentUserPrivilegeSet{Privileges: []privilege{
			{Read: &struct{}{}},
		}},
	}
	if cal.Color != nil {
		p.CalendarColor = *cal.Color
	}
	return response{
		Href:     href,
		Propstat: []propstat{{Status: "HTTP/1.1 200 OK", Prop: p}},
	}, nil
}

func (h *FederationHandler) Get(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "missing principal", http.StatusUnauthorized)
		return
	}

	segments := splitDAVPath(r.URL.Path, federationMountPath)
	if len(segments) != 3 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	cal, found, err := h.resolveCollection(r.Context(), principal, segments[1])
	if err != nil {
		httperrors.InternalError(w, r, err, "resolving shared calendar failed")
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	eventOpt, err := h.events.GetByUID(r.Context(), cal.ID, uidFromObjectName(segments[2]))
	if err != nil {
		httperrors.InternalError(w, r, err, "loading calendar object failed")
		return
	}
	event, ok := eventOpt.Get()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeCalendarObject(w, event.RawICAL, event.ETag, event.LastModified)
}

// Report serves REPORT sync-collection over a shared calendar. The journal
// seq is the token cursor; deletions surface as 404-status responses per
// RFC 6578.
func (h *FederationHandler) Report(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "missing principal", http.StatusUnauthorized)
		return
	}

	segments := splitDAVPath(r.URL.Path, federationMountPath)
	if len(segments) != 2 {
		http.Error(w, "REPORT targets a calendar collection", http.StatusForbidden)
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
	var report reportRequest
	if err := safeUnmarshalXML(body, &report); err != nil {
		http.Error(w, "invalid REPORT body", http.StatusBadRequest)
		return
	}
	if report.XMLName.Local != "sync-collection" {
		http.Error(w, "unsupported REPORT", http.StatusForbidden)
		return
	}

	cal, found, err := h.resolveCollection(r.Context(), principal, segments[1])
	if err != nil {
		httperrors.InternalError(w, r, err, "resolving shared calendar failed")
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	sinceSeq, err := parseSyncToken(report.SyncToken)
	if err != nil {
		writeDAVError(w, http.StatusForbidden, "valid-sync-token")
		return
	}

	includeData := report.Prop != nil && report.Prop.CalendarData != nil
	collHref := collectionHref(principal, cal)

	responses, err := h.syncResponses(r.Context(), cal, collHref, sinceSeq, includeData)
	if err != nil {
		httperrors.InternalError(w, r, err, "building sync-collection response failed")
		return
	}
	currentSeq, err := h.changes.CurrentSeq(r.Context(), cal.ID)
	if err != nil {
		httperrors.InternalError(w, r, err, "reading journal cursor failed")
		return
	}

	payload := newMultistatus(responses)
	payload.SyncToken = buildSyncToken(currentSeq)
	writeMultiStatus(w, payload)
}

func (h *FederationHandler) syncResponses(ctx context.Context, cal store.Calendar, collHref string, sinceSeq int64, includeData bool) ([]response, error) {
	if sinceSeq == 0 {
		// Initial sync: every live object, no tombstones.
		events, err := h.events.ListForCalendar(ctx, cal.ID)
		if err != nil {
			return nil, err
		}
		responses := make([]response, 0, len(events))
		for _, event := range events {
			responses = append(responses, h.changedResponse(collHref, event, includeData))
		}
		return responses, nil
	}

	changes, err := h.changes.ListSince(ctx, cal.ID, sinceSeq)
	if err != nil {
		return nil, err
	}
	// Collapse the journal so each UID appears once, with its final state.
	latest := make(map[string]store.CalendarChange, len(changes))
	order := make([]string, 0, len(changes))
	for _, change := range changes {
		if _, seen := latest[change.UID]; !seen {
			order = append(order, change.UID)
		}
		latest[change.UID] = change
	}

	var responses []response
	for _, uid := range order {
		change := latest[uid]
		if change.Deleted {
			responses = append(responses, response{
				Href:   collHref + objectNameFromUID(uid),
				Status: "HTTP/1.1 404 Not Found",
			})
			continue
		}
		eventOpt, err := h.events.GetByUID(ctx, cal.ID, uid)
		if err != nil {
			return nil, err
		}
		event, ok := eventOpt.Get()
		if !ok {
			// Journal raced a deletion; report it as gone.
			responses = append(responses, response{
				Href:   collHref + objectNameFromUID(uid),
				Status: "HTTP/1.1 404 Not Found",
			})
			continue
		}
		responses = append(responses, h.changedResponse(collHref, event, includeData))
	}
	return responses, nil
}

func (h *FederationHandler) changedResponse(collHref string, event store.Event, includeData bool) response {
	p := prop{
		GetETag:        quoteETag(event.ETag),
		GetContentType: "text/calendar; charset=utf-8",
	}
	if includeData {
		p.CalendarData = cdataString(event.RawICAL)
	}
	return response{
		Href:     collHref + objectNameFromUID(event.UID),
		Propstat: []propstat{{Status: "HTTP/1.1 200 OK", Prop: p}},
	}
}

// collectionHref builds the caller-specific href of a shared calendar:
// the mount prefix, the caller's encoded cloud id, then the collection name.
func collectionHref(principal auth.Principal, cal store.Calendar) string {
	return ensureTrailingSlash("/dav/" + mount.Collection(principal.CloudID, cal.URI, cal.Owner))
}
