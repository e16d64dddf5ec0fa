// Package caldav implements the outbound CalDAV client used to pull
// federated calendars: sync-collection REPORTs for incremental fetches and
// PUT/DELETE for write-through of local edits.
package caldav

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/beevik/etree"
	"github.com/emersion/go-ical"
)

// Sink receives the objects a sync pass reports. Implementations persist
// them against the federated calendar being synced.
type Sink interface {
	Upsert(ctx context.Context, path, etag string, cal *ical.Calendar) error
	Delete(ctx context.Context, path string) error
}

// Syncer is the sync-collection contract consumed by the sync service.
type Syncer interface {
	SyncCollection(ctx context.Context, remoteURL, username, password, sinceToken string, sink Sink) (newToken string, changed int, err error)
}

// ObjectWriter is the write-through contract consumed by the federated
// calendar adapter.
type ObjectWriter interface {
	PutObject(ctx context.Context, objectURL, username, password string, data []byte) (etag string, err error)
	DeleteObject(ctx context.Context, objectURL, username, password string) error
}

// Client talks CalDAV to remote servers over a timeout-bounded http.Client.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	return &Client{http: httpClient, logger: logger}
}

// SyncCollection performs one RFC 6578 sync-collection REPORT against
// remoteURL, feeds every changed object into the sink, and returns the new
// sync token plus the number of created/updated objects.
func (c *Client) SyncCollection(ctx context.Context, remoteURL, username, password, sinceToken string, sink Sink) (string, int, error) {
	body := syncCollectionBody(sinceToken)

	req, err := http.NewRequestWithContext(ctx, "REPORT", remoteURL, bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("build REPORT request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "1")
	req.SetBasicAuth(username, password)

	c.logger.Debug("starting sync-collection REPORT", "url", remoteURL, "since", sinceToken)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("execute REPORT against %s: %w", remoteURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus {
		return "", 0, fmt.Errorf("unexpected REPORT status from %s: %d", remoteURL, resp.StatusCode)
	}

	var ms multistatusResponse
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return "", 0, fmt.Errorf("decode REPORT response: %w", err)
	}

	changed := 0
	for _, response := range ms.Responses {
		if isNotFoundStatus(response.Status) {
			if err := sink.Delete(ctx, response.Href); err != nil {
				return "", 0, fmt.Errorf("apply deletion of %s: %w", response.Href, err)
			}
			continue
		}
		data := response.PropStat.Prop.CalendarData
		if data == "" {
			continue
		}
		cal, err := ical.NewDecoder(strings.NewReader(data)).Decode()
		if err != nil {
			return "", 0, fmt.Errorf("parse calendar object %s: %w", response.Href, err)
		}
		if err := sink.Upsert(ctx, response.Href, response.PropStat.Prop.ETag, cal); err != nil {
			return "", 0, fmt.Errorf("store calendar object %s: %w", response.Href, err)
		}
		changed++
	}

	c.logger.Debug("sync-collection REPORT complete", "url", remoteURL, "changed", changed, "token", ms.SyncToken)
	return ms.SyncToken, changed, nil
}

// PutObject uploads a calendar object and returns the confirmed etag, which
// may be empty when the remote withholds one.
func (c *Client) PutObject(ctx context.Context, objectURL, username, password string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, objectURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build PUT request: %w", err)
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	req.SetBasicAuth(username, password)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute PUT against %s: %w", objectURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected PUT status from %s: %d", objectURL, resp.StatusCode)
	}
	return strings.Trim(resp.Header.Get("ETag"), `"`), nil
}

// DeleteObject removes a calendar object on the remote server.
func (c *Client) DeleteObject(ctx context.Context, objectURL, username, password string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, objectURL, nil)
	if err != nil {
		return fmt.Errorf("build DELETE request: %w", err)
	}
	req.SetBasicAuth(username, password)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("execute DELETE against %s: %w", objectURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("unexpected DELETE status from %s: %d", objectURL, resp.StatusCode)
	}
	return nil
}

// syncCollectionBody builds the REPORT request body. An empty sinceToken
// requests the full collection.
func syncCollectionBody(sinceToken string) []byte {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	sync := doc.CreateElement("d:sync-collection")
	sync.CreateAttr("xmlns:d", "DAV:")
	sync.CreateAttr("xmlns:cal", "urn:ietf:params:xml:ns:caldav")
	sync.CreateElement("d:sync-token").SetText(sinceToken)
	sync.CreateElement("d:sync-level").SetText("1")
	prop := sync.CreateElement("d:prop")
	prop.CreateElement("d:getetag")
	prop.CreateElement("cal:calendar-data")

	out, _ := doc.WriteToBytes()
	return out
}

func isNotFoundStatus(status string) bool {
	return strings.Contains(status, "404")
}

type multistatusResponse struct {
	XMLName   xml.Name `xml:"DAV: multistatus"`
	SyncToken string   `xml:"DAV: sync-token"`
	Responses []struct {
		Href     string `xml:"DAV: href"`
		Status   string `xml:"DAV: status"`
		PropStat struct {
			Prop struct {
				CalendarData string `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
				ETag         string `xml:"DAV: getetag"`
			} `xml:"DAV: prop"`
			Status string `xml:"DAV: status"`
		} `xml:"DAV: propstat"`
	} `xml:"DAV: response"`
}
