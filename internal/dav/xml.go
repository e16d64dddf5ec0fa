package dav

import (
	"bytes"
	"encoding/xml"
)

// XML request and response models for the DAV surfaces.

type multistatus struct {
	XMLName   xml.Name   `xml:"d:multistatus"`
	XmlnsD    string     `xml:"xmlns:d,attr"`
	XmlnsC    string     `xml:"xmlns:cal,attr"`
	XmlnsCS   string     `xml:"xmlns:cs,attr,omitempty"`
	XmlnsICal string     `xml:"xmlns:ical,attr,omitempty"`
	SyncToken string     `xml:"d:sync-token,omitempty"`
	Response  []response `xml:"d:response"`
}

type response struct {
	Href     string     `xml:"d:href"`
	Propstat []propstat `xml:"d:propstat,omitempty"`
	Status   string     `xml:"d:status,omitempty"`
}

type propstat struct {
	Prop   prop   `xml:"d:prop"`
	Status string `xml:"d:status"`
}

type prop struct {
	DisplayName                   string                         `xml:"d:displayname,omitempty"`
	ResourceType                  *resourceType                  `xml:"d:resourcetype,omitempty"`
	GetETag                       string                         `xml:"d:getetag,omitempty"`
	GetContentType                string                         `xml:"d:getcontenttype,omitempty"`
	CalendarData                  cdataString                    `xml:"cal:calendar-data,omitempty"`
	CalendarColor                 string                         `xml:"ical:calendar-color,omitempty"`
	SyncToken                     string                         `xml:"d:sync-token,omitempty"`
	CTag                          string                         `xml:"cs:getctag,omitempty"`
	Owner                         *hrefProp                      `xml:"d:owner,omitempty"`
	CurrentUserPrincipal          *hrefProp                      `xml:"d:current-user-principal,omitempty"`
	SupportedReportSet            *supportedReportSet            `xml:"d:supported-report-set,omitempty"`
	SupportedCalendarComponentSet *supportedCalendarComponentSet `xml:"cal:supported-calendar-component-set,omitempty"`
	CurrentUserPrivilegeSet       *currentUserPrivilegeSet       `xml:"d:current-user-privilege-set,omitempty"`
}

// cdataString wraps string content in CDATA for raw XML output.
type cdataString string

func (c cdataString) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if c == "" {
		return nil
	}
	return e.EncodeElement(struct {
		S string `xml:",cdata"`
	}{S: string(c)}, start)
}

type resourceType struct {
	Collection *struct{} `xml:"d:collection,omitempty"`
	Calendar   *struct{} `xml:"cal:calendar,omitempty"`
}

type hrefProp struct {
	Href string `xml:"d:href"`
}

type supportedReportSet struct {
	Reports []supportedReport `xml:"d:supported-report"`
}

type supportedReport struct {
	Report reportType `xml:"d:report"`
}

type reportType struct {
	SyncCollection *struct{} `xml:"d:sync-collection,omitempty"`
}

type supportedCalendarComponentSet struct {
	Comps []comp `xml:"cal:comp"`
}

type comp struct {
	Name string `xml:"name,attr"`
}

type currentUserPrivilegeSet struct {
	Privileges []privilege `xml:"d:privilege"`
}

type privilege struct {
	Read            *struct{} `xml:"d:read,omitempty"`
	ReadACL         *struct{} `xml:"d:read-acl,omitempty"`
	WriteProperties *struct{} `xml:"d:write-properties,omitempty"`
	WriteContent    *struct{} `xml:"d:write-content,omitempty"`
	Bind            *struct{} `xml:"d:bind,omitempty"`
	Unbind          *struct{} `xml:"d:unbind,omitempty"`
}

type reportRequest struct {
	XMLName   xml.Name
	Hrefs     []string    `xml:"DAV: href"`
	SyncToken string      `xml:"DAV: sync-token"`
	SyncLevel string      `xml:"DAV: sync-level"`
	Prop      *reportProp `xml:"DAV: prop"`
}

// reportProp captures the prop element in reports for partial retrieval
type reportProp struct {
	GetETag      *struct{} `xml:"DAV: getetag"`
	CalendarData *struct{} `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
}

type proppatchRequest struct {
	XMLName xml.Name
	Set     []proppatchSet    `xml:"DAV: set"`
	Remove  []proppatchRemove `xml:"DAV: remove"`
}

type proppatchSet struct {
	Prop proppatchProp `xml:"DAV: prop"`
}

type proppatchRemove struct {
	Prop proppatchProp `xml:"DAV: prop"`
}

// proppatchProp distinguishes "absent" from "set to empty" with pointers,
// and records any other property so it can be rejected by name.
type proppatchProp struct {
	DisplayName   *string   `xml:"DAV: displayname"`
	CalendarColor *string   `xml:"http://apple.com/ns/ical/ calendar-color"`
	Other         []anyProp `xml:",any"`
}

type anyProp struct {
	XMLName xml.Name
}

// safeUnmarshalXML unmarshals XML with entity expansion restricted to the
// HTML set, which blocks external entity injection.
func safeUnmarshalXML(data []byte, v interface{}) error {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.Entity = xml.HTMLEntity
	return decoder.Decode(v)
}
