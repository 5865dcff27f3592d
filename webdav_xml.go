package shelf

import (
	"encoding/xml"
	"fmt"
	"net/http"
)

// The XML side of the WebDAV adapter. Marshaling goes through encoding/xml
// so text content (display names, owners) is always escaped. Request parsing
// is deliberately tolerant: client managers send all sorts of shapes, and a
// body we cannot make sense of degrades to a safe default instead of failing
// the request.

type xmlRaw struct {
	Inner string `xml:",innerxml"`
}

type xmlEmpty struct{}

// PropfindMode is the recognized request shapes of a PROPFIND body, with
// allprop doubling as the fallback for anything unparseable.
type PropfindMode int

const (
	PropfindAllprop PropfindMode = iota
	PropfindPropname
	PropfindNamed
)

type PropfindRequest struct {
	Mode  PropfindMode
	Names []xml.Name
}

type propfindBody struct {
	XMLName  xml.Name      `xml:"propfind"`
	Allprop  *xmlEmpty     `xml:"allprop"`
	Propname *xmlEmpty     `xml:"propname"`
	Prop     *propNameList `xml:"prop"`
}

type propNameList struct {
	Names []propName `xml:",any"`
}

type propName struct {
	XMLName xml.Name
}

// ParsePropfind never fails: an empty, malformed or unrecognized body means
// allprop.
func ParsePropfind(body []byte) PropfindRequest {
	if len(body) == 0 {
		return PropfindRequest{Mode: PropfindAllprop}
	}

	var parsed propfindBody
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return PropfindRequest{Mode: PropfindAllprop}
	}

	switch {
	case parsed.Propname != nil:
		return PropfindRequest{Mode: PropfindPropname}
	case parsed.Prop != nil:
		names := make([]xml.Name, 0, len(parsed.Prop.Names))
		for _, name := range parsed.Prop.Names {
			names = append(names, name.XMLName)
		}
		return PropfindRequest{Mode: PropfindNamed, Names: names}
	default:
		return PropfindRequest{Mode: PropfindAllprop}
	}
}

type lockinfoBody struct {
	XMLName xml.Name   `xml:"lockinfo"`
	Owner   *lockOwner `xml:"owner"`
}

type lockOwner struct {
	Href string `xml:"href"`
	Text string `xml:",chardata"`
}

// ParseLockOwner extracts the owner from a LOCK body. Malformed bodies
// degrade to an empty owner with the default exclusive/write scope.
func ParseLockOwner(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var parsed lockinfoBody
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	if parsed.Owner == nil {
		return ""
	}
	if parsed.Owner.Href != "" {
		return parsed.Owner.Href
	}
	return parsed.Owner.Text
}

type multistatus struct {
	XMLName   xml.Name      `xml:"D:multistatus"`
	Xmlns     string        `xml:"xmlns:D,attr"`
	Responses []davResponse `xml:"D:response"`
}

type davResponse struct {
	Href     string      `xml:"D:href"`
	Propstat davPropstat `xml:"D:propstat"`
}

type davPropstat struct {
	Prop   davProp `xml:"D:prop"`
	Status string  `xml:"D:status"`
}

type davProp struct {
	ResourceType  davResourceType `xml:"D:resourcetype"`
	DisplayName   string          `xml:"D:displayname,omitempty"`
	ContentLength string          `xml:"D:getcontentlength,omitempty"`
	ContentType   string          `xml:"D:getcontenttype,omitempty"`
	LastModified  string          `xml:"D:getlastmodified,omitempty"`
	ETag          string          `xml:"D:getetag,omitempty"`
	SupportedLock *xmlRaw         `xml:"D:supportedlock,omitempty"`
}

type davResourceType struct {
	Collection *xmlEmpty `xml:"D:collection,omitempty"`
}

var supportedLockAd = &xmlRaw{Inner: `<D:lockentry><D:lockscope><D:exclusive/></D:lockscope><D:locktype><D:write/></D:locktype></D:lockentry>`}

const statusOK = "HTTP/1.1 200 OK"

func newMultistatus(responses ...davResponse) multistatus {
	return multistatus{Xmlns: "DAV:", Responses: responses}
}

func etagFor(size int64, mtimeMillis int64) string {
	return fmt.Sprintf(`"%d-%d"`, size, mtimeMillis)
}

func propForEntry(entry *FileEntry) davProp {
	prop := davProp{
		DisplayName:   entry.Name,
		LastModified:  entry.ModifiedAt.UTC().Format(http.TimeFormat),
		ETag:          etagFor(entry.Size, entry.ModifiedAt.UnixMilli()),
		SupportedLock: supportedLockAd,
	}
	if entry.IsDirectory {
		prop.ResourceType.Collection = &xmlEmpty{}
		return prop
	}

	prop.ContentLength = fmt.Sprintf("%d", entry.Size)
	if entry.MimeType != nil {
		prop.ContentType = *entry.MimeType
	}
	return prop
}

func collectionProp(name string) davProp {
	prop := davProp{
		DisplayName:   name,
		SupportedLock: supportedLockAd,
	}
	prop.ResourceType.Collection = &xmlEmpty{}
	return prop
}

type lockDiscoveryProp struct {
	XMLName       xml.Name      `xml:"D:prop"`
	Xmlns         string        `xml:"xmlns:D,attr"`
	LockDiscovery lockDiscovery `xml:"D:lockdiscovery"`
}

type lockDiscovery struct {
	ActiveLock activeLock `xml:"D:activelock"`
}

type activeLock struct {
	LockType  xmlRaw        `xml:"D:locktype"`
	LockScope xmlRaw        `xml:"D:lockscope"`
	Depth     string        `xml:"D:depth"`
	Owner     string        `xml:"D:owner,omitempty"`
	Timeout   string        `xml:"D:timeout"`
	LockToken lockTokenHref `xml:"D:locktoken"`
}

type lockTokenHref struct {
	Href string `xml:"D:href"`
}

func lockDiscoveryFor(lock *Lock) lockDiscoveryProp {
	return lockDiscoveryProp{
		Xmlns: "DAV:",
		LockDiscovery: lockDiscovery{
			ActiveLock: activeLock{
				LockType:  xmlRaw{Inner: "<D:write/>"},
				LockScope: xmlRaw{Inner: "<D:exclusive/>"},
				Depth:     "infinity",
				Owner:     lock.Owner,
				Timeout:   fmt.Sprintf("Second-%d", int(lock.Timeout.Seconds())),
				LockToken: lockTokenHref{Href: lock.Token},
			},
		},
	}
}

func writeXML(w http.ResponseWriter, status int, body interface{}) {
	data, err := xml.Marshal(body)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", `application/xml; charset="utf-8"`)
	w.WriteHeader(status)
	w.Write([]byte(xml.Header))
	w.Write(data)
}
