package shelf

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

// chi only routes methods it knows about; the WebDAV verbs have to be
// registered before any router is built.
func init() {
	for _, method := range []string{"PROPFIND", "PROPPATCH", "MKCOL", "COPY", "MOVE", "LOCK", "UNLOCK"} {
		chi.RegisterMethod(method)
	}
}

const davPrefix = "/dav"

const davAllowedMethods = "OPTIONS, GET, HEAD, PUT, DELETE, PROPFIND, PROPPATCH, MKCOL, COPY, MOVE, LOCK, UNLOCK"

// WebDAV adapts RFC4918-style requests onto volume file operations so OS
// file managers can mount the server. All state is per-request except the
// lock table.
type WebDAV struct {
	store *Store
	auth  *Authenticator
	locks *LockTable
	audit Auditor
}

func NewWebDAV(store *Store, auth *Authenticator, locks *LockTable, audit Auditor) *WebDAV {
	return &WebDAV{
		store: store,
		auth:  auth,
		locks: locks,
		audit: audit,
	}
}

// splitDavPath takes the first path segment as the volume id; an empty id is
// the WebDAV root collection.
func splitDavPath(urlPath string) (volumeId, relativePath string) {
	p := strings.TrimPrefix(urlPath, davPrefix)
	p = strings.Trim(p, "/")
	if p == "" {
		return "", ""
	}

	parts := strings.SplitN(p, "/", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

func davHref(volumeId, relativePath string, isDir bool) string {
	p := davPrefix + "/"
	if volumeId != "" {
		p = path.Join(davPrefix, volumeId, relativePath)
		if isDir {
			p += "/"
		}
	}
	u := url.URL{Path: p}
	return u.EscapedPath()
}

func (d *WebDAV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("DAV", "1, 2")
	w.Header().Set("MS-Author-Via", "DAV")

	if r.Method == http.MethodOptions {
		w.Header().Set("Allow", davAllowedMethods)
		w.WriteHeader(http.StatusOK)
		return
	}

	identity, ok := d.auth.Identify(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="shelf"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	volumeId, relativePath := splitDavPath(r.URL.Path)

	switch r.Method {
	case "PROPFIND":
		d.handlePropfind(w, r, identity, volumeId, relativePath)
	case http.MethodGet, http.MethodHead:
		d.handleGet(w, r, identity, volumeId, relativePath)
	case http.MethodPut:
		d.handlePut(w, r, identity, volumeId, relativePath)
	case http.MethodDelete:
		d.handleDelete(w, r, identity, volumeId, relativePath)
	case "MKCOL":
		d.handleMkcol(w, r, identity, volumeId, relativePath)
	case "MOVE", "COPY":
		d.handleMoveCopy(w, r, identity, volumeId, relativePath)
	case "LOCK":
		d.handleLock(w, r, identity, volumeId, relativePath)
	case "UNLOCK":
		d.handleUnlock(w, r)
	case "PROPPATCH":
		d.handleProppatch(w, volumeId, relativePath)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// volumeFor resolves and authorizes the volume of a request.
func (d *WebDAV) volumeFor(identity Identity, volumeId string) (*Volume, error) {
	volume, err := d.store.Volume(volumeId)
	if err != nil {
		return nil, err
	}
	if !d.store.CanAccess(identity, volume) {
		return nil, ErrAccessDenied
	}
	return volume, nil
}

func (d *WebDAV) handlePropfind(w http.ResponseWriter, r *http.Request, identity Identity, volumeId, relativePath string) {
	body, _ := io.ReadAll(r.Body)

	// parsed for protocol compliance; the full property set is returned
	// regardless of the requested names
	_ = ParsePropfind(body)

	listChildren := r.Header.Get("Depth") != "0"

	if volumeId == "" {
		responses := []davResponse{{
			Href:     davHref("", "", true),
			Propstat: davPropstat{Prop: collectionProp("shelf"), Status: statusOK},
		}}

		if listChildren {
			volumes, err := d.store.AccessibleVolumes(identity)
			if err != nil {
				TextErrorResponse(w, err)
				return
			}
			for _, volume := range volumes {
				responses = append(responses, davResponse{
					Href:     davHref(volume.ID, "", true),
					Propstat: davPropstat{Prop: collectionProp(volume.ID), Status: statusOK},
				})
			}
		}

		writeXML(w, http.StatusMultiStatus, newMultistatus(responses...))
		return
	}

	volume, err := d.volumeFor(identity, volumeId)
	if err != nil {
		TextErrorResponse(w, err)
		return
	}

	target, err := volume.Entry(relativePath)
	if err != nil {
		TextErrorResponse(w, err)
		return
	}

	targetName := target.Name
	if relativePath == "" {
		targetName = volume.ID
	}
	targetProp := propForEntry(target)
	targetProp.DisplayName = targetName

	responses := []davResponse{{
		Href:     davHref(volumeId, relativePath, target.IsDirectory),
		Propstat: davPropstat{Prop: targetProp, Status: statusOK},
	}}

	if listChildren && target.IsDirectory {
		// unlike the REST listing, WebDAV clients expect dotfiles
		children, err := volume.Entries(relativePath, true)
		if err != nil {
			TextErrorResponse(w, err)
			return
		}
		for _, child := range children {
			responses = append(responses, davResponse{
				Href:     davHref(volumeId, child.Path, child.IsDirectory),
				Propstat: davPropstat{Prop: propForEntry(child), Status: statusOK},
			})
		}
	}

	writeXML(w, http.StatusMultiStatus, newMultistatus(responses...))
}

var byteRangePattern = regexp.MustCompile(`^bytes=(\d+)-(\d+)$`)

// parseByteRange handles the single explicit form `bytes=start-end`.
func parseByteRange(header string, size int64) (start, end int64, ok bool) {
	m := byteRangePattern.FindStringSubmatch(header)
	if m == nil {
		return 0, 0, false
	}

	start, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	end, err = strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return 0, 0, false
	}

	if start > end || end >= size {
		return 0, 0, false
	}
	return start, end, true
}

func (d *WebDAV) handleGet(w http.ResponseWriter, r *http.Request, identity Identity, volumeId, relativePath string) {
	if volumeId == "" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	volume, err := d.volumeFor(identity, volumeId)
	if err != nil {
		TextErrorResponse(w, err)
		return
	}

	info, err := volume.Stat(relativePath)
	if err != nil {
		TextErrorResponse(w, err)
		return
	}
	if info.IsDir() {
		http.Error(w, "method not allowed on collection", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("ETag", etagFor(info.Size(), info.ModTime().UnixMilli()))
	w.Header().Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	if mt := MimeTypeByExtension(info.Name()); mt != nil {
		w.Header().Set("Content-Type", *mt)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" {
		start, end, ok := parseByteRange(rangeHeader, info.Size())
		if !ok {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Size()))
			http.Error(w, "requested range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
			return
		}

		length := end - start + 1
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, info.Size()))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusPartialContent)

		if r.Method == http.MethodHead {
			return
		}

		f, err := volume.Open(relativePath)
		if err != nil {
			log.Printf("err = %v", err)
			return
		}
		defer f.Close()

		if _, err := f.Seek(start, io.SeekStart); err != nil {
			log.Printf("err = %v", err)
			return
		}
		if _, err := io.CopyN(w, f, length); err != nil {
			// client went away mid-stream; nothing to answer
			log.Printf("dav: range stream aborted: %v", err)
		}
		return
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}

	f, err := volume.Open(relativePath)
	if err != nil {
		log.Printf("err = %v", err)
		return
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		log.Printf("dav: stream aborted: %v", err)
	}
}

func (d *WebDAV) handlePut(w http.ResponseWriter, r *http.Request, identity Identity, volumeId, relativePath string) {
	if volumeId == "" || relativePath == "" {
		http.Error(w, "cannot write here", http.StatusForbidden)
		return
	}

	volume, err := d.volumeFor(identity, volumeId)
	if err != nil {
		TextErrorResponse(w, err)
		return
	}

	// existence decides the status code, checked before the write starts
	existedBefore := false
	if _, err := volume.Stat(relativePath); err == nil {
		existedBefore = true
	}

	f, err := volume.OpenFile(relativePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		TextErrorResponse(w, err)
		return
	}

	_, err = io.Copy(f, r.Body)
	closeErr := f.Close()
	if err != nil || closeErr != nil {
		log.Printf("dav: put of %s/%s failed: %v %v", volumeId, relativePath, err, closeErr)
		http.Error(w, "write failed", http.StatusInternalServerError)
		return
	}

	d.audit.Record(AuditEvent{Actor: identity.UserID, Action: "dav.put", Volume: volumeId, Path: relativePath})

	if existedBefore {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (d *WebDAV) handleDelete(w http.ResponseWriter, r *http.Request, identity Identity, volumeId, relativePath string) {
	if volumeId == "" {
		http.Error(w, "cannot delete here", http.StatusForbidden)
		return
	}

	volume, err := d.volumeFor(identity, volumeId)
	if err != nil {
		TextErrorResponse(w, err)
		return
	}

	err = volume.Delete(relativePath)
	if err != nil {
		TextErrorResponse(w, err)
		return
	}

	d.audit.Record(AuditEvent{Actor: identity.UserID, Action: "dav.delete", Volume: volumeId, Path: relativePath})
	w.WriteHeader(http.StatusNoContent)
}

func (d *WebDAV) handleMkcol(w http.ResponseWriter, r *http.Request, identity Identity, volumeId, relativePath string) {
	if volumeId == "" || relativePath == "" {
		http.Error(w, "cannot create a collection here", http.StatusForbidden)
		return
	}

	volume, err := d.volumeFor(identity, volumeId)
	if err != nil {
		TextErrorResponse(w, err)
		return
	}

	parent := path.Dir(relativePath)
	if parent == "." {
		parent = ""
	}

	_, err = volume.Mkdir(parent, path.Base(relativePath))
	if err != nil {
		TextErrorResponse(w, err)
		return
	}

	d.audit.Record(AuditEvent{Actor: identity.UserID, Action: "dav.mkcol", Volume: volumeId, Path: relativePath})
	w.WriteHeader(http.StatusCreated)
}

// parseDestination extracts (volumeId, relativePath) from a Destination
// header, which may be a full URL or a bare path.
func parseDestination(header string) (volumeId, relativePath string, err error) {
	if header == "" {
		return "", "", fmt.Errorf("%w: missing Destination header", ErrInvalidInput)
	}

	p := header
	if u, uerr := url.Parse(header); uerr == nil && u.Path != "" {
		p = u.Path
	}
	volumeId, relativePath = splitDavPath(p)
	if volumeId == "" {
		return "", "", fmt.Errorf("%w: bad Destination header", ErrInvalidInput)
	}
	return volumeId, relativePath, nil
}

func (d *WebDAV) handleMoveCopy(w http.ResponseWriter, r *http.Request, identity Identity, volumeId, relativePath string) {
	if volumeId == "" {
		http.Error(w, "cannot move or copy here", http.StatusForbidden)
		return
	}

	volume, err := d.volumeFor(identity, volumeId)
	if err != nil {
		TextErrorResponse(w, err)
		return
	}

	destVolumeId, destPath, err := parseDestination(r.Header.Get("Destination"))
	if err != nil {
		TextErrorResponse(w, err)
		return
	}

	// atomic rename across distinct mounts is not a given, so cross-volume
	// operations are rejected outright
	if destVolumeId != volumeId {
		TextErrorResponse(w, ErrCrossVolume)
		return
	}

	if r.Method == "COPY" {
		err = volume.Copy(relativePath, destPath)
		if err != nil {
			TextErrorResponse(w, err)
			return
		}
		d.audit.Record(AuditEvent{Actor: identity.UserID, Action: "dav.copy", Volume: volumeId, Path: relativePath})
		w.WriteHeader(http.StatusCreated)
		return
	}

	err = volume.Move(relativePath, destPath)
	if err != nil {
		TextErrorResponse(w, err)
		return
	}
	d.audit.Record(AuditEvent{Actor: identity.UserID, Action: "dav.move", Volume: volumeId, Path: relativePath})
	w.WriteHeader(http.StatusNoContent)
}

func (d *WebDAV) handleLock(w http.ResponseWriter, r *http.Request, identity Identity, volumeId, relativePath string) {
	if volumeId == "" {
		http.Error(w, "cannot lock here", http.StatusForbidden)
		return
	}

	if _, err := d.volumeFor(identity, volumeId); err != nil {
		TextErrorResponse(w, err)
		return
	}

	body, _ := io.ReadAll(r.Body)
	owner := ParseLockOwner(body)

	lock := d.locks.Acquire(path.Join(volumeId, relativePath), owner)

	w.Header().Set("Lock-Token", "<"+lock.Token+">")
	writeXML(w, http.StatusOK, lockDiscoveryFor(lock))
}

func (d *WebDAV) handleUnlock(w http.ResponseWriter, r *http.Request) {
	token := strings.Trim(r.Header.Get("Lock-Token"), "<>")
	d.locks.RemoveToken(token)
	w.WriteHeader(http.StatusNoContent)
}

// handleProppatch accepts the request but stores nothing; clients get a
// success multistatus back so they stop retrying.
func (d *WebDAV) handleProppatch(w http.ResponseWriter, volumeId, relativePath string) {
	href := davHref(volumeId, relativePath, false)
	writeXML(w, http.StatusMultiStatus, newMultistatus(davResponse{
		Href:     href,
		Propstat: davPropstat{Status: statusOK},
	}))
}
