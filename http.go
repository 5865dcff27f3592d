package shelf

import (
	"archive/zip"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/alioygur/gores"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type HTTPService struct {
	config  *Config
	store   *Store
	auth    *Authenticator
	indexer *Indexer
	locks   *LockTable
	audit   Auditor
}

func NewHTTPService(config *Config, store *Store, auth *Authenticator, indexer *Indexer, locks *LockTable, audit Auditor) *HTTPService {
	return &HTTPService{
		config:  config,
		store:   store,
		auth:    auth,
		indexer: indexer,
		locks:   locks,
		audit:   audit,
	}
}

func (h *HTTPService) router() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RealIP)
	rtr.Use(middleware.Logger)
	rtr.Use(middleware.Recoverer)

	rtr.Get("/files/{volumeId}/*", h.routeGetFiles)
	rtr.Delete("/files/{volumeId}/*", h.routeDeleteFiles)
	rtr.Patch("/files/{volumeId}/*", h.routeMoveFiles)
	rtr.Post("/files/{volumeId}/*", h.routeMkdir)

	rtr.Get("/download/{volumeId}/*", h.routeDownload)
	rtr.Post("/download/zip", h.routeDownloadZip)

	rtr.Get("/search", h.routeSearch)

	rtr.Get("/volumes", h.routeGetVolumes)
	rtr.Post("/volumes", h.routeCreateVolume)
	rtr.Delete("/volumes/{volumeId}", h.routeRemoveVolume)
	rtr.Put("/volumes/{volumeId}/visibility", h.routeSetVisibility)
	rtr.Get("/volumes/{volumeId}/grants", h.routeGetGrants)
	rtr.Post("/volumes/{volumeId}/grants", h.routeGrantAccess)
	rtr.Delete("/volumes/{volumeId}/grants/{userId}", h.routeRevokeAccess)

	dav := NewWebDAV(h.store, h.auth, h.locks, h.audit)
	rtr.Handle(davPrefix, dav)
	rtr.Handle(davPrefix+"/*", dav)

	return rtr
}

func (h *HTTPService) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.config.HTTP.Bind,
		Handler: h.router(),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down server")
	return srv.Shutdown(context.Background())
}

func (h *HTTPService) identify(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	identity, ok := h.auth.Identify(r)
	if !ok {
		gores.Error(w, http.StatusUnauthorized, "unauthorized")
		return Identity{}, false
	}
	return identity, true
}

func (h *HTTPService) requireAdmin(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	identity, ok := h.identify(w, r)
	if !ok {
		return Identity{}, false
	}
	if !identity.IsAdmin() {
		gores.Error(w, http.StatusForbidden, "forbidden")
		return Identity{}, false
	}
	return identity, true
}

// withVolume authorizes the request against its volume and unescapes the
// wildcard path.
func (h *HTTPService) withVolume(w http.ResponseWriter, r *http.Request, identity Identity) (*Volume, string, bool) {
	volume, err := h.store.Volume(chi.URLParam(r, "volumeId"))
	if err != nil {
		ErrorResponse(w, err)
		return nil, "", false
	}

	if !h.store.CanAccess(identity, volume) {
		gores.Error(w, http.StatusForbidden, "forbidden")
		return nil, "", false
	}

	relativePath, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		gores.Error(w, http.StatusBadRequest, "bad path")
		return nil, "", false
	}

	return volume, relativePath, true
}

func (h *HTTPService) routeGetFiles(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identify(w, r)
	if !ok {
		return
	}
	volume, relativePath, ok := h.withVolume(w, r, identity)
	if !ok {
		return
	}

	info, err := volume.Stat(relativePath)
	if err != nil {
		ErrorResponse(w, err)
		return
	}

	if !info.IsDir() {
		entry, err := volume.Entry(relativePath)
		if err != nil {
			ErrorResponse(w, err)
			return
		}
		gores.JSON(w, http.StatusOK, entry)
		return
	}

	entries, err := volume.Entries(relativePath, r.URL.Query().Has("dotfiles"))
	if err != nil {
		ErrorResponse(w, err)
		return
	}
	gores.JSON(w, http.StatusOK, entries)
}

func (h *HTTPService) routeDeleteFiles(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identify(w, r)
	if !ok {
		return
	}
	volume, relativePath, ok := h.withVolume(w, r, identity)
	if !ok {
		return
	}

	err := volume.Delete(relativePath)
	if err != nil {
		ErrorResponse(w, err)
		return
	}

	h.audit.Record(AuditEvent{Actor: identity.UserID, Action: "files.delete", Volume: volume.ID, Path: relativePath})
	gores.NoContent(w)
}

func (h *HTTPService) routeMoveFiles(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identify(w, r)
	if !ok {
		return
	}
	volume, relativePath, ok := h.withVolume(w, r, identity)
	if !ok {
		return
	}

	var body struct {
		Destination string `json:"destination"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Destination == "" {
		gores.Error(w, http.StatusBadRequest, "missing destination")
		return
	}

	err := volume.Move(relativePath, body.Destination)
	if err != nil {
		ErrorResponse(w, err)
		return
	}

	h.audit.Record(AuditEvent{Actor: identity.UserID, Action: "files.move", Volume: volume.ID, Path: relativePath})
	gores.NoContent(w)
}

func (h *HTTPService) routeMkdir(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identify(w, r)
	if !ok {
		return
	}
	volume, relativePath, ok := h.withVolume(w, r, identity)
	if !ok {
		return
	}

	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		gores.Error(w, http.StatusBadRequest, "missing name")
		return
	}

	entry, err := volume.Mkdir(relativePath, body.Name)
	if err != nil {
		ErrorResponse(w, err)
		return
	}

	h.audit.Record(AuditEvent{Actor: identity.UserID, Action: "files.mkdir", Volume: volume.ID, Path: entry.Path})
	gores.JSON(w, http.StatusCreated, entry)
}

func (h *HTTPService) routeDownload(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identify(w, r)
	if !ok {
		return
	}
	volume, relativePath, ok := h.withVolume(w, r, identity)
	if !ok {
		return
	}

	info, err := volume.Stat(relativePath)
	if err != nil {
		ErrorResponse(w, err)
		return
	}
	if info.IsDir() {
		gores.Error(w, http.StatusBadRequest, "cannot download a directory")
		return
	}

	f, err := volume.Open(relativePath)
	if err != nil {
		ErrorResponse(w, err)
		return
	}
	defer f.Close()

	if r.URL.Query().Has("download") {
		w.Header().Set("Content-Disposition", `attachment; filename="`+info.Name()+`"`)
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (h *HTTPService) routeDownloadZip(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identify(w, r)
	if !ok {
		return
	}

	var body struct {
		Volume string   `json:"volume"`
		Paths  []string `json:"paths"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Volume == "" || len(body.Paths) == 0 {
		gores.Error(w, http.StatusBadRequest, "missing volume or paths")
		return
	}

	volume, err := h.store.Volume(body.Volume)
	if err != nil {
		ErrorResponse(w, err)
		return
	}
	if !h.store.CanAccess(identity, volume) {
		gores.Error(w, http.StatusForbidden, "forbidden")
		return
	}
	if !volume.HasFeature("zip") {
		gores.Error(w, http.StatusBadRequest, "zip downloads are not available for this volume")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+volume.ID+`.zip"`)

	zw := zip.NewWriter(w)
	for _, p := range body.Paths {
		if err := h.zipPath(zw, volume, p); err != nil {
			// headers are long gone; all we can do is cut the stream
			log.Printf("zip: streaming %s/%s failed: %v", volume.ID, p, err)
			break
		}
	}
	if err := zw.Close(); err != nil {
		log.Printf("zip: close failed: %v", err)
	}
}

func (h *HTTPService) zipPath(zw *zip.Writer, volume *Volume, relativePath string) error {
	resolved, err := volume.Resolve(relativePath)
	if err != nil {
		return err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return h.zipFile(zw, volume, relativePath, path.Base(filepath.ToSlash(relativePath)))
	}

	base := path.Base(filepath.ToSlash(relativePath))
	return filepath.WalkDir(resolved, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(resolved, p)
		if err != nil {
			return err
		}
		name := path.Join(base, filepath.ToSlash(rel))
		return h.zipFile(zw, volume, path.Join(relativePath, filepath.ToSlash(rel)), name)
	})
}

func (h *HTTPService) zipFile(zw *zip.Writer, volume *Volume, relativePath, archiveName string) error {
	f, err := volume.Open(relativePath)
	if err != nil {
		return err
	}
	defer f.Close()

	entry, err := zw.Create(archiveName)
	if err != nil {
		return err
	}
	_, err = io.Copy(entry, f)
	return err
}

func (h *HTTPService) routeSearch(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identify(w, r)
	if !ok {
		return
	}

	query := r.URL.Query().Get("q")
	if strings.TrimSpace(query) == "" {
		gores.Error(w, http.StatusBadRequest, "missing query")
		return
	}

	var scope []string
	if volumeId := r.URL.Query().Get("volume"); volumeId != "" {
		volume, err := h.store.Volume(volumeId)
		if err != nil {
			ErrorResponse(w, err)
			return
		}
		if !h.store.CanAccess(identity, volume) {
			gores.Error(w, http.StatusForbidden, "forbidden")
			return
		}
		scope = []string{volume.ID}
	} else {
		ids, err := h.store.AccessibleVolumeIDs(identity)
		if err != nil {
			ErrorResponse(w, err)
			return
		}
		if len(ids) == 0 {
			gores.JSON(w, http.StatusOK, []IndexRecord{})
			return
		}
		scope = ids
	}

	records, err := h.indexer.Search(query, scope, r.URL.Query().Has("fuzzy"))
	if err != nil {
		ErrorResponse(w, err)
		return
	}
	gores.JSON(w, http.StatusOK, records)
}

func (h *HTTPService) routeGetVolumes(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identify(w, r)
	if !ok {
		return
	}

	volumes, err := h.store.AccessibleVolumes(identity)
	if err != nil {
		ErrorResponse(w, err)
		return
	}
	gores.JSON(w, http.StatusOK, volumes)
}

func (h *HTTPService) routeCreateVolume(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	var body struct {
		Id         string   `json:"id"`
		Label      string   `json:"label"`
		Path       string   `json:"path"`
		Visibility string   `json:"visibility"`
		Features   []string `json:"features"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		gores.Error(w, http.StatusBadRequest, "bad request body")
		return
	}

	volume, err := h.store.CreateVolume(body.Id, body.Label, body.Path, body.Visibility, body.Features)
	if err != nil {
		ErrorResponse(w, err)
		return
	}

	h.indexer.AddVolume(volume)
	h.audit.Record(AuditEvent{Actor: identity.UserID, Action: "volumes.create", Volume: volume.ID})
	gores.JSON(w, http.StatusCreated, volume)
}

func (h *HTTPService) routeRemoveVolume(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	volumeId := chi.URLParam(r, "volumeId")
	h.indexer.UnwatchVolume(volumeId)

	err := h.store.RemoveVolume(volumeId)
	if err != nil {
		ErrorResponse(w, err)
		return
	}

	h.audit.Record(AuditEvent{Actor: identity.UserID, Action: "volumes.remove", Volume: volumeId})
	gores.NoContent(w)
}

func (h *HTTPService) routeSetVisibility(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	var body struct {
		Visibility string `json:"visibility"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		gores.Error(w, http.StatusBadRequest, "bad request body")
		return
	}

	volumeId := chi.URLParam(r, "volumeId")
	err := h.store.SetVisibility(volumeId, body.Visibility)
	if err != nil {
		ErrorResponse(w, err)
		return
	}

	h.audit.Record(AuditEvent{Actor: identity.UserID, Action: "volumes.visibility", Volume: volumeId, Path: body.Visibility})
	gores.NoContent(w)
}

func (h *HTTPService) routeGetGrants(w http.ResponseWriter, r *http.Request) {
	_, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	grants, err := h.store.Grants(chi.URLParam(r, "volumeId"))
	if err != nil {
		ErrorResponse(w, err)
		return
	}
	gores.JSON(w, http.StatusOK, grants)
}

func (h *HTTPService) routeGrantAccess(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	var body struct {
		UserId string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		gores.Error(w, http.StatusBadRequest, "bad request body")
		return
	}

	volumeId := chi.URLParam(r, "volumeId")
	err := h.store.GrantAccess(volumeId, body.UserId)
	if err != nil {
		ErrorResponse(w, err)
		return
	}

	h.audit.Record(AuditEvent{Actor: identity.UserID, Action: "volumes.grant", Volume: volumeId, Path: body.UserId})
	gores.NoContent(w)
}

func (h *HTTPService) routeRevokeAccess(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	volumeId := chi.URLParam(r, "volumeId")
	userId := chi.URLParam(r, "userId")

	err := h.store.RevokeAccess(volumeId, userId)
	if err != nil {
		ErrorResponse(w, err)
		return
	}

	h.audit.Record(AuditEvent{Actor: identity.UserID, Action: "volumes.revoke", Volume: volumeId, Path: userId})
	gores.NoContent(w)
}
