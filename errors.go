package shelf

import (
	"errors"
	"net/http"
	"os"

	"github.com/alioygur/gores"
	"gorm.io/gorm"
)

var (
	ErrAccessDenied  = errors.New("access denied")
	ErrForbidden     = errors.New("forbidden")
	ErrNotFound      = errors.New("not found")
	ErrNotADirectory = errors.New("not a directory")
	ErrInvalidInput  = errors.New("invalid input")
	ErrConflict      = errors.New("conflict")
	ErrCrossVolume   = errors.New("cross-volume operations unsupported")
)

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrAccessDenied), errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound), os.IsNotExist(err):
		return http.StatusNotFound, "not found"
	case errors.Is(err, ErrNotADirectory), errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ErrConflict), os.IsExist(err):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrCrossVolume):
		return http.StatusBadGateway, ErrCrossVolume.Error()
	default:
		return http.StatusInternalServerError, "something went wrong"
	}
}

func ErrorResponse(w http.ResponseWriter, err error) {
	status, msg := statusForError(err)
	gores.Error(w, status, msg)
}

// TextErrorResponse is the WebDAV flavor: Finder and Explorer choke on JSON
// error bodies, so the /dav mount answers in plain text.
func TextErrorResponse(w http.ResponseWriter, err error) {
	status, msg := statusForError(err)
	http.Error(w, msg, status)
}
