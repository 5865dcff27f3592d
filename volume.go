package shelf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sqids/sqids-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Volume is a host directory exposed to clients under a stable id.
type Volume struct {
	ID         string                      `json:"id" gorm:"primaryKey"`
	Label      string                      `json:"label"`
	Path       string                      `json:"path" gorm:"uniqueIndex"`
	Visibility string                      `json:"visibility"`
	Features   datatypes.JSONSlice[string] `json:"features"`
	CreatedAt  time.Time                   `json:"created_at"`
}

func (v *Volume) IsPublic() bool {
	return v.Visibility == VisibilityPublic
}

func (v *Volume) HasFeature(feature string) bool {
	for _, f := range v.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// AccessGrant records that a user may reach a private volume.
type AccessGrant struct {
	Id       uint   `json:"id" gorm:"primaryKey"`
	VolumeID string `json:"volume_id" gorm:"uniqueIndex:idx_grant"`
	UserID   string `json:"user_id" gorm:"uniqueIndex:idx_grant"`
}

var sqid *sqids.Sqids

func init() {
	it, err := sqids.New()
	if err != nil {
		panic(err)
	}
	sqid = it
}

func newVolumeID() string {
	id, _ := sqid.Encode([]uint64{uint64(time.Now().UnixMilli())})
	return id
}

func validVisibility(visibility string) bool {
	return visibility == VisibilityPublic || visibility == VisibilityPrivate
}

// CreateVolume registers a host directory. The path must exist and be a
// directory; id and path must both be unused. An empty id gets generated.
func (s *Store) CreateVolume(id, label, path, visibility string, features []string) (*Volume, error) {
	if visibility == "" {
		visibility = VisibilityPrivate
	}
	if !validVisibility(visibility) {
		return nil, fmt.Errorf("%w: visibility must be public or private", ErrInvalidInput)
	}

	path = filepath.Clean(path)
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("%w: volume path must be absolute", ErrInvalidInput)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: volume path does not exist", ErrInvalidInput)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: volume path is not a directory", ErrInvalidInput)
	}

	if id == "" {
		id = newVolumeID()
	}

	var count int64
	err = s.db.Model(&Volume{}).Where("id = ? OR path = ?", id, path).Count(&count).Error
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: volume id or path already registered", ErrConflict)
	}

	volume := &Volume{
		ID:         id,
		Label:      label,
		Path:       path,
		Visibility: visibility,
		Features:   datatypes.NewJSONSlice(features),
	}

	err = s.db.Create(volume).Error
	if err != nil {
		return nil, err
	}

	return volume, nil
}

// RemoveVolume drops the volume along with its grants and index rows.
func (s *Store) RemoveVolume(id string) error {
	volume, err := s.Volume(id)
	if err != nil {
		return err
	}

	err = s.db.Where("volume_id = ?", id).Delete(&AccessGrant{}).Error
	if err != nil {
		return err
	}
	err = s.db.Where("volume = ?", id).Delete(&IndexRecord{}).Error
	if err != nil {
		return err
	}
	return s.db.Delete(volume).Error
}

func (s *Store) Volume(id string) (*Volume, error) {
	var volume Volume
	err := s.db.First(&volume, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no such volume", ErrNotFound)
		}
		return nil, err
	}
	return &volume, nil
}

func (s *Store) Volumes() ([]Volume, error) {
	var volumes []Volume
	err := s.db.Order("id ASC").Find(&volumes).Error
	return volumes, err
}

// SetVisibility flips a volume between public and private. Going public
// prunes the grant rows since they no longer mean anything; going private
// leaves them alone.
func (s *Store) SetVisibility(id, visibility string) error {
	if !validVisibility(visibility) {
		return fmt.Errorf("%w: visibility must be public or private", ErrInvalidInput)
	}

	volume, err := s.Volume(id)
	if err != nil {
		return err
	}

	err = s.db.Model(volume).Update("visibility", visibility).Error
	if err != nil {
		return err
	}

	if visibility == VisibilityPublic {
		return s.db.Where("volume_id = ?", id).Delete(&AccessGrant{}).Error
	}
	return nil
}

func (s *Store) GrantAccess(volumeId, userId string) error {
	if userId == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}
	_, err := s.Volume(volumeId)
	if err != nil {
		return err
	}
	grant := AccessGrant{VolumeID: volumeId, UserID: userId}
	return s.db.FirstOrCreate(&grant, grant).Error
}

// RevokeAccess is a no-op when no grant exists.
func (s *Store) RevokeAccess(volumeId, userId string) error {
	return s.db.Where("volume_id = ? AND user_id = ?", volumeId, userId).Delete(&AccessGrant{}).Error
}

func (s *Store) Grants(volumeId string) ([]AccessGrant, error) {
	var grants []AccessGrant
	err := s.db.Where("volume_id = ?", volumeId).Order("user_id ASC").Find(&grants).Error
	return grants, err
}

// CanAccess decides whether an identity may reach a volume: admins always,
// anyone for public volumes, grant holders for private ones.
func (s *Store) CanAccess(identity Identity, volume *Volume) bool {
	if identity.IsAdmin() {
		return true
	}
	if volume.IsPublic() {
		return true
	}

	var count int64
	err := s.db.Model(&AccessGrant{}).
		Where("volume_id = ? AND user_id = ?", volume.ID, identity.UserID).
		Count(&count).Error
	if err != nil {
		return false
	}
	return count > 0
}

func (s *Store) AccessibleVolumes(identity Identity) ([]Volume, error) {
	if identity.IsAdmin() {
		return s.Volumes()
	}

	var volumes []Volume
	err := s.db.
		Where("visibility = ?", VisibilityPublic).
		Or("id IN (?)", s.db.Model(&AccessGrant{}).Select("volume_id").Where("user_id = ?", identity.UserID)).
		Order("id ASC").
		Find(&volumes).Error
	return volumes, err
}

func (s *Store) AccessibleVolumeIDs(identity Identity) ([]string, error) {
	volumes, err := s.AccessibleVolumes(identity)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(volumes))
	for idx, volume := range volumes {
		ids[idx] = volume.ID
	}
	return ids, nil
}
