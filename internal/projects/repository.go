package projects

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// CachedDocument is one cached copy of the shared document, keyed by target
// identity ("local" or user@host:port).
type CachedDocument struct {
	TargetKey string `gorm:"primaryKey"`
	Payload   string
	UpdatedAt time.Time
}

// Repository is the local cache behind the synchronizer. It only ever holds
// normalized documents.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{
		db: db,
	}
}

// Get returns the cached records for the target, or nil when the cache is
// empty. A malformed cache row is treated as absent rather than fatal.
func (r *Repository) Get(targetKey string) ([]Project, error) {
	var row CachedDocument
	err := r.db.First(&row, "target_key = ?", targetKey).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal([]byte(row.Payload), &doc); err != nil {
		return nil, nil
	}
	return Normalize(doc.Projects), nil
}

// Put stores the normalized records for the target.
func (r *Repository) Put(targetKey string, records []Project) error {
	payload, err := json.Marshal(NewDocument(Normalize(records)))
	if err != nil {
		return err
	}

	row := CachedDocument{
		TargetKey: targetKey,
		Payload:   string(payload),
		UpdatedAt: time.Now().UTC(),
	}
	return r.db.Save(&row).Error
}
