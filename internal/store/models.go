package store

import (
	"encoding/json"
	"time"
)

// Document is one markdown document in the user's library. ID is a GUID;
// documents carried over from the legacy store keep their original id in
// MigratedFrom. LastSyncedAt stays nil until the first successful push or
// pull against the remote repository.
type Document struct {
	ID             string     `gorm:"primaryKey" json:"id"`
	Title          string     `gorm:"not null" json:"title"`
	Content        string     `gorm:"type:text" json:"content"`
	Tags           string     `gorm:"type:text" json:"-"` // JSON array
	RemotePath     string     `gorm:"index;default:''" json:"remotePath,omitempty"`
	RemoteSHA      string     `gorm:"default:''" json:"remoteSha,omitempty"`
	Checksum       string     `gorm:"default:''" json:"checksum,omitempty"`
	MigratedFrom   string     `gorm:"index;default:''" json:"migratedFrom,omitempty"`
	MigrationDate  *time.Time `json:"migrationDate,omitempty"`
	LastSyncedAt   *time.Time `json:"lastSyncedAt,omitempty"`
	LastModifiedAt time.Time  `gorm:"not null" json:"lastModifiedAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// TagList decodes the serialized tags column.
func (d *Document) TagList() []string {
	if d.Tags == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(d.Tags), &tags); err != nil {
		return nil
	}
	return tags
}

// SetTags serializes tags into the column representation.
func (d *Document) SetTags(tags []string) {
	if len(tags) == 0 {
		d.Tags = ""
		return
	}
	raw, _ := json.Marshal(tags)
	d.Tags = string(raw)
}

// BlobRecord is an opaque named value: encrypted vault records, sync
// metadata, migration backups. The vault owns the encryption; the store
// only persists bytes.
type BlobRecord struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     []byte    `gorm:"type:blob" json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
