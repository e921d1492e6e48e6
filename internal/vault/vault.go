// Package vault is the append-only history of completed transfers.
// Records carry metadata only; payload bytes never touch disk.
package vault

import (
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/tronsfer/tronsfer/internal/transfer"
)

type TransferRecord struct {
	ID         uint   `gorm:"primaryKey"`
	TransferID string `gorm:"index"`
	Name       string
	Size       int64
	Mime       string
	Direction  string
	PeerID     string
	Nickname   string
	CreatedAt  int64
}

type Vault struct {
	DB *gorm.DB
}

func NewDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&TransferRecord{}); err != nil {
		return nil, err
	}
	return db, nil
}

func New(db *gorm.DB) *Vault {
	return &Vault{DB: db}
}

// Open is the one-call path used by the app: open or create the vault
// database at path and migrate it.
func Open(path string) (*Vault, error) {
	db, err := NewDB(path)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// Add appends one completed transfer. The payload is dropped even if
// the caller left it populated.
func (v *Vault) Add(rec transfer.Record) error {
	return v.DB.Create(&TransferRecord{
		TransferID: rec.ID,
		Name:       rec.Name,
		Size:       rec.Size,
		Mime:       rec.Mime,
		Direction:  string(rec.Direction),
		CreatedAt:  time.Now().Unix(),
	}).Error
}

// AddWithPeer is Add plus the peer identity captured at completion
// time, for the history listing.
func (v *Vault) AddWithPeer(rec transfer.Record, peerID, nickname string) error {
	return v.DB.Create(&TransferRecord{
		TransferID: rec.ID,
		Name:       rec.Name,
		Size:       rec.Size,
		Mime:       rec.Mime,
		Direction:  string(rec.Direction),
		PeerID:     peerID,
		Nickname:   nickname,
		CreatedAt:  time.Now().Unix(),
	}).Error
}

// List returns all records, most recent first.
func (v *Vault) List() ([]TransferRecord, error) {
	var records []TransferRecord
	err := v.DB.Order("id DESC").Find(&records).Error
	return records, err
}

// Wipe deletes the whole history.
func (v *Vault) Wipe() error {
	return v.DB.Where("1 = 1").Delete(&TransferRecord{}).Error
}
