package importer

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Directory resolves the natural keys a spreadsheet carries into production ids.
type Directory interface {
	// UnitOfferingID fails with ErrUnknownUnitCode when no offering matches.
	UnitOfferingID(ctx context.Context, unitCode string) (uint, error)
	// TutorUserID returns nil when the staff id is not linked to a user.
	TutorUserID(ctx context.Context, staffID string) (*uint, error)
}

// GormDirectory reads the unit_offering and tutor reference tables.
type GormDirectory struct {
	db *gorm.DB
}

func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

// WithTx returns a directory reading through tx, so lookups made during a commit
// see the same snapshot as the writes.
func (d *GormDirectory) WithTx(tx *gorm.DB) Directory {
	return &GormDirectory{db: tx}
}

func (d *GormDirectory) UnitOfferingID(ctx context.Context, unitCode string) (uint, error) {
	code := NormalizeUnitCode(unitCode)
	var uo UnitOffering
	err := d.db.WithContext(ctx).Where("unit_code = ?", code).First(&uo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, errors.Wrapf(ErrUnknownUnitCode, "%q", code)
	}
	if err != nil {
		return 0, err
	}
	return uo.ID, nil
}

func (d *GormDirectory) TutorUserID(ctx context.Context, staffID string) (*uint, error) {
	staffID = strings.TrimSpace(staffID)
	if staffID == "" {
		return nil, nil
	}
	var t Tutor
	err := d.db.WithContext(ctx).Where("staff_id = ?", staffID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id := t.UserID
	return &id, nil
}
