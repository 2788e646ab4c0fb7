// Package store keeps the signaling server's presence registry in
// sqlite: which user is a member of which room, and since when. The
// in-memory connection map owns delivery; this registry backs the peers
// list reply and survives for operator inspection.
package store

import (
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type Room struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex"`
	CreatedAt int64
}

type Member struct {
	ID       uint `gorm:"primaryKey"`
	RoomID   uint `gorm:"not null;index;constraint:OnDelete:CASCADE"`
	Room     Room `gorm:"constraint:OnDelete:CASCADE"`
	Username string
	JoinedAt int64
}

func NewDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Room{}, &Member{}); err != nil {
		return nil, err
	}
	return db, nil
}

type PresenceStore struct {
	DB *gorm.DB
}

func NewPresenceStore(db *gorm.DB) *PresenceStore {
	return &PresenceStore{DB: db}
}

// AddMember records user as a member of room, creating the room row on
// first join. Re-adding an existing member is a no-op.
func (ps *PresenceStore) AddMember(room, user string) error {
	r, err := ps.ensureRoom(room)
	if err != nil {
		return err
	}

	var count int64
	if err := ps.DB.Model(&Member{}).
		Where("room_id = ? AND username = ?", r.ID, user).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	member := Member{RoomID: r.ID, Username: user, JoinedAt: time.Now().Unix()}
	return ps.DB.Create(&member).Error
}

// RemoveMember deletes the membership row; empty rooms are removed too.
func (ps *PresenceStore) RemoveMember(room, user string) error {
	var r Room
	if err := ps.DB.Where("name = ?", room).First(&r).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return err
	}

	if err := ps.DB.Where("room_id = ? AND username = ?", r.ID, user).
		Delete(&Member{}).Error; err != nil {
		return err
	}

	var remaining int64
	if err := ps.DB.Model(&Member{}).Where("room_id = ?", r.ID).
		Count(&remaining).Error; err != nil {
		return err
	}
	if remaining == 0 {
		return ps.DB.Delete(&r).Error
	}
	return nil
}

// Members returns the usernames currently registered in room, in join
// order.
func (ps *PresenceStore) Members(room string) ([]string, error) {
	var r Room
	if err := ps.DB.Where("name = ?", room).First(&r).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}

	var members []Member
	if err := ps.DB.Where("room_id = ?", r.ID).
		Order("joined_at, id").Find(&members).Error; err != nil {
		return nil, err
	}

	users := make([]string, 0, len(members))
	for _, m := range members {
		users = append(users, m.Username)
	}
	return users, nil
}

// Reset drops all presence rows. Called on server startup so that stale
// memberships from a previous run do not leak into peers replies.
func (ps *PresenceStore) Reset() error {
	if err := ps.DB.Where("1 = 1").Delete(&Member{}).Error; err != nil {
		return err
	}
	return ps.DB.Where("1 = 1").Delete(&Room{}).Error
}

func (ps *PresenceStore) ensureRoom(name string) (Room, error) {
	var r Room
	err := ps.DB.Where("name = ?", name).First(&r).Error
	if err == nil {
		return r, nil
	}
	if err != gorm.ErrRecordNotFound {
		return Room{}, err
	}

	r = Room{Name: name, CreatedAt: time.Now().Unix()}
	if err := ps.DB.Create(&r).Error; err != nil {
		return Room{}, err
	}
	return r, nil
}
