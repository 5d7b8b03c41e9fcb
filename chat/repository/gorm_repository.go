package repository

import (
	"context"
	"errors"
	"time"

	"ai-web-chat-demo/backend/chat/models"

	"gorm.io/gorm"
)

// GormSessionStore persists chat sessions in Postgres. One row per
// session, one row per message.
type GormSessionStore struct {
	db *gorm.DB
}

func NewGormSessionStore(db *gorm.DB) *GormSessionStore {
	return &GormSessionStore{db: db}
}

// AutoMigrate creates or updates the session and message tables.
func (r *GormSessionStore) AutoMigrate() error {
	return r.db.AutoMigrate(&models.ChatSession{}, &models.Message{})
}

func (r *GormSessionStore) SaveSession(ctx context.Context, ownerID string, session *models.ChatSession) (*models.ChatSession, error) {
	stored := *session
	stored.OwnerID = ownerID
	stored.Messages = nil
	if stored.ID == "" {
		stored.ID = models.NewChatID()
	}
	if stored.Title == "" {
		stored.Title = models.DefaultTitle
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.SavedAt = time.Now().UTC()

	if err := r.db.WithContext(ctx).Save(&stored).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}

func (r *GormSessionStore) SaveMessage(ctx context.Context, ownerID, chatID string, msg *models.Message) (*models.Message, error) {
	stored := *msg
	stored.ChatID = chatID
	if stored.ID == "" || models.IsProvisionalID(stored.ID) {
		stored.ID = models.NewMessageID()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session models.ChatSession
		err := tx.Where("id = ? AND owner_id = ?", chatID, ownerID).First(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			session = models.ChatSession{
				ID:        chatID,
				OwnerID:   ownerID,
				Title:     models.DefaultTitle,
				CreatedAt: time.Now().UTC(),
			}
			if err := tx.Create(&session).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		if err := tx.Create(&stored).Error; err != nil {
			return err
		}
		return tx.Model(&models.ChatSession{}).
			Where("id = ?", chatID).
			Update("saved_at", time.Now().UTC()).Error
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (r *GormSessionStore) LoadSessions(ctx context.Context, ownerID string) ([]models.ChatSession, error) {
	var sessions []models.ChatSession
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Preload("Messages", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC")
		}).
		Find(&sessions).Error
	return sessions, err
}

func (r *GormSessionStore) DeleteSession(ctx context.Context, ownerID, chatID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND owner_id = ?", chatID, ownerID).Delete(&models.ChatSession{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return tx.Where("chat_id = ?", chatID).Delete(&models.Message{}).Error
	})
}

func (r *GormSessionStore) UpdateTitle(ctx context.Context, ownerID, chatID, title string) error {
	return r.db.WithContext(ctx).Model(&models.ChatSession{}).
		Where("id = ? AND owner_id = ?", chatID, ownerID).
		Update("title", title).Error
}
