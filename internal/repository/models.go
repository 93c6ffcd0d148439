package repository

import (
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID            string  `gorm:"type:uuid;primaryKey"`
	RequestID     string  `gorm:"type:varchar(255);not null"`
	AttemptNumber int     `gorm:"not null"`
	Outcome       string  `gorm:"type:varchar(10);not null"`
	MessageID     *string `gorm:"type:varchar(255)"`
	Error         *string `gorm:"type:text"`
	CreatedAt     time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:            a.ID,
		RequestID:     a.RequestID,
		AttemptNumber: a.AttemptNumber,
		Outcome:       string(a.Outcome),
		MessageID:     a.MessageID,
		Error:         a.Error,
		CreatedAt:     a.CreatedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:            m.ID,
		RequestID:     m.RequestID,
		AttemptNumber: m.AttemptNumber,
		Outcome:       domain.Outcome(m.Outcome),
		MessageID:     m.MessageID,
		Error:         m.Error,
		CreatedAt:     m.CreatedAt,
	}
}
