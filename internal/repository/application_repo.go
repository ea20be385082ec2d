package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/teachlink/teachlink-realtime/internal/models"
)

// ApplicationRepository persists application records, the durable anchor for
// conversations.
type ApplicationRepository interface {
	FindByID(ctx context.Context, id uint) (models.Application, error)
	FindByParticipants(ctx context.Context, teacherID, schoolID string) (models.Application, error)
	// FirstOrCreateInquiry resolves the application between two parties,
	// creating a general_inquiry record when none exists. Two concurrent
	// resolutions for the same pair converge on one row.
	FirstOrCreateInquiry(ctx context.Context, app *models.Application) error
	ListForUser(ctx context.Context, userID string) ([]models.Application, error)
}

type applicationRepository struct {
	db *gorm.DB
}

// NewApplicationRepository constructs an application repository backed by GORM.
func NewApplicationRepository(db *gorm.DB) ApplicationRepository {
	return &applicationRepository{db: db}
}

func (r *applicationRepository) FindByID(ctx context.Context, id uint) (models.Application, error) {
	var app models.Application
	if err := r.db.WithContext(ctx).First(&app, id).Error; err != nil {
		return models.Application{}, err
	}
	return app, nil
}

func (r *applicationRepository) FindByParticipants(ctx context.Context, teacherID, schoolID string) (models.Application, error) {
	var app models.Application
	err := r.db.WithContext(ctx).
		Where("teacher_id = ? AND school_id = ?", teacherID, schoolID).
		Order("created_at ASC").
		First(&app).Error
	if err != nil {
		return models.Application{}, err
	}
	return app, nil
}

func (r *applicationRepository) FirstOrCreateInquiry(ctx context.Context, app *models.Application) error {
	if app.Status == "" {
		app.Status = "general_inquiry"
	}
	return r.db.WithContext(ctx).
		Where("teacher_id = ? AND school_id = ?", app.TeacherID, app.SchoolID).
		Attrs(models.Application{
			Status:      app.Status,
			TeacherName: app.TeacherName,
			SchoolName:  app.SchoolName,
		}).
		FirstOrCreate(app).Error
}

func (r *applicationRepository) ListForUser(ctx context.Context, userID string) ([]models.Application, error) {
	var apps []models.Application
	err := r.db.WithContext(ctx).
		Where("teacher_id = ? OR school_id = ?", userID, userID).
		Order("updated_at DESC").
		Find(&apps).Error
	if err != nil {
		return nil, err
	}
	return apps, nil
}
