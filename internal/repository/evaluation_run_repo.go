package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

// EvaluationRunFilter narrows run listings.
type EvaluationRunFilter struct {
	Status   models.RunStatus
	Page     int
	PageSize int
}

// EvaluationRunRepository persists batch runs and their per-student results.
type EvaluationRunRepository interface {
	Create(ctx context.Context, run *models.EvaluationRun) error
	GetByID(ctx context.Context, id string) (models.EvaluationRun, error)
	List(ctx context.Context, filter EvaluationRunFilter) ([]models.EvaluationRun, int64, error)
	Update(ctx context.Context, id string, updates map[string]interface{}) error
	RecordStudent(ctx context.Context, student *models.StudentEvaluation, completed int) error
	SaveReport(ctx context.Context, run *models.EvaluationRun) error
	MarkInterrupted(ctx context.Context, detail string) (int64, error)
	Delete(ctx context.Context, id string) error
}

type evaluationRunRepository struct {
	db *gorm.DB
}

// NewEvaluationRunRepository constructs an evaluation run repository.
func NewEvaluationRunRepository(db *gorm.DB) EvaluationRunRepository {
	return &evaluationRunRepository{db: db}
}

func (r *evaluationRunRepository) Create(ctx context.Context, run *models.EvaluationRun) error {
	return r.db.WithContext(ctx).Omit("Students").Create(run).Error
}

func (r *evaluationRunRepository) GetByID(ctx context.Context, id string) (models.EvaluationRun, error) {
	var run models.EvaluationRun
	if err := r.db.WithContext(ctx).
		Preload("Students", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		First(&run, "id = ?", id).Error; err != nil {
		return models.EvaluationRun{}, err
	}

	return run, nil
}

func (r *evaluationRunRepository) List(ctx context.Context, filter EvaluationRunFilter) ([]models.EvaluationRun, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.EvaluationRun{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.PageSize > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		query = query.Offset((page - 1) * filter.PageSize).Limit(filter.PageSize)
	}

	var runs []models.EvaluationRun
	if err := query.Order("created_at DESC").Find(&runs).Error; err != nil {
		return nil, 0, err
	}

	return runs, total, nil
}

func (r *evaluationRunRepository) Update(ctx context.Context, id string, updates map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&models.EvaluationRun{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// RecordStudent stores one finished student and advances the run's completed counter.
func (r *evaluationRunRepository) RecordStudent(ctx context.Context, student *models.StudentEvaluation, completed int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(student).Error; err != nil {
			return err
		}

		return tx.Model(&models.EvaluationRun{}).
			Where("id = ?", student.RunID).
			Update("completed", completed).Error
	})
}

// SaveReport replaces the run's student rows with the final ordered results.
func (r *evaluationRunRepository) SaveReport(ctx context.Context, run *models.EvaluationRun) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", run.ID).Delete(&models.StudentEvaluation{}).Error; err != nil {
			return err
		}

		if err := tx.Omit("Students").Save(run).Error; err != nil {
			return err
		}

		if len(run.Students) == 0 {
			return nil
		}
		for i := range run.Students {
			run.Students[i].ID = 0
			run.Students[i].RunID = run.ID
		}
		return tx.Create(&run.Students).Error
	})
}

// MarkInterrupted fails every run left queued or running, typically after a restart.
func (r *evaluationRunRepository) MarkInterrupted(ctx context.Context, detail string) (int64, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&models.EvaluationRun{}).
		Where("status IN ?", []models.RunStatus{models.RunStatusQueued, models.RunStatusRunning}).
		Updates(map[string]interface{}{
			"status":       models.RunStatusFailed,
			"error_detail": detail,
			"finished_at":  now,
		})
	return result.RowsAffected, result.Error
}

func (r *evaluationRunRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", id).Delete(&models.StudentEvaluation{}).Error; err != nil {
			return err
		}

		result := tx.Delete(&models.EvaluationRun{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}
