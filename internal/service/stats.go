package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/workflow"
	"github.com/bigkaa/goartstore/exam-bridge/internal/repository"
)

// Stats — операционная сводка.
type Stats struct {
	Queue          model.QueueStats
	ReviewRequired int
	ByStatus       map[workflow.Status]int
	Mappings       []MappingHealth
	Identities     int
	// LinkedAccounts — студенты с привязанной учётной записью LMS
	LinkedAccounts int
}

// StatsService собирает операционную сводку.
type StatsService struct {
	repos    *repository.Repos
	mappings *MappingService
	now      func() time.Time
}

// NewStatsService создаёт StatsService.
func NewStatsService(repos *repository.Repos, mappings *MappingService) *StatsService {
	return &StatsService{
		repos:    repos,
		mappings: mappings,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Collect возвращает текущие счётчики.
func (s *StatsService) Collect(ctx context.Context) (*Stats, error) {
	queue, err := s.repos.Queue.Stats(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("статистика очереди: %w", err)
	}
	review, err := s.repos.Artifacts.CountReviewRequired(ctx)
	if err != nil {
		return nil, fmt.Errorf("подсчёт review_required: %w", err)
	}
	byStatus, err := s.repos.Artifacts.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("подсчёт по статусам: %w", err)
	}
	mappings, err := s.mappings.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("состояние маппингов: %w", err)
	}
	identities, err := s.repos.Identities.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("подсчёт идентичностей: %w", err)
	}
	linked, err := s.repos.Credentials.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("подсчёт привязок LMS: %w", err)
	}

	// Все статусы присутствуют в сводке, в том числе нулевые
	for _, st := range workflow.AllStatuses() {
		if _, ok := byStatus[st]; !ok {
			byStatus[st] = 0
		}
	}

	return &Stats{
		Queue:          queue,
		ReviewRequired: review,
		ByStatus:       byStatus,
		Mappings:       mappings,
		Identities:     identities,
		LinkedAccounts: linked,
	}, nil
}
