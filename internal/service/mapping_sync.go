// mapping_sync.go — поиск заданий LMS и создание маппингов по ним.
//
// Sync создаёт маппинг для задания, название которого начинается с кода
// предмета ("19AI405 Экзамен", "CS3401: итоговая работа"). Активный маппинг
// никогда не перезаписывается: расхождение попадает в отчёт как conflict.
// Код, найденный у нескольких заданий, пропускается целиком.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/model"
	"github.com/bigkaa/goartstore/exam-bridge/internal/domain/naming"
	"github.com/bigkaa/goartstore/exam-bridge/internal/lms"
	"github.com/bigkaa/goartstore/exam-bridge/internal/repository"
)

// SyncAction — итог синхронизации по одному заданию.
type SyncAction string

const (
	SyncCreated     SyncAction = "created"
	SyncWouldCreate SyncAction = "would_create"
	SyncUnchanged   SyncAction = "unchanged"
	SyncConflict    SyncAction = "conflict"
	SyncAmbiguous   SyncAction = "ambiguous"
	SyncNoCode      SyncAction = "no_code"
)

// DiscoveredAssignment — задание LMS и код предмета, выведенный из названия.
type DiscoveredAssignment struct {
	lms.Assignment
	// SubjectCode пуст, если название не начинается с кода
	SubjectCode string
	// MappedTo — код предмета, активный маппинг которого указывает на задание
	MappedTo string
}

// SyncItem — строка отчёта синхронизации.
type SyncItem struct {
	SubjectCode  string
	CourseID     int64
	AssignmentID int64
	Name         string
	Action       SyncAction
	Reason       string
}

// SyncResult — отчёт синхронизации.
type SyncResult struct {
	DryRun  bool
	Created int
	Items   []SyncItem
}

// MappingDiscovery ищет задания в LMS и заводит по ним маппинги.
type MappingDiscovery struct {
	mappings *MappingService
	catalog  LMSCatalog
	logger   *slog.Logger
}

// NewMappingDiscovery создаёт MappingDiscovery.
func NewMappingDiscovery(mappings *MappingService, catalog LMSCatalog, logger *slog.Logger) *MappingDiscovery {
	return &MappingDiscovery{
		mappings: mappings,
		catalog:  catalog,
		logger:   logger.With(slog.String("component", "mapping_discovery")),
	}
}

// Discover возвращает задания курсов с выведенными кодами предметов.
func (d *MappingDiscovery) Discover(ctx context.Context, courseIDs []int64) ([]DiscoveredAssignment, error) {
	assignments, err := d.fetch(ctx, courseIDs)
	if err != nil {
		return nil, err
	}

	active, err := d.mappings.repos.Mappings.List(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("список маппингов: %w", err)
	}
	byAssignment := make(map[int64]string, len(active))
	for _, m := range active {
		byAssignment[m.RemoteAssignmentID] = m.SubjectCode
	}

	out := make([]DiscoveredAssignment, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, DiscoveredAssignment{
			Assignment:  a,
			SubjectCode: SubjectFromAssignmentName(a.Name),
			MappedTo:    byAssignment[a.ID],
		})
	}
	return out, nil
}

// Sync создаёт недостающие маппинги. При dryRun только строит отчёт.
func (d *MappingDiscovery) Sync(ctx context.Context, courseIDs []int64, dryRun bool, actor model.Actor) (*SyncResult, error) {
	assignments, err := d.fetch(ctx, courseIDs)
	if err != nil {
		return nil, err
	}

	byCode := make(map[string][]lms.Assignment)
	result := &SyncResult{DryRun: dryRun}
	for _, a := range assignments {
		code := SubjectFromAssignmentName(a.Name)
		if code == "" {
			result.Items = append(result.Items, syncItem("", a, SyncNoCode, "название не начинается с кода предмета"))
			continue
		}
		byCode[code] = append(byCode[code], a)
	}

	codes := make([]string, 0, len(byCode))
	for code := range byCode {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	for _, code := range codes {
		list := byCode[code]
		if len(list) > 1 {
			for _, a := range list {
				result.Items = append(result.Items, syncItem(code, a, SyncAmbiguous,
					fmt.Sprintf("код %s найден у %d заданий, нужен ручной маппинг", code, len(list))))
			}
			continue
		}

		item, err := d.syncOne(ctx, code, list[0], dryRun, actor)
		if err != nil {
			return nil, err
		}
		if item.Action == SyncCreated {
			result.Created++
		}
		result.Items = append(result.Items, item)
	}

	d.logger.Info("Синхронизация маппингов",
		slog.Any("course_ids", courseIDs),
		slog.Bool("dry_run", dryRun),
		slog.Int("assignments", len(assignments)),
		slog.Int("created", result.Created),
	)
	return result, nil
}

func (d *MappingDiscovery) syncOne(ctx context.Context, code string, a lms.Assignment, dryRun bool, actor model.Actor) (SyncItem, error) {
	current, err := d.mappings.repos.Mappings.GetActive(ctx, code)
	switch {
	case err == nil && current.RemoteAssignmentID == a.ID:
		return syncItem(code, a, SyncUnchanged, ""), nil
	case err == nil:
		return syncItem(code, a, SyncConflict,
			fmt.Sprintf("активный маппинг указывает на задание %d", current.RemoteAssignmentID)), nil
	case !errors.Is(err, repository.ErrNotFound):
		return SyncItem{}, fmt.Errorf("маппинг %s: %w", code, err)
	}

	if dryRun {
		return syncItem(code, a, SyncWouldCreate, ""), nil
	}

	name := a.Name
	m := &model.SubjectMapping{
		SubjectCode:        code,
		RemoteCourseID:     a.CourseID,
		RemoteAssignmentID: a.ID,
		AssignmentName:     &name,
		Active:             true,
	}
	err = d.mappings.uow.WithinTx(ctx, func(r *repository.Repos) error {
		if err := r.Mappings.Create(ctx, m); err != nil {
			return err
		}
		return appendAudit(ctx, r.Audit, model.AuditMappingSync, actor, "",
			map[string]any{
				"subject_code":         code,
				"remote_course_id":     a.CourseID,
				"remote_assignment_id": a.ID,
				"assignment_name":      a.Name,
			},
			map[string]any{"id": m.ID},
			nil,
		)
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return syncItem(code, a, SyncConflict, "маппинг создан конкурентно"), nil
		}
		return SyncItem{}, fmt.Errorf("создание маппинга %s: %w", code, err)
	}
	d.mappings.cache.Remove(code)
	return syncItem(code, a, SyncCreated, ""), nil
}

// BindModule находит задание по id модуля курса (cmid из адреса страницы
// задания) и делает его активным маппингом предмета, заменяя прежний.
func (d *MappingDiscovery) BindModule(ctx context.Context, subjectCode string, moduleID int64, courseIDs []int64, actor model.Actor) (*model.SubjectMapping, error) {
	if moduleID <= 0 {
		return nil, newError(ErrValidation, "id модуля курса должен быть положительным", nil)
	}
	assignments, err := d.fetch(ctx, courseIDs)
	if err != nil {
		return nil, err
	}
	for _, a := range assignments {
		if a.ModuleID != moduleID {
			continue
		}
		name := a.Name
		return d.mappings.Upsert(ctx, &model.SubjectMapping{
			SubjectCode:        subjectCode,
			RemoteCourseID:     a.CourseID,
			RemoteAssignmentID: a.ID,
			AssignmentName:     &name,
		}, actor)
	}
	return nil, newError(ErrNotFound,
		fmt.Sprintf("задание с id модуля %d не найдено в курсах %v", moduleID, courseIDs), nil)
}

func (d *MappingDiscovery) fetch(ctx context.Context, courseIDs []int64) ([]lms.Assignment, error) {
	if len(courseIDs) == 0 {
		return nil, newError(ErrValidation, "нужен хотя бы один course_id", nil)
	}
	for _, id := range courseIDs {
		if id <= 0 {
			return nil, newError(ErrValidation, fmt.Sprintf("course_id %d должен быть положительным", id), nil)
		}
	}

	assignments, err := d.catalog.Assignments(ctx, courseIDs)
	if err != nil {
		var le *lms.Error
		if errors.As(err, &le) {
			kind := ErrPermanent
			if le.Class == lms.ClassTransient {
				kind = ErrTransient
			}
			return nil, newError(kind, "список заданий LMS: "+le.Error(), err)
		}
		return nil, fmt.Errorf("список заданий LMS: %w", err)
	}
	return assignments, nil
}

// SubjectFromAssignmentName выделяет код предмета из начала названия задания.
// Код должен содержать цифру и отделяться от остального названия
// пробелом или знаком препинания.
func SubjectFromAssignmentName(name string) string {
	name = strings.TrimSpace(name)
	end := 0
	for end < len(name) && isASCIIAlnum(name[end]) {
		end++
	}
	if end == 0 || (end < len(name) && !isCodeSeparator(name[end])) {
		return ""
	}
	code := strings.ToUpper(name[:end])
	if !naming.ValidSubjectCode(code) || !strings.ContainsAny(code, "0123456789") {
		return ""
	}
	return code
}

func isASCIIAlnum(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isCodeSeparator(b byte) bool {
	return strings.IndexByte(" \t:-_.,/()[]", b) >= 0
}

func syncItem(code string, a lms.Assignment, action SyncAction, reason string) SyncItem {
	return SyncItem{
		SubjectCode:  code,
		CourseID:     a.CourseID,
		AssignmentID: a.ID,
		Name:         a.Name,
		Action:       action,
		Reason:       reason,
	}
}
