package participantgroup

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/studyengine/internal/platform/apperror"
	"github.com/ehr/studyengine/internal/platform/db"
	"github.com/ehr/studyengine/internal/platform/metrics"
	"github.com/ehr/studyengine/internal/platform/studylock"
)

type Service struct {
	repo     Repository
	subjects SubjectSource
	tx       db.TxBeginner
	locks    *studylock.Locker
	log      zerolog.Logger
}

func NewService(repo Repository, subjects SubjectSource, tx db.TxBeginner, locks *studylock.Locker, log zerolog.Logger) *Service {
	return &Service{repo: repo, subjects: subjects, tx: tx, locks: locks, log: log}
}

func (s *Service) mutate(ctx context.Context, studyID int, fn func(ctx context.Context) error) error {
	return s.locks.WithLock(ctx, studyID, func(ctx context.Context) error {
		return db.WithinTx(ctx, s.tx, fn)
	})
}

// LoadMembership reads subjects, cohort members and groups of a study. The
// three reads run concurrently unless ctx carries a transaction, which
// cannot be shared between goroutines.
func (s *Service) LoadMembership(ctx context.Context, studyID int) (Membership, error) {
	var (
		m      Membership
		groups []*Group
	)
	g, gctx := errgroup.WithContext(ctx)
	if db.InTx(ctx) {
		g.SetLimit(1)
	}
	g.Go(func() error {
		all, err := s.subjects.AllSubjects(gctx, studyID)
		if err != nil {
			return fmt.Errorf("load subjects: %w", err)
		}
		m.AllSubjects = all
		return nil
	})
	g.Go(func() error {
		cohorts, err := s.subjects.CohortMembers(gctx, studyID)
		if err != nil {
			return fmt.Errorf("load cohort members: %w", err)
		}
		m.CohortMembers = cohorts
		return nil
	})
	g.Go(func() error {
		var err error
		groups, err = s.repo.StudyGroups(gctx, studyID)
		if err != nil {
			return fmt.Errorf("load participant groups: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Membership{}, err
	}

	m.GroupMembers = make(map[int]Set, len(groups))
	m.CategoryGroups = make(map[int][]int)
	for _, grp := range groups {
		m.GroupMembers[grp.ID] = NewSet(grp.Participants...)
		m.CategoryGroups[grp.CategoryID] = append(m.CategoryGroups[grp.CategoryID], grp.ID)
	}
	return m, nil
}

// ResolveSubjects returns the sorted subjects of a study matching selectors.
func (s *Service) ResolveSubjects(ctx context.Context, studyID int, selectors []Selector) ([]string, error) {
	m, err := s.LoadMembership(ctx, studyID)
	if err != nil {
		return nil, err
	}
	subjects, err := Resolve(m, selectors)
	if err != nil {
		return nil, apperror.Validation("selectors", "%s", err.Error())
	}
	metrics.SubjectsResolved(len(subjects))
	return subjects, nil
}

// =========== Categories ===========

func (s *Service) ListCategories(ctx context.Context, studyID int) ([]*Category, error) {
	cats, err := s.repo.ListCategories(ctx, studyID)
	if err != nil {
		return nil, err
	}
	groups, err := s.repo.StudyGroups(ctx, studyID)
	if err != nil {
		return nil, err
	}
	byCat := make(map[int][]*Group)
	for _, g := range groups {
		byCat[g.CategoryID] = append(byCat[g.CategoryID], g)
	}
	for _, c := range cats {
		c.Groups = byCat[c.ID]
	}
	return cats, nil
}

func (s *Service) checkCategoryLabel(ctx context.Context, c *Category) error {
	existing, err := s.repo.CategoryByLabel(ctx, c.StudyID, c.Label)
	if err != nil {
		return err
	}
	if existing != nil && existing.ID != c.ID {
		return apperror.Conflict("participant category", c.Label)
	}
	return nil
}

func validateCategory(c *Category) error {
	c.Label = strings.TrimSpace(c.Label)
	if c.Label == "" {
		return apperror.Validation("label", "is required")
	}
	if c.Type == "" {
		c.Type = CategoryManual
	}
	if !c.Type.Valid() {
		return apperror.Validation("type", "invalid category type %q", c.Type)
	}
	return nil
}

func (s *Service) CreateCategory(ctx context.Context, studyID int, c *Category) error {
	if err := validateCategory(c); err != nil {
		return err
	}
	c.ID = 0
	c.StudyID = studyID
	return s.mutate(ctx, studyID, func(ctx context.Context) error {
		if err := s.checkCategoryLabel(ctx, c); err != nil {
			return err
		}
		return s.repo.CreateCategory(ctx, c)
	})
}

func (s *Service) UpdateCategory(ctx context.Context, studyID int, c *Category) error {
	if err := validateCategory(c); err != nil {
		return err
	}
	c.StudyID = studyID
	return s.mutate(ctx, studyID, func(ctx context.Context) error {
		if _, err := s.ownedCategory(ctx, studyID, c.ID); err != nil {
			return err
		}
		if err := s.checkCategoryLabel(ctx, c); err != nil {
			return err
		}
		return s.repo.UpdateCategory(ctx, c)
	})
}

func (s *Service) ownedCategory(ctx context.Context, studyID, id int) (*Category, error) {
	c, err := s.repo.GetCategory(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.StudyID != studyID {
		return nil, apperror.NotFound("participant category", id)
	}
	return c, nil
}

// DeleteCategory removes a category together with its groups.
func (s *Service) DeleteCategory(ctx context.Context, studyID, id int) error {
	return s.mutate(ctx, studyID, func(ctx context.Context) error {
		if _, err := s.ownedCategory(ctx, studyID, id); err != nil {
			return err
		}
		return s.repo.DeleteCategory(ctx, id)
	})
}

// GarbageCollectCategory deletes a list category once no group is left in
// it. Manual and cohort categories are never collected. It reports whether
// the category was deleted.
func (s *Service) GarbageCollectCategory(ctx context.Context, categoryID int) (bool, error) {
	c, err := s.repo.GetCategory(ctx, categoryID)
	if apperror.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if c.Type != CategoryList {
		return false, nil
	}
	groups, err := s.repo.GroupsByCategory(ctx, categoryID)
	if err != nil {
		return false, err
	}
	if len(groups) > 0 {
		return false, nil
	}
	if err := s.repo.DeleteCategory(ctx, categoryID); err != nil {
		return false, fmt.Errorf("delete list category %d: %w", categoryID, err)
	}
	s.log.Info().Int("study_id", c.StudyID).Int("category_id", categoryID).Str("label", c.Label).
		Msg("empty list category removed")
	return true, nil
}

// =========== Groups ===========

// SaveGroup creates or updates a group. A group without a category gets its
// own list category, created in the same transaction and labelled like the
// group. Moving a group out of a list category collects that category.
func (s *Service) SaveGroup(ctx context.Context, studyID int, g *Group, ownerID int) error {
	g.Label = strings.TrimSpace(g.Label)
	if g.Label == "" {
		return apperror.Validation("label", "is required")
	}
	g.Participants = normalizeParticipants(g.Participants)

	return s.mutate(ctx, studyID, func(ctx context.Context) error {
		if err := s.checkParticipants(ctx, studyID, g.Participants); err != nil {
			return err
		}

		previousCategory := 0
		if g.ID != 0 {
			prev, err := s.repo.GetGroup(ctx, g.ID)
			if err != nil {
				return err
			}
			if _, err := s.ownedCategory(ctx, studyID, prev.CategoryID); err != nil {
				return err
			}
			previousCategory = prev.CategoryID
		}

		if g.CategoryID == 0 {
			cat := &Category{StudyID: studyID, Label: g.Label, Type: CategoryList, OwnerID: ownerID}
			if err := s.checkCategoryLabel(ctx, cat); err != nil {
				return err
			}
			if err := s.repo.CreateCategory(ctx, cat); err != nil {
				return fmt.Errorf("create list category: %w", err)
			}
			g.CategoryID = cat.ID
		} else {
			cat, err := s.ownedCategory(ctx, studyID, g.CategoryID)
			if err != nil {
				return err
			}
			if err := s.checkGroupTarget(ctx, cat, g); err != nil {
				return err
			}
		}

		if err := s.repo.SaveGroup(ctx, studyID, g); err != nil {
			return fmt.Errorf("save participant group: %w", err)
		}
		if previousCategory != 0 && previousCategory != g.CategoryID {
			if _, err := s.GarbageCollectCategory(ctx, previousCategory); err != nil {
				return err
			}
		}
		return nil
	})
}

// checkGroupTarget rejects a duplicate label within cat and a second group
// in a list category, which belongs to exactly one group.
func (s *Service) checkGroupTarget(ctx context.Context, cat *Category, g *Group) error {
	siblings, err := s.repo.GroupsByCategory(ctx, cat.ID)
	if err != nil {
		return err
	}
	for _, other := range siblings {
		if other.ID == g.ID {
			continue
		}
		if cat.Type == CategoryList {
			return apperror.Precondition("participant category", cat.ID,
				fmt.Sprintf("list category already belongs to group %d", other.ID))
		}
		if sameLabel(other.Label, g.Label) {
			return apperror.Conflict("participant group", g.Label)
		}
	}
	return nil
}

func (s *Service) checkParticipants(ctx context.Context, studyID int, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	all, err := s.subjects.AllSubjects(ctx, studyID)
	if err != nil {
		return fmt.Errorf("load subjects: %w", err)
	}
	var unknown []string
	for _, id := range ids {
		if _, ok := all[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	if len(unknown) > 5 {
		return apperror.Validation("participants", "%d unknown subjects, including %s",
			len(unknown), strings.Join(unknown[:5], ", "))
	}
	return apperror.Validation("participants", "unknown subjects: %s", strings.Join(unknown, ", "))
}

// DeleteGroup removes a group and then collects its category if the group
// was the last one of a list category.
func (s *Service) DeleteGroup(ctx context.Context, studyID, groupID int) error {
	return s.mutate(ctx, studyID, func(ctx context.Context) error {
		g, err := s.repo.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if _, err := s.ownedCategory(ctx, studyID, g.CategoryID); err != nil {
			return apperror.NotFound("participant group", groupID)
		}
		if err := s.repo.DeleteGroup(ctx, groupID); err != nil {
			return fmt.Errorf("delete participant group %d: %w", groupID, err)
		}
		_, err = s.GarbageCollectCategory(ctx, g.CategoryID)
		return err
	})
}
