package participantgroup

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/studyengine/internal/platform/apperror"
	"github.com/ehr/studyengine/internal/platform/db"
	"github.com/ehr/studyengine/internal/platform/studylock"
)

// ── Mocks ──

type mockGroupRepo struct {
	categories map[int]*Category
	groups     map[int]*Group
	nextID     int
}

func newMockGroupRepo() *mockGroupRepo {
	return &mockGroupRepo{categories: make(map[int]*Category), groups: make(map[int]*Group)}
}

func (m *mockGroupRepo) id() int {
	m.nextID++
	return m.nextID
}

func (m *mockGroupRepo) CreateCategory(_ context.Context, c *Category) error {
	c.ID = m.id()
	cp := *c
	m.categories[c.ID] = &cp
	return nil
}
func (m *mockGroupRepo) UpdateCategory(_ context.Context, c *Category) error {
	if _, ok := m.categories[c.ID]; !ok {
		return apperror.NotFound("participant category", c.ID)
	}
	cp := *c
	m.categories[c.ID] = &cp
	return nil
}
func (m *mockGroupRepo) GetCategory(_ context.Context, id int) (*Category, error) {
	c, ok := m.categories[id]
	if !ok {
		return nil, apperror.NotFound("participant category", id)
	}
	cp := *c
	return &cp, nil
}
func (m *mockGroupRepo) CategoryByLabel(_ context.Context, studyID int, label string) (*Category, error) {
	for _, c := range m.categories {
		if c.StudyID == studyID && sameLabel(c.Label, label) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}
func (m *mockGroupRepo) ListCategories(_ context.Context, studyID int) ([]*Category, error) {
	var out []*Category
	for _, c := range m.categories {
		if c.StudyID == studyID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
func (m *mockGroupRepo) DeleteCategory(_ context.Context, id int) error {
	delete(m.categories, id)
	for gid, g := range m.groups {
		if g.CategoryID == id {
			delete(m.groups, gid)
		}
	}
	return nil
}
func (m *mockGroupRepo) GroupsByCategory(_ context.Context, categoryID int) ([]*Group, error) {
	var out []*Group
	for _, g := range m.groups {
		if g.CategoryID == categoryID {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out, nil
}
func (m *mockGroupRepo) StudyGroups(_ context.Context, studyID int) ([]*Group, error) {
	var out []*Group
	for _, g := range m.groups {
		if c, ok := m.categories[g.CategoryID]; ok && c.StudyID == studyID {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
func (m *mockGroupRepo) GetGroup(_ context.Context, id int) (*Group, error) {
	g, ok := m.groups[id]
	if !ok {
		return nil, apperror.NotFound("participant group", id)
	}
	cp := *g
	return &cp, nil
}
func (m *mockGroupRepo) SaveGroup(_ context.Context, _ int, g *Group) error {
	if g.ID == 0 {
		g.ID = m.id()
	}
	cp := *g
	m.groups[g.ID] = &cp
	return nil
}
func (m *mockGroupRepo) DeleteGroup(_ context.Context, id int) error {
	delete(m.groups, id)
	return nil
}

type mockSubjects struct {
	all     Set
	cohorts map[int]Set
	err     error
}

func (m *mockSubjects) AllSubjects(context.Context, int) (Set, error) { return m.all, m.err }
func (m *mockSubjects) CohortMembers(context.Context, int) (map[int]Set, error) {
	return m.cohorts, m.err
}

type fakeTx struct{ commits, rollbacks int }

func (f *fakeTx) Commit(context.Context) error   { f.commits++; return nil }
func (f *fakeTx) Rollback(context.Context) error { f.rollbacks++; return nil }

type fakeBeginner struct{ tx fakeTx }

func (f *fakeBeginner) Begin(ctx context.Context) (context.Context, db.Tx, error) {
	return ctx, &f.tx, nil
}

const testStudy = 1

func newTestService() (*Service, *mockGroupRepo, *mockSubjects) {
	repo := newMockGroupRepo()
	subjects := &mockSubjects{
		all:     NewSet("S1", "S2", "S3", "S4"),
		cohorts: map[int]Set{7: NewSet("S1", "S3")},
	}
	svc := NewService(repo, subjects, &fakeBeginner{}, studylock.New(), zerolog.Nop())
	return svc, repo, subjects
}

func TestSaveGroup_CreatesImplicitListCategory(t *testing.T) {
	svc, repo, _ := newTestService()
	g := &Group{Label: "Responders", Participants: []string{" S1", "S2", "S1", ""}}
	if err := svc.SaveGroup(context.Background(), testStudy, g, 42); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cat, ok := repo.categories[g.CategoryID]
	if !ok {
		t.Fatal("expected implicit category")
	}
	if cat.Type != CategoryList || cat.Label != "Responders" || cat.OwnerID != 42 {
		t.Errorf("unexpected category %+v", cat)
	}
	if got := repo.groups[g.ID].Participants; len(got) != 2 || got[0] != "S1" || got[1] != "S2" {
		t.Errorf("expected normalized participants, got %v", got)
	}
}

func TestSaveGroup_UnknownParticipants(t *testing.T) {
	svc, repo, _ := newTestService()
	err := svc.SaveGroup(context.Background(), testStudy, &Group{Label: "G", Participants: []string{"S1", "X9"}}, 0)
	if !apperror.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(repo.categories) != 0 || len(repo.groups) != 0 {
		t.Error("nothing may be written when validation fails")
	}
}

func TestSaveGroup_DuplicateLabelInCategory(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	cat := &Category{Label: "Site", Type: CategoryManual}
	if err := svc.CreateCategory(ctx, testStudy, cat); err != nil {
		t.Fatal(err)
	}
	if err := svc.SaveGroup(ctx, testStudy, &Group{CategoryID: cat.ID, Label: "Boston"}, 0); err != nil {
		t.Fatal(err)
	}
	err := svc.SaveGroup(ctx, testStudy, &Group{CategoryID: cat.ID, Label: " boston "}, 0)
	if !apperror.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestDeleteGroup_CollectsListCategory(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()
	g := &Group{Label: "Responders", Participants: []string{"S1"}}
	if err := svc.SaveGroup(ctx, testStudy, g, 0); err != nil {
		t.Fatal(err)
	}
	if err := svc.DeleteGroup(ctx, testStudy, g.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := repo.categories[g.CategoryID]; ok {
		t.Error("list category must be collected with its only group")
	}
}

func TestDeleteGroup_KeepsManualCategory(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()
	cat := &Category{Label: "Site"}
	_ = svc.CreateCategory(ctx, testStudy, cat)
	g := &Group{CategoryID: cat.ID, Label: "Boston"}
	_ = svc.SaveGroup(ctx, testStudy, g, 0)

	if err := svc.DeleteGroup(ctx, testStudy, g.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := repo.categories[cat.ID]; !ok {
		t.Error("manual categories are never collected implicitly")
	}
}

func TestSaveGroup_MoveCollectsOldListCategory(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()
	g := &Group{Label: "Responders"}
	_ = svc.SaveGroup(ctx, testStudy, g, 0)
	oldCategory := g.CategoryID

	target := &Category{Label: "Response"}
	_ = svc.CreateCategory(ctx, testStudy, target)
	moved := &Group{ID: g.ID, CategoryID: target.ID, Label: "Responders"}
	if err := svc.SaveGroup(ctx, testStudy, moved, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := repo.categories[oldCategory]; ok {
		t.Error("old list category must be collected after the move")
	}
	if repo.groups[g.ID].CategoryID != target.ID {
		t.Error("group must belong to the target category")
	}
}

func TestSaveGroup_ListCategoryHoldsOneGroup(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()
	owner := &Group{Label: "Responders", Participants: []string{"S1"}}
	if err := svc.SaveGroup(ctx, testStudy, owner, 0); err != nil {
		t.Fatal(err)
	}

	second := &Group{CategoryID: owner.CategoryID, Label: "Late responders", Participants: []string{"S2"}}
	err := svc.SaveGroup(ctx, testStudy, second, 0)
	if !apperror.IsPrecondition(err) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if groups, _ := repo.GroupsByCategory(ctx, owner.CategoryID); len(groups) != 1 {
		t.Errorf("list category must keep a single group, got %d", len(groups))
	}

	owner.Participants = []string{"S1", "S3"}
	if err := svc.SaveGroup(ctx, testStudy, owner, 0); err != nil {
		t.Fatalf("re-saving the owning group must succeed, got %v", err)
	}

	if err := svc.DeleteGroup(ctx, testStudy, owner.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := repo.categories[owner.CategoryID]; ok {
		t.Error("list category must be collected with its only group")
	}
}

func TestGarbageCollectCategory_NonEmptyList(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()
	g := &Group{Label: "Responders"}
	_ = svc.SaveGroup(ctx, testStudy, g, 0)

	deleted, err := svc.GarbageCollectCategory(ctx, g.CategoryID)
	if err != nil {
		t.Fatal(err)
	}
	if deleted {
		t.Error("a list category that still has its group must survive")
	}
	if _, ok := repo.categories[g.CategoryID]; !ok {
		t.Error("category disappeared")
	}
	if deleted, err := svc.GarbageCollectCategory(ctx, 999); deleted || err != nil {
		t.Errorf("missing category: deleted=%v err=%v", deleted, err)
	}
}

func TestCreateCategory_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	if err := svc.CreateCategory(ctx, testStudy, &Category{Label: " "}); !apperror.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if err := svc.CreateCategory(ctx, testStudy, &Category{Label: "X", Type: "dynamic"}); !apperror.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if err := svc.CreateCategory(ctx, testStudy, &Category{Label: "Site"}); err != nil {
		t.Fatal(err)
	}
	if err := svc.CreateCategory(ctx, testStudy, &Category{Label: "SITE"}); !apperror.IsConflict(err) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestUpdateCategory_RenameConflict(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	a := &Category{Label: "Site"}
	b := &Category{Label: "Sex"}
	_ = svc.CreateCategory(ctx, testStudy, a)
	_ = svc.CreateCategory(ctx, testStudy, b)

	if err := svc.UpdateCategory(ctx, testStudy, &Category{ID: b.ID, Label: "site"}); !apperror.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := svc.UpdateCategory(ctx, testStudy, &Category{ID: b.ID, Label: "Gender"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.UpdateCategory(ctx, 2, &Category{ID: a.ID, Label: "Elsewhere"}); !apperror.IsNotFound(err) {
		t.Errorf("expected not found for another study, got %v", err)
	}
}

func TestResolveSubjects_LoadsMembership(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	cat := &Category{Label: "Site"}
	_ = svc.CreateCategory(ctx, testStudy, cat)
	boston := &Group{CategoryID: cat.ID, Label: "Boston", Participants: []string{"S1", "S2"}}
	_ = svc.SaveGroup(ctx, testStudy, boston, 0)

	got, err := svc.ResolveSubjects(ctx, testStudy, []Selector{
		GroupSelector{ID: boston.ID, CategoryID: cat.ID},
		CohortSelector{ID: 7},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0] != "S1" {
		t.Errorf("expected [S1], got %v", got)
	}

	got, err = svc.ResolveSubjects(ctx, testStudy, []Selector{GroupSelector{ID: NotInAny, CategoryID: cat.ID}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "S3" || got[1] != "S4" {
		t.Errorf("expected [S3 S4], got %v", got)
	}
}

func TestLoadMembership_PropagatesStoreError(t *testing.T) {
	svc, _, subjects := newTestService()
	subjects.err = errors.New("connection refused")
	if _, err := svc.LoadMembership(context.Background(), testStudy); err == nil {
		t.Fatal("expected store error")
	}
}

func TestLoadMembership_InsideTransaction(t *testing.T) {
	svc, _, _ := newTestService()
	tx := &fakeBeginner{}
	err := db.WithinTx(context.Background(), tx, func(ctx context.Context) error {
		m, err := svc.LoadMembership(ctx, testStudy)
		if err != nil {
			return err
		}
		if len(m.AllSubjects) != 4 || len(m.CohortMembers[7]) != 2 {
			t.Errorf("unexpected membership %+v", m)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
