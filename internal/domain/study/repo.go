package study

import "context"

type Repository interface {
	Create(ctx context.Context, s *Study) error
	GetByID(ctx context.Context, id int) (*Study, error)
	List(ctx context.Context, limit, offset int) ([]*Study, int, error)
	UpdateAssignment(ctx context.Context, id int, cfg AssignmentConfig) error
	ChildrenSharingVisits(ctx context.Context, parentID int) ([]*Study, error)
}
