package visit

import "context"

type Repository interface {
	AllVisits(ctx context.Context, studyID int) ([]*Visit, error)
	GetByID(ctx context.Context, id int) (*Visit, error)
	// Save inserts v when v.ID is zero and updates it otherwise.
	Save(ctx context.Context, v *Visit) error
	Delete(ctx context.Context, id int) error
	UpdateOrders(ctx context.Context, studyID int, orders []OrderUpdate) error
}
