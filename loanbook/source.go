package loanbook

import "context"

// Source supplies the three input tables of a run. Implementations are thin
// wrappers over pre-validated data stores; the calculation core never loads
// data itself.
type Source interface {
	Book(ctx context.Context) (Book, error)
	Curve(ctx context.Context, id string) (*CPRCurve, error)
	ERC(ctx context.Context) (*ERCTable, error)
}

// StaticSource is a map-backed Source for development and testing.
type StaticSource struct {
	Loans  Book
	Curves map[string]*CPRCurve
	Table  *ERCTable
}

func (s *StaticSource) Book(ctx context.Context) (Book, error) {
	return s.Loans, nil
}

func (s *StaticSource) Curve(ctx context.Context, id string) (*CPRCurve, error) {
	c, ok := s.Curves[id]
	if !ok {
		return nil, errUnknownCurve(id)
	}
	return c, nil
}

func (s *StaticSource) ERC(ctx context.Context) (*ERCTable, error) {
	return s.Table, nil
}
