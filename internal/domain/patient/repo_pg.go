package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/db"
)

type registryPG struct {
	pool *pgxpool.Pool
}

func NewRegistryPG(pool *pgxpool.Pool) Registry {
	return &registryPG{pool: pool}
}

const patientCols = `id, COALESCE(mrn, ''), first_name, last_name, birth_date, gender, active`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	if err := row.Scan(&p.ID, &p.MRN, &p.FirstName, &p.LastName, &p.BirthDate, &p.Gender, &p.Active); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *registryPG) FindByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("patient find by id: %w", err)
	}
	return p, nil
}

func (r *registryPG) FindByIdentifier(ctx context.Context, identifier string) ([]*Patient, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+patientCols+` FROM patient WHERE mrn = $1 OR id::text = $1 ORDER BY id LIMIT 10`, identifier)
	if err != nil {
		return nil, fmt.Errorf("patient find by identifier: %w", err)
	}
	defer rows.Close()

	var out []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("patient scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
