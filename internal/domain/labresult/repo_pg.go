package labresult

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/israelsalinas-g/nexos-labs-sub000/internal/domain/patient"
	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/db"
)

const uniqueViolation = "23505"

type resultRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &resultRepoPG{pool: pool}
}

func (r *resultRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

// resultCols selects a result together with the linked registry patient.
const resultCols = `ir.id, ir.instrument, ir.device_id, COALESCE(ir.sample_number, ''), ir.analysis_mode,
	ir.tested_at, ir.measurements, ir.raw_payload, ir.transport, ir.received_at,
	ir.processing_status, COALESCE(ir.parse_error, ''), ir.patient_id,
	ir.device_patient_id, ir.device_patient_name, ir.device_patient_age, ir.device_patient_sex,
	ir.created_at, ir.updated_at,
	p.id, COALESCE(p.mrn, ''), p.first_name, p.last_name, p.birth_date, p.gender`

const resultFrom = ` FROM instrument_result ir LEFT JOIN patient p ON p.id = ir.patient_id`

func scanResult(row pgx.Row) (*InstrumentResult, error) {
	var (
		res          InstrumentResult
		measurements []byte
		rawPayload   []byte
		pID          *uuid.UUID
		pMRN         string
		pFirst       *string
		pLast        *string
		pBirth       *time.Time
		pGender      *string
	)
	err := row.Scan(&res.ID, &res.Instrument, &res.DeviceID, &res.SampleNumber, &res.AnalysisMode,
		&res.TestedAt, &measurements, &rawPayload, &res.Transport, &res.ReceivedAt,
		&res.ProcessingStatus, &res.ParseError, &res.PatientID,
		&res.DevicePatient.Identifier, &res.DevicePatient.Name, &res.DevicePatient.Age, &res.DevicePatient.Sex,
		&res.CreatedAt, &res.UpdatedAt,
		&pID, &pMRN, &pFirst, &pLast, &pBirth, &pGender)
	if err != nil {
		return nil, err
	}
	res.RawPayload = string(rawPayload)
	if err := json.Unmarshal(measurements, &res.Measurements); err != nil {
		return nil, fmt.Errorf("decode measurements of %s: %w", res.ID, err)
	}
	if res.Measurements == nil {
		res.Measurements = []Measurement{}
	}
	if pID != nil {
		res.Patient = &patient.Patient{
			ID: *pID, MRN: pMRN, FirstName: deref(pFirst), LastName: deref(pLast),
			BirthDate: pBirth, Gender: pGender, Active: true,
		}
	}
	return &res, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func mapWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateSample
	}
	return err
}

func (r *resultRepoPG) Create(ctx context.Context, res *InstrumentResult) error {
	measurements, err := json.Marshal(res.Measurements)
	if err != nil {
		return fmt.Errorf("encode measurements: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO instrument_result (id, instrument, device_id, sample_number, analysis_mode,
			tested_at, measurements, raw_payload, transport, received_at,
			processing_status, parse_error, patient_id,
			device_patient_id, device_patient_name, device_patient_age, device_patient_sex,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		res.ID, res.Instrument, res.DeviceID, nullable(res.SampleNumber), res.AnalysisMode,
		res.TestedAt, measurements, []byte(res.RawPayload), res.Transport, res.ReceivedAt,
		res.ProcessingStatus, nullable(res.ParseError), res.PatientID,
		res.DevicePatient.Identifier, res.DevicePatient.Name, res.DevicePatient.Age, res.DevicePatient.Sex,
		res.CreatedAt, res.UpdatedAt)
	return mapWriteErr(err)
}

func (r *resultRepoPG) get(ctx context.Context, query string, args ...interface{}) (*InstrumentResult, error) {
	res, err := scanResult(r.conn(ctx).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return res, err
}

func (r *resultRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*InstrumentResult, error) {
	return r.get(ctx, `SELECT `+resultCols+resultFrom+` WHERE ir.id = $1`, id)
}

func (r *resultRepoPG) LockByID(ctx context.Context, id uuid.UUID) (*InstrumentResult, error) {
	return r.get(ctx, `SELECT `+resultCols+resultFrom+` WHERE ir.id = $1 FOR UPDATE OF ir`, id)
}

func (r *resultRepoPG) FindBySampleNumber(ctx context.Context, instrument, sampleNumber, deviceID string) ([]*InstrumentResult, error) {
	query := `SELECT ` + resultCols + resultFrom + ` WHERE ir.instrument = $1 AND ir.sample_number = $2`
	args := []interface{}{instrument, sampleNumber}
	if deviceID != "" {
		query += ` AND ir.device_id = $3`
		args = append(args, deviceID)
	}
	items, err := r.query(ctx, query+` ORDER BY ir.created_at DESC, ir.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("find instrument results by sample: %w", err)
	}
	return items, nil
}

func (r *resultRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*InstrumentResult, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*InstrumentResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, res)
	}
	return items, rows.Err()
}

func (r *resultRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*InstrumentResult, int, error) {
	where := []string{"1=1"}
	var args []interface{}
	idx := 1

	if f.Instrument != "" {
		where = append(where, fmt.Sprintf("ir.instrument = $%d", idx))
		args = append(args, f.Instrument)
		idx++
	}
	if f.Status != "" {
		where = append(where, fmt.Sprintf("ir.processing_status = $%d", idx))
		args = append(args, f.Status)
		idx++
	}
	if f.PatientName != "" {
		where = append(where, fmt.Sprintf(
			"(ir.device_patient_name ILIKE $%d OR (p.first_name || ' ' || p.last_name) ILIKE $%d)", idx, idx))
		args = append(args, "%"+escapeLike(f.PatientName)+"%")
		idx++
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+resultFrom+` WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count instrument results: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s%s WHERE %s ORDER BY ir.created_at DESC, ir.id LIMIT $%d OFFSET $%d`,
		resultCols, resultFrom, clause, idx, idx+1)
	args = append(args, limit, offset)

	items, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list instrument results: %w", err)
	}
	return items, total, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *resultRepoPG) exec(ctx context.Context, sql string, args ...interface{}) error {
	tag, err := r.conn(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return mapWriteErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *resultRepoPG) UpdateMeasurements(ctx context.Context, id uuid.UUID, ms []Measurement) error {
	measurements, err := json.Marshal(ms)
	if err != nil {
		return fmt.Errorf("encode measurements: %w", err)
	}
	return r.exec(ctx, `UPDATE instrument_result SET measurements = $2, updated_at = NOW() WHERE id = $1`,
		id, measurements)
}

func (r *resultRepoPG) SetPatient(ctx context.Context, id, patientID uuid.UUID) error {
	return r.exec(ctx, `UPDATE instrument_result SET patient_id = $2, updated_at = NOW() WHERE id = $1`,
		id, patientID)
}

func (r *resultRepoPG) SaveReprocessed(ctx context.Context, res *InstrumentResult) error {
	measurements, err := json.Marshal(res.Measurements)
	if err != nil {
		return fmt.Errorf("encode measurements: %w", err)
	}
	return r.exec(ctx, `
		UPDATE instrument_result SET
			device_id = $2, sample_number = $3, analysis_mode = $4, tested_at = $5,
			measurements = $6, processing_status = $7, parse_error = $8, patient_id = $9,
			device_patient_id = $10, device_patient_name = $11, device_patient_age = $12, device_patient_sex = $13,
			updated_at = NOW()
		WHERE id = $1`,
		res.ID, res.DeviceID, nullable(res.SampleNumber), res.AnalysisMode, res.TestedAt,
		measurements, res.ProcessingStatus, nullable(res.ParseError), res.PatientID,
		res.DevicePatient.Identifier, res.DevicePatient.Name, res.DevicePatient.Age, res.DevicePatient.Sex)
}

func (r *resultRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, `DELETE FROM instrument_result WHERE id = $1`, id)
}

func (r *resultRepoPG) CountByStatus(ctx context.Context, instrument string) (*Stats, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT processing_status, COUNT(*), COUNT(*) FILTER (WHERE patient_id IS NULL)
		FROM instrument_result WHERE instrument = $1
		GROUP BY processing_status`, instrument)
	if err != nil {
		return nil, fmt.Errorf("count instrument results: %w", err)
	}
	defer rows.Close()

	stats := &Stats{Instrument: instrument, ByStatus: map[ProcessingStatus]int{}}
	for rows.Next() {
		var (
			status          ProcessingStatus
			count, unlinked int
		)
		if err := rows.Scan(&status, &count, &unlinked); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
		stats.Unlinked += unlinked
	}
	return stats, rows.Err()
}
