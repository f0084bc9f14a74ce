package conjunction

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLStore is a Store backed by a SQLite database. Ciphertexts are kept in
// their exported form and imported again through codec on read.
type SQLStore struct {
	db       *sql.DB
	codec    Codec
	notifier Notifier
}

// OpenSQLStore opens or creates the database at path.
func OpenSQLStore(path string, codec Codec, notifier Notifier) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one connection keeps every transaction serialized
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if notifier == nil {
		notifier = discard{}
	}
	return &SQLStore{db: db, codec: codec, notifier: notifier}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS missions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operator TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trajectories (
		mission_id INTEGER PRIMARY KEY REFERENCES missions(id),
		position_x BLOB NOT NULL,
		position_y BLOB NOT NULL,
		position_z BLOB NOT NULL,
		velocity BLOB NOT NULL,
		time_window BLOB NOT NULL,
		revealed INTEGER NOT NULL DEFAULT 0,
		clear_x INTEGER NOT NULL DEFAULT 0,
		clear_y INTEGER NOT NULL DEFAULT 0,
		clear_z INTEGER NOT NULL DEFAULT 0,
		clear_velocity INTEGER NOT NULL DEFAULT 0,
		clear_time_window INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS analyses (
		mission_id INTEGER NOT NULL REFERENCES missions(id),
		idx INTEGER NOT NULL,
		other_id INTEGER NOT NULL,
		distance_squared BLOB NOT NULL,
		time_conflict BLOB NOT NULL,
		risk_score BLOB NOT NULL,
		revealed INTEGER NOT NULL DEFAULT 0,
		clear_risk_score INTEGER NOT NULL DEFAULT 0,
		clear_distance_squared INTEGER NOT NULL DEFAULT 0,
		clear_time_conflict INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (mission_id, idx)
	);

	CREATE TABLE IF NOT EXISTS pending_requests (
		id TEXT PRIMARY KEY,
		purpose INTEGER NOT NULL,
		mission_id INTEGER NOT NULL REFERENCES missions(id),
		analysis_id INTEGER NOT NULL,
		issued_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_target ON pending_requests(purpose, mission_id, analysis_id);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// SQLite integers are signed; plaintexts are stored bit for bit.
func toColumn(v uint64) int64   { return int64(v) }
func fromColumn(v int64) uint64 { return uint64(v) }

type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
}

func missionExists(q queryer, id MissionID) error {
	var n int
	if err := q.QueryRow(`SELECT COUNT(*) FROM missions WHERE id = ?`, int64(id)).Scan(&n); err != nil {
		return fmt.Errorf("look up mission %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("mission %d: %w", id, ErrUnknownMission)
	}
	return nil
}

// execer is the part of *sql.DB and *sql.Tx the insert helpers use.
type execer interface {
	queryer
	Exec(query string, args ...any) (sql.Result, error)
}

func insertMission(q execer, operator Identity, createdAt time.Time) (MissionID, error) {
	res, err := q.Exec(`INSERT INTO missions (operator, created_at) VALUES (?, ?)`,
		string(operator), createdAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return NoMission, fmt.Errorf("insert mission: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return NoMission, fmt.Errorf("mission id: %w", err)
	}
	return MissionID(id), nil
}

func (s *SQLStore) RegisterMission(operator Identity, createdAt time.Time) (MissionID, error) {
	return insertMission(s.db, operator, createdAt)
}

func (s *SQLStore) exportAll(cs []Ciphertext) ([]any, error) {
	out := make([]any, len(cs))
	for i, c := range cs {
		data, err := s.codec.Export(c)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

func (s *SQLStore) importAll(blobs ...[]byte) ([]Ciphertext, error) {
	out := make([]Ciphertext, len(blobs))
	for i, b := range blobs {
		c, err := s.codec.Import(b)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func (s *SQLStore) exportTrajectory(t EncryptedTrajectory) ([]any, error) {
	if !t.complete() {
		return nil, ErrIncompleteTrajectory
	}
	blobs, err := s.exportAll(t.Batch())
	if err != nil {
		return nil, fmt.Errorf("export trajectory: %w", err)
	}
	return blobs, nil
}

func (s *SQLStore) exportAnalyses(entries []CollisionAnalysis) ([][]any, error) {
	rows := make([][]any, len(entries))
	for i, e := range entries {
		if !e.complete() {
			return nil, fmt.Errorf("analysis %d: %w", i, ErrIncompleteAnalysis)
		}
		blobs, err := s.exportAll([]Ciphertext{e.DistanceSquared, e.TimeConflictFlag, e.RiskScore})
		if err != nil {
			return nil, fmt.Errorf("export analysis %d: %w", i, err)
		}
		rows[i] = append([]any{int64(e.OtherID)}, blobs...)
	}
	return rows, nil
}

func insertTrajectory(q execer, id MissionID, blobs []any) error {
	var n int
	if err := q.QueryRow(`SELECT COUNT(*) FROM trajectories WHERE mission_id = ?`, int64(id)).Scan(&n); err != nil {
		return fmt.Errorf("look up trajectory: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("mission %d: %w", id, ErrTrajectoryExists)
	}
	args := append([]any{int64(id)}, blobs...)
	if _, err := q.Exec(`INSERT INTO trajectories
		(mission_id, position_x, position_y, position_z, velocity, time_window)
		VALUES (?, ?, ?, ?, ?, ?)`, args...); err != nil {
		return fmt.Errorf("insert trajectory: %w", err)
	}
	return nil
}

func insertAnalyses(q execer, id MissionID, rows [][]any) error {
	var next int
	if err := q.QueryRow(`SELECT COUNT(*) FROM analyses WHERE mission_id = ?`, int64(id)).Scan(&next); err != nil {
		return fmt.Errorf("count analyses: %w", err)
	}
	for i, row := range rows {
		args := append([]any{int64(id), next + i}, row...)
		if _, err := q.Exec(`INSERT INTO analyses
			(mission_id, idx, other_id, distance_squared, time_conflict, risk_score)
			VALUES (?, ?, ?, ?, ?, ?)`, args...); err != nil {
			return fmt.Errorf("insert analysis: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) submitted(m Mission) {
	s.notifier.Notify(Event{Kind: EventTrajectorySubmitted, MissionID: m.ID, Operator: m.Operator, Timestamp: m.CreatedAt})
}

func (s *SQLStore) PutEncryptedTrajectory(id MissionID, t EncryptedTrajectory) error {
	blobs, err := s.exportTrajectory(t)
	if err != nil {
		return err
	}
	m, err := s.Mission(id)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := insertTrajectory(tx, id, blobs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trajectory: %w", err)
	}
	s.submitted(m)
	return nil
}

func (s *SQLStore) AppendAnalyses(id MissionID, entries []CollisionAnalysis) error {
	rows, err := s.exportAnalyses(entries)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := missionExists(tx, id); err != nil {
		return err
	}
	if err := insertAnalyses(tx, id, rows); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit analyses: %w", err)
	}
	return nil
}

func (s *SQLStore) CreateMission(operator Identity, createdAt time.Time, t EncryptedTrajectory, entries []CollisionAnalysis) (MissionID, error) {
	blobs, err := s.exportTrajectory(t)
	if err != nil {
		return NoMission, err
	}
	rows, err := s.exportAnalyses(entries)
	if err != nil {
		return NoMission, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return NoMission, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	id, err := insertMission(tx, operator, createdAt)
	if err != nil {
		return NoMission, err
	}
	if err := insertTrajectory(tx, id, blobs); err != nil {
		return NoMission, err
	}
	if err := insertAnalyses(tx, id, rows); err != nil {
		return NoMission, err
	}
	if err := tx.Commit(); err != nil {
		return NoMission, fmt.Errorf("commit mission: %w", err)
	}
	s.submitted(Mission{ID: id, Operator: operator, CreatedAt: createdAt})
	return id, nil
}

func (s *SQLStore) PutPendingRequest(r PendingRequest) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := missionExists(tx, r.MissionID); err != nil {
		return err
	}
	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM pending_requests WHERE id = ?`, string(r.ID)).Scan(&n); err != nil {
		return fmt.Errorf("look up request: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("request %s already recorded: %w", r.ID, ErrInvalidRequest)
	}
	if _, err := tx.Exec(`INSERT INTO pending_requests (id, purpose, mission_id, analysis_id, issued_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(r.ID), int(r.Purpose), int64(r.MissionID), r.AnalysisID,
		r.IssuedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) MissionCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM missions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count missions: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Mission(id MissionID) (Mission, error) {
	var operator, createdAt string
	err := s.db.QueryRow(`SELECT operator, created_at FROM missions WHERE id = ?`, int64(id)).Scan(&operator, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Mission{}, fmt.Errorf("mission %d: %w", id, ErrUnknownMission)
	}
	if err != nil {
		return Mission{}, fmt.Errorf("query mission %d: %w", id, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Mission{}, fmt.Errorf("parse created_at of mission %d: %w", id, err)
	}
	return Mission{ID: id, Operator: Identity(operator), CreatedAt: ts}, nil
}

func (s *SQLStore) EncryptedTrajectory(id MissionID) (EncryptedTrajectory, error) {
	var x, y, z, v, w []byte
	err := s.db.QueryRow(`SELECT position_x, position_y, position_z, velocity, time_window
		FROM trajectories WHERE mission_id = ?`, int64(id)).Scan(&x, &y, &z, &v, &w)
	if errors.Is(err, sql.ErrNoRows) {
		if err := missionExists(s.db, id); err != nil {
			return EncryptedTrajectory{}, err
		}
		return EncryptedTrajectory{}, fmt.Errorf("mission %d has no trajectory: %w", id, ErrUnknownMission)
	}
	if err != nil {
		return EncryptedTrajectory{}, fmt.Errorf("query trajectory %d: %w", id, err)
	}
	cs, err := s.importAll(x, y, z, v, w)
	if err != nil {
		return EncryptedTrajectory{}, fmt.Errorf("import trajectory %d: %w", id, err)
	}
	return EncryptedTrajectory{
		MissionID:  id,
		PositionX:  cs[0],
		PositionY:  cs[1],
		PositionZ:  cs[2],
		Velocity:   cs[3],
		TimeWindow: cs[4],
	}, nil
}

func (s *SQLStore) DecryptedTrajectory(id MissionID) (DecryptedTrajectory, error) {
	var revealed int
	var x, y, z, v, w int64
	err := s.db.QueryRow(`SELECT revealed, clear_x, clear_y, clear_z, clear_velocity, clear_time_window
		FROM trajectories WHERE mission_id = ?`, int64(id)).Scan(&revealed, &x, &y, &z, &v, &w)
	if errors.Is(err, sql.ErrNoRows) {
		return DecryptedTrajectory{}, missionExists(s.db, id)
	}
	if err != nil {
		return DecryptedTrajectory{}, fmt.Errorf("query trajectory %d: %w", id, err)
	}
	return DecryptedTrajectory{
		PositionX:  fromColumn(x),
		PositionY:  fromColumn(y),
		PositionZ:  fromColumn(z),
		Velocity:   fromColumn(v),
		TimeWindow: fromColumn(w),
		IsRevealed: revealed != 0,
	}, nil
}

func (s *SQLStore) Analyses(id MissionID) ([]CollisionAnalysis, error) {
	if err := missionExists(s.db, id); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT other_id, distance_squared, time_conflict, risk_score
		FROM analyses WHERE mission_id = ? ORDER BY idx`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("query analyses of %d: %w", id, err)
	}
	defer rows.Close()

	type raw struct {
		other   int64
		d, t, r []byte
	}
	var raws []raw
	for rows.Next() {
		var r raw
		if err := rows.Scan(&r.other, &r.d, &r.t, &r.r); err != nil {
			return nil, err
		}
		raws = append(raws, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]CollisionAnalysis, 0, len(raws))
	for _, r := range raws {
		cs, err := s.importAll(r.d, r.t, r.r)
		if err != nil {
			return nil, fmt.Errorf("import analysis of %d: %w", id, err)
		}
		out = append(out, CollisionAnalysis{
			MissionID:        id,
			OtherID:          MissionID(r.other),
			DistanceSquared:  cs[0],
			TimeConflictFlag: cs[1],
			RiskScore:        cs[2],
		})
	}
	return out, nil
}

func (s *SQLStore) Analysis(id MissionID, analysisID int) (CollisionAnalysis, error) {
	var other int64
	var d, t, r []byte
	err := s.db.QueryRow(`SELECT other_id, distance_squared, time_conflict, risk_score
		FROM analyses WHERE mission_id = ? AND idx = ?`, int64(id), analysisID).Scan(&other, &d, &t, &r)
	if errors.Is(err, sql.ErrNoRows) {
		if err := missionExists(s.db, id); err != nil {
			return CollisionAnalysis{}, err
		}
		return CollisionAnalysis{}, fmt.Errorf("analysis %d of mission %d: %w", analysisID, id, ErrUnknownAnalysis)
	}
	if err != nil {
		return CollisionAnalysis{}, fmt.Errorf("query analysis: %w", err)
	}
	cs, err := s.importAll(d, t, r)
	if err != nil {
		return CollisionAnalysis{}, fmt.Errorf("import analysis: %w", err)
	}
	return CollisionAnalysis{
		MissionID:        id,
		OtherID:          MissionID(other),
		DistanceSquared:  cs[0],
		TimeConflictFlag: cs[1],
		RiskScore:        cs[2],
	}, nil
}

func (s *SQLStore) AnalysisCount(id MissionID) (int, error) {
	if err := missionExists(s.db, id); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM analyses WHERE mission_id = ?`, int64(id)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count analyses: %w", err)
	}
	return n, nil
}

func (s *SQLStore) DecryptedAnalysis(id MissionID, analysisID int) (DecryptedAnalysis, error) {
	var revealed int
	var r, d, t int64
	err := s.db.QueryRow(`SELECT revealed, clear_risk_score, clear_distance_squared, clear_time_conflict
		FROM analyses WHERE mission_id = ? AND idx = ?`, int64(id), analysisID).Scan(&revealed, &r, &d, &t)
	if errors.Is(err, sql.ErrNoRows) {
		if err := missionExists(s.db, id); err != nil {
			return DecryptedAnalysis{}, err
		}
		return DecryptedAnalysis{}, fmt.Errorf("analysis %d of mission %d: %w", analysisID, id, ErrUnknownAnalysis)
	}
	if err != nil {
		return DecryptedAnalysis{}, fmt.Errorf("query analysis: %w", err)
	}
	return DecryptedAnalysis{
		RiskScore:       fromColumn(r),
		DistanceSquared: fromColumn(d),
		TimeConflict:    fromColumn(t),
		IsRevealed:      revealed != 0,
	}, nil
}

func scanPending(row *sql.Row, rid RequestID) (PendingRequest, error) {
	var purpose int
	var mission int64
	var analysis int
	var issuedAt string
	err := row.Scan(&purpose, &mission, &analysis, &issuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingRequest{}, fmt.Errorf("request %s: %w", rid, ErrInvalidRequest)
	}
	if err != nil {
		return PendingRequest{}, fmt.Errorf("query request %s: %w", rid, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, issuedAt)
	if err != nil {
		return PendingRequest{}, fmt.Errorf("parse issued_at of request %s: %w", rid, err)
	}
	return PendingRequest{
		ID:         rid,
		Purpose:    Purpose(purpose),
		MissionID:  MissionID(mission),
		AnalysisID: analysis,
		IssuedAt:   ts,
	}, nil
}

const pendingQuery = `SELECT purpose, mission_id, analysis_id, issued_at FROM pending_requests WHERE id = ?`

func (s *SQLStore) PendingRequest(rid RequestID) (PendingRequest, error) {
	return scanPending(s.db.QueryRow(pendingQuery, string(rid)), rid)
}

func (s *SQLStore) PendingFor(purpose Purpose, id MissionID, analysisID int) (RequestID, bool, error) {
	query := `SELECT id FROM pending_requests WHERE purpose = ? AND mission_id = ? LIMIT 1`
	args := []any{int(purpose), int64(id)}
	if purpose == PurposeAnalysisReveal {
		query = `SELECT id FROM pending_requests WHERE purpose = ? AND mission_id = ? AND analysis_id = ? LIMIT 1`
		args = append(args, analysisID)
	}
	var rid string
	err := s.db.QueryRow(query, args...).Scan(&rid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query pending requests: %w", err)
	}
	return RequestID(rid), true, nil
}

func (s *SQLStore) CompleteTrajectoryReveal(rid RequestID, plain DecryptedTrajectory) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	r, err := scanPending(tx.QueryRow(pendingQuery, string(rid)), rid)
	if err != nil {
		return err
	}
	if r.Purpose != PurposeTrajectoryReveal {
		return fmt.Errorf("request %s: %w", rid, ErrInvalidRequest)
	}
	var revealed int
	err = tx.QueryRow(`SELECT revealed FROM trajectories WHERE mission_id = ?`, int64(r.MissionID)).Scan(&revealed)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("mission %d has no trajectory: %w", r.MissionID, ErrUnknownMission)
	}
	if err != nil {
		return fmt.Errorf("query trajectory: %w", err)
	}
	if revealed != 0 {
		return fmt.Errorf("mission %d: %w", r.MissionID, ErrAlreadyRevealed)
	}
	if _, err := tx.Exec(`UPDATE trajectories SET revealed = 1,
		clear_x = ?, clear_y = ?, clear_z = ?, clear_velocity = ?, clear_time_window = ?
		WHERE mission_id = ?`,
		toColumn(plain.PositionX), toColumn(plain.PositionY), toColumn(plain.PositionZ),
		toColumn(plain.Velocity), toColumn(plain.TimeWindow), int64(r.MissionID)); err != nil {
		return fmt.Errorf("update trajectory: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM pending_requests WHERE id = ?`, string(rid)); err != nil {
		return fmt.Errorf("consume request: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) CompleteAnalysisReveal(rid RequestID, plain DecryptedAnalysis) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	r, err := scanPending(tx.QueryRow(pendingQuery, string(rid)), rid)
	if err != nil {
		return err
	}
	if r.Purpose != PurposeAnalysisReveal {
		return fmt.Errorf("request %s: %w", rid, ErrInvalidRequest)
	}
	var revealed int
	err = tx.QueryRow(`SELECT revealed FROM analyses WHERE mission_id = ? AND idx = ?`,
		int64(r.MissionID), r.AnalysisID).Scan(&revealed)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("analysis %d of mission %d: %w", r.AnalysisID, r.MissionID, ErrUnknownAnalysis)
	}
	if err != nil {
		return fmt.Errorf("query analysis: %w", err)
	}
	if revealed != 0 {
		return fmt.Errorf("analysis %d of mission %d: %w", r.AnalysisID, r.MissionID, ErrAlreadyRevealed)
	}
	if _, err := tx.Exec(`UPDATE analyses SET revealed = 1,
		clear_risk_score = ?, clear_distance_squared = ?, clear_time_conflict = ?
		WHERE mission_id = ? AND idx = ?`,
		toColumn(plain.RiskScore), toColumn(plain.DistanceSquared), toColumn(plain.TimeConflict),
		int64(r.MissionID), r.AnalysisID); err != nil {
		return fmt.Errorf("update analysis: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM pending_requests WHERE id = ?`, string(rid)); err != nil {
		return fmt.Errorf("consume request: %w", err)
	}
	return tx.Commit()
}

var _ Store = (*SQLStore)(nil)
var _ Store = (*MemoryStore)(nil)
