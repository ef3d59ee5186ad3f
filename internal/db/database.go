package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"traffic-congestion-monitor/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed-width so stored times sort lexicographically and stay
// readable by SQLite's date functions.
const timeLayout = "2006-01-02T15:04:05.000Z"

const dateLayout = "2006-01-02"

var (
	// ErrNotFound is returned when a requested row does not exist
	ErrNotFound    = errors.New("not found")
	ErrInvalidDate = errors.New("invalid date, expected YYYY-MM-DD")
)

// Database wraps the SQLite connection
type Database struct {
	conn *sql.DB
	now  func() time.Time
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	// Enable WAL mode, foreign keys and other optimizations via connection string
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_foreign_keys=1&_busy_timeout=5000", dbPath)

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	db := &Database{conn: conn, now: time.Now}

	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// initialize creates tables and indexes
func (db *Database) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sensor_readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL DEFAULT '',
		uid TEXT NOT NULL DEFAULT '',
		gas INTEGER NOT NULL,
		count INTEGER NOT NULL,
		headway_ms INTEGER NOT NULL,
		flag TEXT NOT NULL DEFAULT '',
		received_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS predictions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sensor_reading_id INTEGER NOT NULL,
		congestion_level INTEGER NOT NULL,
		congestion_status TEXT NOT NULL,
		confidence INTEGER NOT NULL,
		next_minute_prediction INTEGER,
		next_minute_status TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (sensor_reading_id) REFERENCES sensor_readings(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS statistics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		date TEXT NOT NULL UNIQUE,
		avg_gas REAL,
		max_gas INTEGER,
		min_gas INTEGER,
		avg_headway REAL,
		total_vehicles INTEGER,
		peak_congestion INTEGER,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_readings_received_at ON sensor_readings(received_at);
	CREATE INDEX IF NOT EXISTS idx_readings_uid ON sensor_readings(uid);
	CREATE INDEX IF NOT EXISTS idx_predictions_reading ON predictions(sensor_reading_id);
	CREATE INDEX IF NOT EXISTS idx_predictions_status ON predictions(congestion_status);
	CREATE INDEX IF NOT EXISTS idx_predictions_created_at ON predictions(created_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Save stores a reading and the inference derived from it in one
// transaction and returns the reading's row id.
func (db *Database) Save(ctx context.Context, r models.Reading, inf models.Inference) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	received := r.ReceivedAt
	if received.IsZero() {
		received = db.now()
	}
	created := formatTime(db.now())

	result, err := tx.ExecContext(ctx, `
		INSERT INTO sensor_readings
		(timestamp, uid, gas, count, headway_ms, flag, received_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.Timestamp, r.UID, r.Gas, r.Count, r.HeadwayMs, r.Flag, formatTime(received), created)
	if err != nil {
		return 0, fmt.Errorf("insert reading: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading id: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO predictions
		(sensor_reading_id, congestion_level, congestion_status, confidence,
		 next_minute_prediction, next_minute_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, inf.Level, string(inf.Status), inf.Confidence,
		inf.NextMinute.Prediction, string(inf.NextMinute.Status), created)
	if err != nil {
		return 0, fmt.Errorf("insert prediction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

const readingColumns = `id, timestamp, uid, gas, count, headway_ms, flag, received_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanReading(s scanner) (models.Reading, error) {
	var r models.Reading
	var received string
	if err := s.Scan(&r.ID, &r.Timestamp, &r.UID, &r.Gas, &r.Count, &r.HeadwayMs, &r.Flag, &received); err != nil {
		return r, err
	}
	r.ReceivedAt = parseTime(received)
	return r, nil
}

func collectReadings(rows *sql.Rows) ([]models.Reading, error) {
	defer rows.Close()
	readings := []models.Reading{}
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// GetReadings returns stored readings, newest first
func (db *Database) GetReadings(limit, offset int) ([]models.Reading, error) {
	return db.QueryReadings(models.ReadingQuery{Limit: limit, Offset: offset})
}

// GetReadingsByDate returns readings received on date (YYYY-MM-DD, UTC)
func (db *Database) GetReadingsByDate(date string) ([]models.Reading, error) {
	if _, err := time.Parse(dateLayout, date); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	rows, err := db.conn.Query(`
		SELECT `+readingColumns+`
		FROM sensor_readings
		WHERE substr(received_at, 1, 10) = ?
		ORDER BY received_at DESC, id DESC
	`, date)
	if err != nil {
		return nil, err
	}
	return collectReadings(rows)
}

// QueryReadings retrieves readings based on query parameters
func (db *Database) QueryReadings(q models.ReadingQuery) ([]models.Reading, error) {
	var conditions []string
	var args []interface{}

	query := `SELECT ` + readingColumns + ` FROM sensor_readings`

	if q.UID != "" {
		conditions = append(conditions, "uid = ?")
		args = append(args, q.UID)
	}
	if !q.StartTime.IsZero() {
		conditions = append(conditions, "received_at >= ?")
		args = append(args, formatTime(q.StartTime))
	}
	if !q.EndTime.IsZero() {
		conditions = append(conditions, "received_at <= ?")
		args = append(args, formatTime(q.EndTime))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY id DESC"

	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	return collectReadings(rows)
}

// GetPredictions returns stored predictions joined with their readings,
// newest first
func (db *Database) GetPredictions(limit, offset int) ([]models.StoredPrediction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.conn.Query(`
		SELECT p.id, p.sensor_reading_id, p.congestion_level, p.congestion_status, p.confidence,
		       p.next_minute_prediction, p.next_minute_status, p.created_at,
		       r.gas, r.count, r.headway_ms, r.timestamp
		FROM predictions p
		JOIN sensor_readings r ON p.sensor_reading_id = r.id
		ORDER BY p.id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	predictions := []models.StoredPrediction{}
	for rows.Next() {
		var p models.StoredPrediction
		var status, created string
		var nextPred sql.NullInt64
		var nextStatus sql.NullString
		err := rows.Scan(
			&p.ID, &p.SensorReadingID, &p.CongestionLevel, &status, &p.Confidence,
			&nextPred, &nextStatus, &created,
			&p.Gas, &p.Count, &p.HeadwayMs, &p.Timestamp,
		)
		if err != nil {
			return nil, err
		}
		p.CongestionStatus = models.Status(status)
		p.NextMinutePrediction = int(nextPred.Int64)
		p.NextMinuteStatus = models.Status(nextStatus.String)
		p.CreatedAt = parseTime(created)
		predictions = append(predictions, p)
	}
	return predictions, rows.Err()
}

// GetCongestionSummary groups predictions from the last hours by status
func (db *Database) GetCongestionSummary(hours int) ([]models.CongestionSummary, error) {
	if hours <= 0 {
		hours = 24
	}
	cutoff := formatTime(db.now().Add(-time.Duration(hours) * time.Hour))

	rows, err := db.conn.Query(`
		SELECT congestion_status, COUNT(*), AVG(congestion_level),
		       MAX(congestion_level), MIN(congestion_level)
		FROM predictions
		WHERE created_at >= ?
		GROUP BY congestion_status
		ORDER BY MAX(congestion_level)
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := []models.CongestionSummary{}
	for rows.Next() {
		var s models.CongestionSummary
		var status string
		if err := rows.Scan(&status, &s.Count, &s.AvgLevel, &s.MaxLevel, &s.MinLevel); err != nil {
			return nil, err
		}
		s.Status = models.Status(status)
		summary = append(summary, s)
	}
	return summary, rows.Err()
}

// GetStatistics returns the aggregate row for date (YYYY-MM-DD); an empty
// date means today.
func (db *Database) GetStatistics(date string) (*models.DailyStatistics, error) {
	if date == "" {
		date = db.now().UTC().Format(dateLayout)
	} else if _, err := time.Parse(dateLayout, date); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}

	var s models.DailyStatistics
	var avgGas, avgHeadway sql.NullFloat64
	var maxGas, minGas, total, peak sql.NullInt64
	var created string
	err := db.conn.QueryRow(`
		SELECT date, avg_gas, max_gas, min_gas, avg_headway, total_vehicles, peak_congestion, created_at
		FROM statistics WHERE date = ?
	`, date).Scan(&s.Date, &avgGas, &maxGas, &minGas, &avgHeadway, &total, &peak, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("statistics for %s: %w", date, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	s.AvgGas = avgGas.Float64
	s.MaxGas = int(maxGas.Int64)
	s.MinGas = int(minGas.Int64)
	s.AvgHeadway = avgHeadway.Float64
	s.TotalVehicles = int(total.Int64)
	s.PeakCongestion = int(peak.Int64)
	s.CreatedAt = parseTime(created)
	return &s, nil
}

// UpdateStatistics recomputes the aggregate row for the UTC day containing
// day and returns it.
func (db *Database) UpdateStatistics(day time.Time) (*models.DailyStatistics, error) {
	date := day.UTC().Format(dateLayout)

	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var readings int
	var avgGas, avgHeadway sql.NullFloat64
	var maxGas, minGas, total sql.NullInt64
	err = tx.QueryRow(`
		SELECT COUNT(*), AVG(gas), MAX(gas), MIN(gas), AVG(headway_ms), SUM(count)
		FROM sensor_readings
		WHERE substr(received_at, 1, 10) = ?
	`, date).Scan(&readings, &avgGas, &maxGas, &minGas, &avgHeadway, &total)
	if err != nil {
		return nil, fmt.Errorf("aggregate readings: %w", err)
	}
	if readings == 0 {
		return nil, fmt.Errorf("no readings on %s: %w", date, ErrNotFound)
	}

	var peak sql.NullInt64
	err = tx.QueryRow(`
		SELECT MAX(p.congestion_level)
		FROM predictions p
		JOIN sensor_readings r ON p.sensor_reading_id = r.id
		WHERE substr(r.received_at, 1, 10) = ?
	`, date).Scan(&peak)
	if err != nil {
		return nil, fmt.Errorf("aggregate predictions: %w", err)
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO statistics
		(date, avg_gas, max_gas, min_gas, avg_headway, total_vehicles, peak_congestion, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, date, avgGas, maxGas, minGas, avgHeadway, total, peak, formatTime(db.now()))
	if err != nil {
		return nil, fmt.Errorf("store statistics: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return db.GetStatistics(date)
}

// GetTotalCount returns the number of stored readings
func (db *Database) GetTotalCount() (int64, error) {
	var count int64
	err := db.conn.QueryRow("SELECT COUNT(*) FROM sensor_readings").Scan(&count)
	return count, err
}

// ClearOldData deletes readings received more than days ago, together with
// their predictions, and returns how many readings were removed.
func (db *Database) ClearOldData(days int) (int64, error) {
	if days < 0 {
		return 0, fmt.Errorf("days must not be negative, got %d", days)
	}
	cutoff := formatTime(db.now().AddDate(0, 0, -days))

	result, err := db.conn.Exec(`DELETE FROM sensor_readings WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete readings: %w", err)
	}
	return result.RowsAffected()
}

// GetStats returns database statistics
func (db *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var totalReadings int64
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM sensor_readings").Scan(&totalReadings); err != nil {
		return nil, err
	}
	stats["total_readings"] = totalReadings

	var totalPredictions int64
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM predictions").Scan(&totalPredictions); err != nil {
		return nil, err
	}
	stats["total_predictions"] = totalPredictions

	var sensors int64
	if err := db.conn.QueryRow("SELECT COUNT(DISTINCT uid) FROM sensor_readings").Scan(&sensors); err != nil {
		return nil, err
	}
	stats["distinct_sensors"] = sensors

	var first, last sql.NullString
	if err := db.conn.QueryRow("SELECT MIN(received_at), MAX(received_at) FROM sensor_readings").Scan(&first, &last); err != nil {
		return nil, err
	}
	if first.Valid {
		stats["first_received_at"] = first.String
		stats["last_received_at"] = last.String
	}

	var severe int64
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM predictions WHERE congestion_status = ?", string(models.StatusSevere)).Scan(&severe); err != nil {
		return nil, err
	}
	stats["severe_predictions"] = severe

	return stats, nil
}
