package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"camf/internal/engine"
	"camf/internal/grouping"
)

// Storage is the sqlite-backed reference implementation of the engine's
// FrameSource and ResultSink contracts. Production deployments may swap in
// their own; the engine only sees the interfaces.
type Storage struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath
func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for concurrent readers during processing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS angles (
			id INTEGER PRIMARY KEY,
			name TEXT,
			reference_take_id INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS takes (
			id INTEGER PRIMARY KEY,
			angle_id INTEGER NOT NULL,
			name TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (angle_id) REFERENCES angles(id)
		)`,
		`CREATE TABLE IF NOT EXISTS frames (
			take_id INTEGER NOT NULL,
			frame_number INTEGER NOT NULL,
			timestamp REAL NOT NULL,
			width INTEGER,
			height INTEGER,
			data BLOB NOT NULL,
			PRIMARY KEY (take_id, frame_number),
			FOREIGN KEY (take_id) REFERENCES takes(id)
		)`,
		`CREATE TABLE IF NOT EXISTS detections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			take_id INTEGER NOT NULL,
			frame_id INTEGER NOT NULL,
			detector_name TEXT NOT NULL,
			detector_version TEXT,
			description TEXT NOT NULL,
			confidence REAL NOT NULL,
			bounding_boxes TEXT,
			metadata TEXT,
			error_type TEXT,
			location TEXT,
			false_positive INTEGER DEFAULT 0,
			false_positive_reason TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (take_id, frame_id, detector_name, description)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_take ON detections(take_id, frame_id)`,
		`CREATE INDEX IF NOT EXISTS idx_frames_take ON frames(take_id, frame_number)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateAngle registers an angle
func (s *Storage) CreateAngle(id int64, name string) error {
	_, err := s.db.Exec(`INSERT INTO angles (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`, id, name)
	if err != nil {
		return fmt.Errorf("failed to create angle: %w", err)
	}
	return nil
}

// CreateTake registers a take under an angle
func (s *Storage) CreateTake(id, angleID int64, name string) error {
	_, err := s.db.Exec(`INSERT INTO takes (id, angle_id, name) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET angle_id = excluded.angle_id, name = excluded.name`,
		id, angleID, name)
	if err != nil {
		return fmt.Errorf("failed to create take: %w", err)
	}
	return nil
}

// SetAngleReference marks a take as the continuity baseline for its angle
func (s *Storage) SetAngleReference(angleID, takeID int64) error {
	_, err := s.db.Exec("UPDATE angles SET reference_take_id = ? WHERE id = ?", takeID, angleID)
	if err != nil {
		return fmt.Errorf("failed to set angle reference: %w", err)
	}
	return nil
}

// GetAngleReferenceTakeID implements engine.FrameSource
func (s *Storage) GetAngleReferenceTakeID(angleID int64) (int64, bool, error) {
	var ref sql.NullInt64
	err := s.db.QueryRow("SELECT reference_take_id FROM angles WHERE id = ?", angleID).Scan(&ref)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get angle reference: %w", err)
	}
	return ref.Int64, ref.Valid, nil
}

// SaveFrame stores one captured frame. Frames are immutable; a duplicate
// write of the same (take, frame) is rejected by the primary key.
func (s *Storage) SaveFrame(f engine.Frame) error {
	_, err := s.db.Exec(`INSERT INTO frames (take_id, frame_number, timestamp, width, height, data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.TakeID, f.FrameNumber, f.Timestamp, f.Width, f.Height, f.Data)
	if err != nil {
		return fmt.Errorf("failed to save frame: %w", err)
	}
	return nil
}

// GetFrameBytes implements engine.FrameSource
func (s *Storage) GetFrameBytes(takeID int64, frameID int) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM frames WHERE take_id = ? AND frame_number = ?",
		takeID, frameID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("frame %d of take %d not found", frameID, takeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	return data, nil
}

// ListFrameNumbers implements engine.FrameSource
func (s *Storage) ListFrameNumbers(takeID int64) ([]int, error) {
	rows, err := s.db.Query(
		"SELECT frame_number FROM frames WHERE take_id = ? ORDER BY frame_number ASC", takeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	defer rows.Close()

	var numbers []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to scan frame number: %w", err)
		}
		numbers = append(numbers, n)
	}
	return numbers, rows.Err()
}

// AppendDetection implements engine.ResultSink. Re-appending the same
// (take, frame, detector, description) updates the stored record in place,
// so retried frames never duplicate rows.
func (s *Storage) AppendDetection(takeID int64, frameID int, det engine.Detection) error {
	bboxJSON, err := json.Marshal(det.BoundingBoxes)
	if err != nil {
		return fmt.Errorf("failed to marshal bounding boxes: %w", err)
	}
	metaJSON, err := json.Marshal(det.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `INSERT INTO detections
		(take_id, frame_id, detector_name, detector_version, description, confidence,
		 bounding_boxes, metadata, error_type, location, false_positive, false_positive_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(take_id, frame_id, detector_name, description) DO UPDATE SET
			detector_version = excluded.detector_version,
			confidence = excluded.confidence,
			bounding_boxes = excluded.bounding_boxes,
			metadata = excluded.metadata,
			error_type = excluded.error_type,
			location = excluded.location`

	falsePositive := 0
	if det.FalsePositive {
		falsePositive = 1
	}
	_, err = s.db.Exec(query, takeID, frameID, det.DetectorName, det.DetectorVersion,
		det.Description, det.Confidence, string(bboxJSON), string(metaJSON),
		det.ErrorType, det.Location, falsePositive, det.FalsePositiveReason)
	if err != nil {
		return fmt.Errorf("failed to append detection: %w", err)
	}
	return nil
}

// ListDetections returns every stored detection of a take ordered by frame
func (s *Storage) ListDetections(takeID int64) ([]engine.Detection, error) {
	rows, err := s.db.Query(`SELECT frame_id, detector_name, detector_version, description,
		confidence, bounding_boxes, metadata, error_type, location,
		false_positive, false_positive_reason
		FROM detections WHERE take_id = ?
		ORDER BY detector_name, frame_id ASC`, takeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list detections: %w", err)
	}
	defer rows.Close()

	var detections []engine.Detection
	for rows.Next() {
		var det engine.Detection
		var bboxJSON, metaJSON string
		var falsePositive int
		if err := rows.Scan(&det.FrameID, &det.DetectorName, &det.DetectorVersion,
			&det.Description, &det.Confidence, &bboxJSON, &metaJSON,
			&det.ErrorType, &det.Location, &falsePositive, &det.FalsePositiveReason); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		det.TakeID = takeID
		det.FalsePositive = falsePositive == 1
		if bboxJSON != "" && bboxJSON != "null" {
			if err := json.Unmarshal([]byte(bboxJSON), &det.BoundingBoxes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal bounding boxes: %w", err)
			}
		}
		if metaJSON != "" && metaJSON != "null" {
			if err := json.Unmarshal([]byte(metaJSON), &det.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		detections = append(detections, det)
	}
	return detections, rows.Err()
}

// GetGroupedResults implements engine.ResultSink: stored detections merged
// into continuous errors.
func (s *Storage) GetGroupedResults(takeID int64) ([]engine.ContinuousError, error) {
	detections, err := s.ListDetections(takeID)
	if err != nil {
		return nil, err
	}
	return grouping.GroupAll(detections), nil
}

// SetFalsePositive flags or unflags one stored detection
func (s *Storage) SetFalsePositive(takeID int64, frameID int, detector, description string, flag bool, reason string) error {
	falsePositive := 0
	if flag {
		falsePositive = 1
	}
	res, err := s.db.Exec(`UPDATE detections
		SET false_positive = ?, false_positive_reason = ?
		WHERE take_id = ? AND frame_id = ? AND detector_name = ? AND description = ?`,
		falsePositive, reason, takeID, frameID, detector, description)
	if err != nil {
		return fmt.Errorf("failed to update false positive flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("detection not found for take %d frame %d", takeID, frameID)
	}
	return nil
}

// DeleteTakeData removes a take's frames and detections
func (s *Storage) DeleteTakeData(takeID int64) error {
	if _, err := s.db.Exec("DELETE FROM detections WHERE take_id = ?", takeID); err != nil {
		return fmt.Errorf("failed to delete detections: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM frames WHERE take_id = ?", takeID); err != nil {
		return fmt.Errorf("failed to delete frames: %w", err)
	}
	return nil
}

// Ensure Storage satisfies the engine contracts
var (
	_ engine.FrameSource = (*Storage)(nil)
	_ engine.ResultSink  = (*Storage)(nil)
)
