package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/recbooth/recbooth/internal/recording"
	"github.com/recbooth/recbooth/internal/session"
	"github.com/recbooth/recbooth/pkg/logger"
)

// Import logger functions
var (
	String = logger.String
	Int    = logger.Int
	Error  = logger.Error
)

// ChunkSpool is the SQLite-backed local spool for captured chunks.
// Chunks are written as they are captured and flagged when the backend
// confirms persistence, so an interrupted upload resumes from the last
// confirmed sequence number even across a process restart.
type ChunkSpool struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewChunkSpool opens (or creates) the spool database at the given path
func NewChunkSpool(dbPath string, log *logger.Logger) (*ChunkSpool, error) {
	spoolLogger := log.Named("sqlite-spool")
	spoolLogger.Info("Initializing SQLite chunk spool", String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	spool := &ChunkSpool{
		db:     db,
		logger: spoolLogger,
	}
	if err := spool.initDB(); err != nil {
		return nil, err
	}
	return spool, nil
}

// initDB initializes the database tables
func (s *ChunkSpool) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chunks (
			token TEXT NOT NULL,
			seq INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			data BLOB NOT NULL,
			uploaded BOOLEAN NOT NULL DEFAULT 0,
			PRIMARY KEY (token, seq)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create chunks table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_chunks_uploaded ON chunks(token, uploaded)`)
	if err != nil {
		return fmt.Errorf("failed to create uploaded index: %w", err)
	}

	return nil
}

// SaveChunk stores one captured chunk. Re-saving the same sequence
// number replaces the row, so a restarted capture never duplicates.
func (s *ChunkSpool) SaveChunk(token session.Token, seq int, data []byte) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO chunks (token, seq, created_at, data, uploaded) VALUES (?, ?, ?, ?, 0)`,
		token.String(),
		seq,
		time.Now().UTC().Format(time.RFC3339),
		data,
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}
	return nil
}

// MarkUploaded flags a chunk as confirmed persisted upstream
func (s *ChunkSpool) MarkUploaded(token session.Token, seq int) error {
	res, err := s.db.Exec(
		`UPDATE chunks SET uploaded = 1 WHERE token = ? AND seq = ?`,
		token.String(),
		seq,
	)
	if err != nil {
		return fmt.Errorf("failed to mark chunk uploaded: %w", err)
	}
	rows, err := res.RowsAffected()
	if err == nil && rows == 0 {
		return fmt.Errorf("no spooled chunk for token %s seq %d", token, seq)
	}
	return nil
}

// PendingChunks returns the unconfirmed chunks for a token in sequence
// order
func (s *ChunkSpool) PendingChunks(token session.Token) ([]recording.Chunk, error) {
	rows, err := s.db.Query(
		`SELECT seq, data FROM chunks WHERE token = ? AND uploaded = 0 ORDER BY seq ASC`,
		token.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending chunks: %w", err)
	}
	defer rows.Close()

	var chunks []recording.Chunk
	for rows.Next() {
		var c recording.Chunk
		if err := rows.Scan(&c.Seq, &c.Data); err != nil {
			return nil, fmt.Errorf("failed to scan chunk row: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunk rows: %w", err)
	}
	return chunks, nil
}

// PurgeSession removes all spooled chunks for a token once the session
// is complete
func (s *ChunkSpool) PurgeSession(token session.Token) error {
	_, err := s.db.Exec(`DELETE FROM chunks WHERE token = ?`, token.String())
	if err != nil {
		return fmt.Errorf("failed to purge session chunks: %w", err)
	}
	return nil
}

// GetDB returns the underlying database handle
func (s *ChunkSpool) GetDB() *sql.DB {
	return s.db
}

// Close closes the spool database
func (s *ChunkSpool) Close() error {
	return s.db.Close()
}
