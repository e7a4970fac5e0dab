package bridge

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/lilithos/lilithd/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.IsEncrypted

const archiveDBName = "jobs.db"

// Archive stores terminal transfer jobs in a SQLCipher encrypted SQLite
// database. Jobs are archived once Succeeded or FailedTerminal; the bridge
// never mutates them afterwards.
type Archive struct {
	db     *sql.DB
	dbPath string
}

// OpenArchive opens (or creates) the encrypted job archive. The key is used
// as the SQLCipher passphrase via PRAGMA key.
func OpenArchive(dataDir string, key []byte) (*Archive, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, archiveDBName)
	keyHex := hex.EncodeToString(key)

	// Open with SQLCipher key as DSN parameter
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	// Verify encryption works by running a query
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	a := &Archive{db: db, dbPath: dbPath}
	if err := a.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return a, nil
}

func (a *Archive) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transfer_jobs (
		id TEXT PRIMARY KEY,
		sequence INTEGER NOT NULL,
		payload_ref TEXT NOT NULL,
		destination TEXT DEFAULT '',
		transport TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);
	`
	_, err := a.db.Exec(schema)
	return err
}

// Record archives one terminal job.
func (a *Archive) Record(job *domain.TransferJob) error {
	if !job.Terminal() {
		return fmt.Errorf("job %s is not terminal (%s)", job.ID, job.Status)
	}
	_, err := a.db.Exec(`
		INSERT OR REPLACE INTO transfer_jobs
			(id, sequence, payload_ref, destination, transport, attempts, status, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Sequence, job.PayloadRef, job.Destination, job.Transport,
		job.Attempts, string(job.Status), job.CreatedAt.Unix(), job.FinishedAt.Unix(),
	)
	return err
}

// Jobs returns every archived job, newest first.
func (a *Archive) Jobs() ([]domain.TransferJob, error) {
	rows, err := a.db.Query(`
		SELECT id, sequence, payload_ref, destination, transport, attempts, status, created_at, finished_at
		FROM transfer_jobs ORDER BY finished_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.TransferJob
	for rows.Next() {
		var (
			j                     domain.TransferJob
			status                string
			createdAt, finishedAt int64
		)
		if err := rows.Scan(&j.ID, &j.Sequence, &j.PayloadRef, &j.Destination,
			&j.Transport, &j.Attempts, &status, &createdAt, &finishedAt); err != nil {
			return nil, err
		}
		j.Status = domain.TransferStatus(status)
		j.CreatedAt = time.Unix(createdAt, 0)
		j.FinishedAt = time.Unix(finishedAt, 0)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Close releases the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}
