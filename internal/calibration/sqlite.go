package calibration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS wb_calibration (
"id" integer NOT NULL PRIMARY KEY AUTOINCREMENT,
"r" REAL NOT NULL,
"g" REAL NOT NULL,
"b" REAL NOT NULL,
"created_at" REAL NOT NULL
);`

// SQLiteStore は記録を履歴付きで SQLite に保存する
// Load は最新の行を返し、Save は historyLimit 件を超えた古い行を削除する
type SQLiteStore struct {
	mu           sync.Mutex
	db           *sql.DB
	bounds       Bounds
	historyLimit int
	now          func() time.Time
}

// NewSQLiteStore はデータベースを開き、テーブルがなければ作成する
func NewSQLiteStore(path string, bounds Bounds, historyLimit int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: データベースのオープンに失敗: %w", ErrIO, err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: テーブルの作成に失敗: %w", ErrIO, err)
	}
	if historyLimit < 1 {
		historyLimit = 1
	}
	return &SQLiteStore{db: db, bounds: bounds, historyLimit: historyLimit, now: time.Now}, nil
}

// Load は最新の記録を読み込み、ゲインを範囲内に丸めて返す
func (s *SQLiteStore) Load(ctx context.Context) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var g Gains
	var ts float64
	err := s.db.QueryRowContext(ctx,
		`SELECT r, g, b, created_at FROM wb_calibration ORDER BY id DESC LIMIT 1`,
	).Scan(&g.R, &g.G, &g.B, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: 記録の読み込みに失敗: %w", ErrIO, err)
	}

	return Record{Gains: s.bounds.Clamp(g), Timestamp: fromUnixSeconds(ts)}, true, nil
}

// Save は新しい行を追加し、古い履歴を削除する
func (s *SQLiteStore) Save(ctx context.Context, g Gains) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := Record{Gains: s.bounds.Clamp(g), Timestamp: recordTime(s.now())}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("%w: トランザクションの開始に失敗: %w", ErrIO, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wb_calibration(r, g, b, created_at) VALUES (?, ?, ?, ?)`,
		rec.Gains.R, rec.Gains.G, rec.Gains.B, unixSeconds(rec.Timestamp),
	); err != nil {
		return Record{}, fmt.Errorf("%w: 記録の追加に失敗: %w", ErrIO, err)
	}

	if _, err := tx.ExecContext(ctx, `
DELETE FROM wb_calibration WHERE id IN
(SELECT id FROM wb_calibration ORDER BY id DESC LIMIT -1 OFFSET ?)`,
		s.historyLimit,
	); err != nil {
		return Record{}, fmt.Errorf("%w: 古い履歴の削除に失敗: %w", ErrIO, err)
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("%w: コミットに失敗: %w", ErrIO, err)
	}
	return rec, nil
}

// Clear は全ての記録を削除する
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM wb_calibration`); err != nil {
		return fmt.Errorf("%w: 記録の削除に失敗: %w", ErrIO, err)
	}
	return nil
}

// History は新しい順に最大 limit 件の記録を返す
func (s *SQLiteStore) History(ctx context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT r, g, b, created_at FROM wb_calibration ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: 履歴の読み込みに失敗: %w", ErrIO, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []Record
	for rows.Next() {
		var g Gains
		var ts float64
		if err := rows.Scan(&g.R, &g.G, &g.B, &ts); err != nil {
			return nil, fmt.Errorf("%w: 履歴の解析に失敗: %w", ErrIO, err)
		}
		records = append(records, Record{Gains: s.bounds.Clamp(g), Timestamp: fromUnixSeconds(ts)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return records, nil
}

// Close はデータベースを閉じる
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
