package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Document is the shared notes document of one task.
type Document struct {
	DocumentID int64     `json:"document_id"`
	Content    string    `json:"content"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ReadDocument returns the document, or an empty Document when the task
// has no notes yet.
func (d *DB) ReadDocument(ctx context.Context, documentID int64) (Document, error) {
	doc := Document{DocumentID: documentID}
	err := d.queryRow(ctx, `SELECT content, updated_at FROM task_notes WHERE task_id = ?`, documentID).
		Scan(&doc.Content, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return doc, nil
	}
	if err != nil {
		d.logger.Error("store.read_document_failed", "document_id", documentID, "error", err)
		return Document{}, err
	}
	return doc, nil
}

func (d *DB) ReadContent(ctx context.Context, documentID int64) (string, error) {
	doc, err := d.ReadDocument(ctx, documentID)
	return doc.Content, err
}

// WriteContent creates or replaces the task's notes.
func (d *DB) WriteContent(ctx context.Context, documentID int64, content string) error {
	now := d.now()
	_, err := d.exec(ctx, `INSERT INTO task_notes (task_id, content, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		documentID, content, now, now)
	if err != nil {
		d.logger.Error("store.write_document_failed", "document_id", documentID, "error", err)
	}
	return err
}
