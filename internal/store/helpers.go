package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Insuapliques/Chatbot/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanChatMessages drains rows into chat message records.
func scanChatMessages(rows *sql.Rows) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		var fileURL sql.NullString
		if err := rows.Scan(&m.ID, &m.Phone, &m.Text, &fileURL, &m.FileType, &m.Origin, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan chat message failed: %w", err)
		}
		m.FileURL = fileURL.String
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages failed: %w", err)
	}
	return msgs, nil
}

// scanCatalogDocs drains rows into raw catalog documents.
func scanCatalogDocs(rows *sql.Rows) ([]models.CatalogDoc, error) {
	var docs []models.CatalogDoc
	for rows.Next() {
		var d models.CatalogDoc
		var raw string
		if err := rows.Scan(&d.ID, &raw); err != nil {
			return nil, fmt.Errorf("scan catalog doc failed: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &d.Fields); err != nil {
			return nil, fmt.Errorf("decode catalog doc %s failed: %w", d.ID, err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog docs failed: %w", err)
	}
	return docs, nil
}
