package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const auditKeyPrefix = "audit:"

var ErrListUnsupported = errors.New("store cannot list keys")

// AuditEntry records one operator action.
type AuditEntry struct {
	Source  string `json:"source"`
	Actor   string `json:"actor"`
	Command string `json:"command"`
	Result  string `json:"result"`
	AtMS    int64  `json:"at_ms"`
}

// AuditKey sorts chronologically; the zero-padded timestamp leads.
func AuditKey(entry AuditEntry) string {
	return fmt.Sprintf("%s%013d:%s:%s", auditKeyPrefix, entry.AtMS, entry.Source, entry.Command)
}

func AppendAudit(ctx context.Context, store Store, entry AuditEntry) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return store.Set(ctx, AuditKey(entry), string(payload))
}

func RecentAudit(ctx context.Context, store Store, limit int) ([]AuditEntry, error) {
	lister, ok := store.(Lister)
	if !ok {
		return nil, ErrListUnsupported
	}
	rows, err := lister.ListPrefix(ctx, auditKeyPrefix, limit)
	if err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0, len(rows))
	for _, row := range rows {
		var entry AuditEntry
		if err := json.Unmarshal([]byte(row.Value), &entry); err != nil {
			return nil, fmt.Errorf("decode %s: %w", row.Key, err)
		}
		out = append(out, entry)
	}
	return out, nil
}
