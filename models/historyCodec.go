package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// EncodeAuditEntries writes entries as JSON Lines, one entry per line, in the
// order given. Appending further calls to the same writer keeps the stream valid.
func EncodeAuditEntries(w io.Writer, entries []*AuditEntry) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode audit entry %s: %w", e.ID, err)
		}
	}
	return nil
}

// DecodeAuditEntries reads a JSON Lines stream written by EncodeAuditEntries.
func DecodeAuditEntries(r io.Reader) ([]*AuditEntry, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var entries []*AuditEntry
	for line := 1; ; line++ {
		var e AuditEntry
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode audit entry %d: %w", line, err)
		}
		entries = append(entries, &e)
	}
}
