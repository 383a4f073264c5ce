package megolm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"filippo.io/age"

	"e2eed/internal/domain"
)

// Export writes every inbound session as an age passphrase-encrypted JSON
// array of ExportedSession values and returns how many were written.
func (s *Service) Export(ctx context.Context, passphrase string, w io.Writer) (int, error) {
	rows, err := s.store.AllInbound(ctx)
	if err != nil {
		return 0, fmt.Errorf("list inbound sessions: %w", err)
	}
	sessions := make([]domain.ExportedSession, 0, len(rows))
	for _, row := range rows {
		e, err := s.export(row)
		if err != nil {
			s.log.Error("skip unexportable session", "session_id", row.SessionID, "error", err)
			continue
		}
		sessions = append(sessions, e)
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return 0, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	if s.cfg.ExportWorkFactor > 0 {
		recipient.SetWorkFactor(s.cfg.ExportWorkFactor)
	}
	encWriter, err := age.Encrypt(w, recipient)
	if err != nil {
		return 0, fmt.Errorf("creating encrypted writer: %w", err)
	}
	if err := json.NewEncoder(encWriter).Encode(sessions); err != nil {
		return 0, fmt.Errorf("writing sessions: %w", err)
	}
	if err := encWriter.Close(); err != nil {
		return 0, fmt.Errorf("finalizing export: %w", err)
	}
	s.log.Info("megolm sessions exported", "count", len(sessions))
	return len(sessions), nil
}

// Import reads an export produced by Export and stores every session that
// improves on what is already known. It returns how many were stored.
func (s *Service) Import(ctx context.Context, passphrase string, r io.Reader) (int, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return 0, fmt.Errorf("creating scrypt identity: %w", err)
	}
	decReader, err := age.Decrypt(r, identity)
	if err != nil {
		return 0, fmt.Errorf("decrypting export: %w", err)
	}
	var sessions []domain.ExportedSession
	if err := json.NewDecoder(decReader).Decode(&sessions); err != nil {
		return 0, domain.Validationf("export body: %v", err)
	}

	imported := 0
	for _, e := range sessions {
		added, err := s.AddInbound(ctx, e.SenderKey, domain.RoomKeyContent{
			Algorithm:  e.Algorithm,
			RoomID:     e.RoomID,
			SessionID:  e.SessionID,
			SessionKey: e.SessionKey,
		})
		if err != nil {
			s.log.Warn("skip imported session", "session_id", e.SessionID, "error", err)
			continue
		}
		if added {
			imported++
		}
	}
	s.log.Info("megolm sessions imported", "count", imported, "total", len(sessions))
	return imported, nil
}
