package dispatch

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/mobiliza/disparo/internal/models"
)

const (
	codeLength  = 5
	codeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// CodeStore is the write side for verification codes. SaveCode returns
// the code actually stored on the record, which may differ from the
// argument if a concurrent writer won.
type CodeStore interface {
	SaveVerificationCode(ctx context.Context, kind models.RecipientKind, id, code string) (string, error)
}

// CodeIssuer lazily mints verification codes. Issuance is idempotent:
// a recipient that already carries a code keeps it.
type CodeIssuer struct {
	store CodeStore
}

func NewCodeIssuer(store CodeStore) *CodeIssuer {
	return &CodeIssuer{store: store}
}

// EnsureCode returns the recipient's verification code, minting and
// persisting one if the record has none yet. The recipient is updated
// in place so repeat sends within a run reuse the code.
func (i *CodeIssuer) EnsureCode(ctx context.Context, rec *models.Recipient) (string, error) {
	if rec.VerificationCode != "" {
		return rec.VerificationCode, nil
	}

	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("failed to generate verification code: %w", err)
	}

	stored, err := i.store.SaveVerificationCode(ctx, rec.Kind, rec.ID, code)
	if err != nil {
		return "", fmt.Errorf("failed to persist verification code: %w", err)
	}

	rec.VerificationCode = stored
	return stored, nil
}

// generateCode draws codeLength characters uniformly from codeCharset.
func generateCode() (string, error) {
	max := big.NewInt(int64(len(codeCharset)))
	buf := make([]byte, codeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = codeCharset[n.Int64()]
	}
	return string(buf), nil
}
