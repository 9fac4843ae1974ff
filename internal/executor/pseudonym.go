package executor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/dbsmedya/goforget/internal/datastore"
	"github.com/dbsmedya/goforget/internal/types"
)

const tokenPrefix = "pseu_"

// Token derives the irreversible replacement for a subject's value in a
// column. The same (salt, column, subject) always yields the same token, so
// pseudonymized rows of one subject stay joinable for aggregates.
func Token(salt, column, subject string) string {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(column + "|" + subject))
	return tokenPrefix + hex.EncodeToString(mac.Sum(nil))[:24]
}

// assignments builds the SET list for pseudonymizing the given columns.
// Dates of birth carry no analytic value once detached from the person and
// are cleared instead.
func assignments(salt, subject string, columns []string, piiTypes map[string]types.PIIType) []datastore.Assignment {
	out := make([]datastore.Assignment, 0, len(columns))
	for _, c := range columns {
		if piiTypes[c] == types.PIIDateOfBirth {
			out = append(out, datastore.Assignment{Column: c, Value: nil})
			continue
		}
		out = append(out, datastore.Assignment{Column: c, Value: Token(salt, c, subject)})
	}
	return out
}
