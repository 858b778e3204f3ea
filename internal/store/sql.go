package store

import (
	"fmt"
	"strings"

	"github.com/example/logica/internal/account"
)

const accountColumns = `id,name,email,phone,password,role,approved,provider,provider_id,avatar_url,remember_token,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

// likePattern builds a LIKE pattern matching query as a substring, with the
// wildcard characters of query escaped by '\'.
func likePattern(query string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(query)) + "%"
}

// conflictQuery renders the uniqueness probe for the non-empty fields of
// probe. placeholder renders the n-th (1-based) bind parameter.
func conflictQuery(probe account.Identity, excludeID int64, placeholder func(int) string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(col, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = %s", col, placeholder(len(args))))
	}
	add("name", probe.Name)
	add("email", probe.Email)
	add("phone", probe.Phone)
	if len(conds) == 0 {
		return "", nil
	}
	args = append(args, excludeID)
	q := fmt.Sprintf(`SELECT name,email,phone FROM users WHERE (%s) AND id <> %s`,
		strings.Join(conds, " OR "), placeholder(len(args)))
	return q, args
}

// takenFields compares a conflicting row against probe.
func takenFields(probe account.Identity, name, email string, phone *string, into map[string]bool) {
	if probe.Name != "" && name == probe.Name {
		into["name"] = true
	}
	if probe.Email != "" && email == probe.Email {
		into["email"] = true
	}
	if probe.Phone != "" && phone != nil && *phone == probe.Phone {
		into["phone"] = true
	}
}
