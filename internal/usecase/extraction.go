package usecase

import (
	"log/slog"
	"regexp"
	"strings"

	"supply-agent/internal/domain"
)

var emailPattern = regexp.MustCompile(`^[\w.-]+@[\w.-]+\.\w{2,}$`)

// ValidEmail reports whether s has local@domain.tld shape with a top-level
// label of at least two characters.
func ValidEmail(s string) bool {
	return emailPattern.MatchString(s)
}

// FilterCandidates keeps, in order, the candidates that name a company and
// carry a valid email. Rejections are logged and never returned as errors.
func FilterCandidates(candidates []Candidate, logger *slog.Logger) []domain.SupplierRecord {
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]domain.SupplierRecord, 0, len(candidates))
	for _, c := range candidates {
		company := strings.TrimSpace(c.CompanyName)
		email := strings.TrimSpace(c.Email)
		switch {
		case company == "":
			logger.Warn("supplier candidate dropped", "company", company, "email", email, "reason", "missing_company")
			continue
		case email == "":
			logger.Warn("supplier candidate dropped", "company", company, "reason", "missing_email")
			continue
		case !ValidEmail(email):
			logger.Warn("supplier candidate dropped", "company", company, "email", email, "reason", "invalid_email")
			continue
		}
		out = append(out, domain.SupplierRecord{
			CompanyName: company,
			Email:       email,
			ProductName: strings.TrimSpace(c.ProductName),
		})
	}
	return out
}
