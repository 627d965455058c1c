package orchestrator

import "github.com/djlord-it/contentguard/internal/domain"

// Dedup keeps the first candidate for every normalized URL and reports how
// many were dropped.
func Dedup(candidates []domain.Candidate) ([]domain.Candidate, int) {
	seen := make(map[string]bool, len(candidates))
	unique := make([]domain.Candidate, 0, len(candidates))
	for _, c := range candidates {
		key := domain.NormalizeURL(c.URL)
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, c)
	}
	return unique, len(candidates) - len(unique)
}
