package drill

import (
	"errors"
	"fmt"
	"slices"
)

// ErrExpectation reports a session that did not behave as scripted.
var ErrExpectation = errors.New("expectation not met")

// checkBanner compares a turn's banner against the step.
func checkBanner(step int, want string, got *banner) error {
	switch {
	case want == "":
		return nil
	case want == BannerNone && got != nil:
		return fmt.Errorf("%w: step %d: unexpected %s banner %v", ErrExpectation, step, got.Severity, got.Rules)
	case want != BannerNone && got == nil:
		return fmt.Errorf("%w: step %d: expected a %s banner, got none", ErrExpectation, step, want)
	case want != BannerNone && got.Severity != want:
		return fmt.Errorf("%w: step %d: expected a %s banner, got %s", ErrExpectation, step, want, got.Severity)
	}
	return nil
}

// verifyReport checks the final report and ended flag. Every failed
// expectation is reported, not just the first.
func verifyReport(exp Expect, ended bool, r report) error {
	var errs []error
	if exp.Ended != nil && *exp.Ended != ended {
		errs = append(errs, fmt.Errorf("%w: ended = %t, want %t", ErrExpectation, ended, *exp.Ended))
	}
	scores := make(map[string]float64, len(r.Domains))
	for _, d := range r.Domains {
		scores[d.Name] = d.Score
	}
	for _, name := range sortedKeys(exp.MinScores) {
		got, ok := scores[name]
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("%w: report has no domain %q", ErrExpectation, name))
		case got < exp.MinScores[name]:
			errs = append(errs, fmt.Errorf("%w: domain %q scored %.2f, want at least %.2f", ErrExpectation, name, got, exp.MinScores[name]))
		}
	}
	for _, f := range exp.Flags {
		if !slices.Contains(r.Flags, f) {
			errs = append(errs, fmt.Errorf("%w: report lacks flag %q", ErrExpectation, f))
		}
	}
	return errors.Join(errs...)
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
