package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/inkd/internal/stroke"
)

// AssertionError describes a failed expectation.
type AssertionError struct {
	Field    string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "expectation failed: %s\n", e.Field)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

func checkExpectation(result *Result, exp Expectation) {
	for _, err := range evaluate(result, exp) {
		result.AddError(err.Error())
	}
}

func evaluate(result *Result, exp Expectation) []error {
	var errs []error

	if exp.Position != nil && uint64(result.Position) != *exp.Position {
		errs = append(errs, &AssertionError{
			Field:    "position",
			Expected: fmt.Sprint(*exp.Position),
			Actual:   fmt.Sprint(result.Position),
		})
	}

	if exp.StrokeCount != nil && len(result.Strokes) != *exp.StrokeCount {
		errs = append(errs, &AssertionError{
			Field:    "stroke_count",
			Expected: fmt.Sprint(*exp.StrokeCount),
			Actual:   fmt.Sprintf("%d %v", len(result.Strokes), strokeIDs(result.Strokes)),
		})
	}

	if exp.Fingerprint != "" && result.Fingerprint != exp.Fingerprint {
		errs = append(errs, &AssertionError{
			Field:    "fingerprint",
			Expected: exp.Fingerprint,
			Actual:   result.Fingerprint,
		})
	}

	if exp.StaleMoves != nil {
		for _, rep := range result.Replicas {
			if rep.Stats.StaleMoves != *exp.StaleMoves {
				errs = append(errs, &AssertionError{
					Field:    "stale_moves (" + rep.Name + ")",
					Expected: fmt.Sprint(*exp.StaleMoves),
					Actual:   fmt.Sprint(rep.Stats.StaleMoves),
				})
			}
		}
	}

	if exp.Strokes != nil {
		errs = append(errs, compareStrokes(exp.Strokes, result.Strokes)...)
	}

	return errs
}

func compareStrokes(want []ExpectedStroke, got []stroke.Stroke) []error {
	wantIDs := make([]string, len(want))
	for i, s := range want {
		wantIDs[i] = s.ID
	}
	if gotIDs := strokeIDs(got); !slices.Equal(wantIDs, gotIDs) {
		return []error{&AssertionError{
			Field:    "strokes",
			Expected: fmt.Sprint(wantIDs),
			Actual:   fmt.Sprint(gotIDs),
		}}
	}

	var errs []error
	for i, w := range want {
		g := got[i]
		if w.Pen != nil && *w.Pen != g.Pen {
			errs = append(errs, &AssertionError{
				Field:    "strokes[" + w.ID + "].pen",
				Expected: fmt.Sprintf("%+v", *w.Pen),
				Actual:   fmt.Sprintf("%+v", g.Pen),
			})
		}
		if w.Points != nil && !slices.Equal(w.Points, g.Points()) {
			errs = append(errs, &AssertionError{
				Field:    "strokes[" + w.ID + "].points",
				Expected: fmt.Sprint(w.Points),
				Actual:   fmt.Sprint(g.Points()),
			})
		}
	}
	return errs
}

func strokeIDs(strokes []stroke.Stroke) []string {
	ids := make([]string, len(strokes))
	for i, s := range strokes {
		ids[i] = s.ID
	}
	return ids
}
