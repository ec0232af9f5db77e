// Package report scores binary predictions against ground truth and formats
// the result as a classification table followed by a normalized confusion
// matrix.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"

	"cnnsvm/internal/common"
)

const digits = 4

// Scores are precision, recall and F1 for one class or one average.
type Scores struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// ClassScores are the scores of a named class.
type ClassScores struct {
	Name string `json:"name"`
	Scores
}

// Report is the evaluation of one test split. Confusion[t][p] is the fraction
// of all examples with truth t predicted as p.
type Report struct {
	Classes     []ClassScores `json:"classes"`
	Accuracy    float64       `json:"accuracy"`
	MacroAvg    Scores        `json:"macro_avg"`
	WeightedAvg Scores        `json:"weighted_avg"`
	Total       int           `json:"total"`
	Counts      [2][2]int     `json:"counts"`
	Confusion   [2][2]float64 `json:"confusion"`
}

// Build computes the report for two classes. truth and predicted hold class
// indices 0 or 1 in the same order.
func Build(truth, predicted []int, classNames []string) (*Report, error) {
	if len(classNames) != 2 {
		return nil, &common.UnsupportedClassCountError{Got: len(classNames)}
	}
	if len(truth) != len(predicted) {
		return nil, fmt.Errorf("report: %d truth labels but %d predictions", len(truth), len(predicted))
	}
	if len(truth) == 0 {
		return nil, fmt.Errorf("report: no labels to evaluate")
	}

	r := &Report{Total: len(truth)}
	for i := range truth {
		t, p := truth[i], predicted[i]
		if t < 0 || t > 1 || p < 0 || p > 1 {
			return nil, fmt.Errorf("report: label pair %d (truth %d, predicted %d) outside classes 0..1", i, t, p)
		}
		r.Counts[t][p]++
	}

	total := float64(r.Total)
	correct := 0
	for c := 0; c < 2; c++ {
		correct += r.Counts[c][c]
		for p := 0; p < 2; p++ {
			r.Confusion[c][p] = float64(r.Counts[c][p]) / total
		}
	}
	r.Accuracy = float64(correct) / total

	for c, name := range classNames {
		tp := r.Counts[c][c]
		predictedC := r.Counts[0][c] + r.Counts[1][c]
		support := r.Counts[c][0] + r.Counts[c][1]

		s := Scores{
			Precision: ratio(tp, predictedC),
			Recall:    ratio(tp, support),
			Support:   support,
		}
		if s.Precision+s.Recall > 0 {
			s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
		}
		r.Classes = append(r.Classes, ClassScores{Name: name, Scores: s})

		r.MacroAvg.Precision += s.Precision / 2
		r.MacroAvg.Recall += s.Recall / 2
		r.MacroAvg.F1 += s.F1 / 2

		w := float64(support) / total
		r.WeightedAvg.Precision += s.Precision * w
		r.WeightedAvg.Recall += s.Recall * w
		r.WeightedAvg.F1 += s.F1 * w
	}
	r.MacroAvg.Support = r.Total
	r.WeightedAvg.Support = r.Total

	return r, nil
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Text renders the classification table.
func (r *Report) Text() string {
	const lastHeading = "weighted avg"
	width := len(lastHeading)
	for _, c := range r.Classes {
		width = max(width, len(c.Name))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%*s ", width, "")
	for _, h := range []string{"precision", "recall", "f1-score", "support"} {
		fmt.Fprintf(&b, " %9s", h)
	}
	b.WriteString("\n\n")

	row := func(name string, s Scores) {
		fmt.Fprintf(&b, "%*s  %9.*f %9.*f %9.*f %9d\n", width, name, digits, s.Precision, digits, s.Recall, digits, s.F1, s.Support)
	}
	for _, c := range r.Classes {
		row(c.Name, c.Scores)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "%*s  %9s %9s %9.*f %9d\n", width, "accuracy", "", "", digits, r.Accuracy, r.Total)
	row("macro avg", r.MacroAvg)
	row(lastHeading, r.WeightedAvg)
	return b.String()
}

// MatrixText renders the confusion matrix as four fixed lines.
func (r *Report) MatrixText() string {
	var b strings.Builder
	b.WriteString("Confusion Matrix (normalized over all samples)\n")
	fmt.Fprintf(&b, "%-13s  %17s  %17s\n", "", "Predicted Label 0", "Predicted Label 1")
	for t := 0; t < 2; t++ {
		fmt.Fprintf(&b, "Truth Label %d  %17.*f  %17.*f\n", t, digits, r.Confusion[t][0], digits, r.Confusion[t][1])
	}
	return b.String()
}

// Print writes both blocks to w.
func (r *Report) Print(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s\n%s", r.Text(), r.MatrixText())
	return err
}

// WriteFile writes the table, a blank line and the matrix block to path,
// replacing any existing file.
func (r *Report) WriteFile(path string) error {
	if err := os.WriteFile(path, []byte(r.Text()+"\n"+r.MatrixText()), 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}
