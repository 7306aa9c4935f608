// Package results writes the outputs of an evaluation run: the scores table,
// a bar chart of it, a YAML run summary and qualitative image grids.
package results

import (
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gopkg.in/yaml.v3"
)

// Score is the Dice score of one split.
type Score struct {
	Dataset string
	Score   float64
}

// Split is the evaluation result of one dataset split.
type Split struct {
	Name    string  `yaml:"name"`
	Samples int     `yaml:"samples"`
	Batches int     `yaml:"batches"`
	Dice    float64 `yaml:"dice"`
	IoU     float64 `yaml:"iou"`
	Loss    float64 `yaml:"loss"`
}

// Summary describes a run.
type Summary struct {
	RunID    string  `yaml:"run_id"`
	Model    string  `yaml:"model"`
	Arch     string  `yaml:"arch"`
	Classes  int     `yaml:"classes"`
	Channels int     `yaml:"channels"`
	Device   string  `yaml:"device"`
	AMP      bool    `yaml:"amp"`
	Splits   []Split `yaml:"splits"`
}

// Scores returns the Dice score of every split.
func (s Summary) Scores() []Score {
	scores := make([]Score, len(s.Splits))
	for i, sp := range s.Splits {
		scores[i] = Score{Dataset: sp.Name, Score: sp.Dice}
	}
	return scores
}

func scoresFrame(scores []Score) dataframe.DataFrame {
	names := make([]string, len(scores))
	values := make([]float64, len(scores))
	for i, s := range scores {
		names[i] = s.Dataset
		values[i] = s.Score
	}

	return dataframe.New(
		series.New(names, series.String, "Dataset"),
		series.New(values, series.Float, "Score"),
	)
}

// WriteScores writes scores as CSV with a "Dataset,Score" header.
func WriteScores(path string, scores []Score) error {
	df := scoresFrame(scores)
	if df.Err != nil {
		return errors.Wrap(df.Err, "building scores table")
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := df.WriteCSV(f); err != nil {
		return errors.Wrapf(err, "writing %q", path)
	}
	return f.Close()
}

// PlotScores saves a bar chart of scores. The image format follows the
// file extension.
func PlotScores(path string, scores []Score) error {
	p, err := plot.New()
	if err != nil {
		return err
	}
	p.Title.Text = "Dice score"
	p.Y.Label.Text = "Dice"
	p.Y.Min = 0
	p.Y.Max = 1

	v := make(plotter.Values, len(scores))
	names := make([]string, len(scores))
	for i, s := range scores {
		v[i] = s.Score
		names[i] = s.Dataset
	}

	bars, err := plotter.NewBarChart(v, vg.Points(30))
	if err != nil {
		return errors.Wrap(err, "building bar chart")
	}
	p.Add(bars)
	p.NominalX(names...)

	return p.Save(4*vg.Inch, 4*vg.Inch, path)
}

// WriteSummary writes s as YAML.
func WriteSummary(path string, s Summary) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encoding summary")
	}
	return os.WriteFile(path, data, 0644)
}
