package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"cnnsvm/internal/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		dataPath = flag.String("data", "./history", "Run history directory")
		since    = flag.Duration("since", 30*24*time.Hour, "Only list runs started within this window")
		latest   = flag.Bool("latest", false, "Print the full record of the most recent run")
		asJSON   = flag.Bool("json", false, "Print records as JSON")
	)
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	store, err := storage.Open(*dataPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *dataPath).Msg("Failed to open run history")
	}
	defer store.Close()

	if *latest {
		rec, err := store.Latest()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read latest run")
		}
		if rec == nil {
			fmt.Println("No runs recorded.")
			return
		}
		if *asJSON {
			printJSON(rec)
			return
		}
		printRun(rec)
		if rec.Report != nil {
			fmt.Println()
			if err := rec.Report.Print(os.Stdout); err != nil {
				log.Fatal().Err(err).Msg("Failed to print report")
			}
		}
		return
	}

	end := time.Now()
	runs, err := store.GetRuns(end.Add(-*since), end)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list runs")
	}
	total, err := store.Count()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to count runs")
	}

	if *asJSON {
		printJSON(runs)
		return
	}

	fmt.Printf("%d of %d runs since %s\n\n", len(runs), total, end.Add(-*since).Format(time.RFC3339))
	fmt.Printf("%-20s  %-9s  %7s  %7s  %6s  %8s  %9s\n", "started", "backend", "train", "test", "SVs", "accuracy", "duration")
	for i := range runs {
		r := &runs[i]
		fmt.Printf("%-20s  %-9s  %7d  %7d  %6d  %8.4f  %9s\n",
			r.StartedAt.Format("2006-01-02 15:04:05"),
			r.Backend,
			r.TrainSize(),
			r.TestSize(),
			r.SupportVectors,
			r.Accuracy,
			r.Duration().Round(time.Second),
		)
	}
}

func printRun(r *storage.RunRecord) {
	fmt.Printf("Run:          %s\n", r.ID)
	fmt.Printf("Started:      %s\n", r.StartedAt.Format(time.RFC3339))
	fmt.Printf("Duration:     %s (extract %s, fit %s)\n",
		r.Duration().Round(time.Millisecond), r.ExtractDuration.Round(time.Millisecond), r.FitDuration.Round(time.Millisecond))
	fmt.Printf("Data root:    %s\n", r.DataRoot)
	fmt.Printf("Classes:      %v\n", r.ClassNames)
	fmt.Printf("Sizes:        %v\n", r.Sizes)
	fmt.Printf("Extractor:    %s on %s, %d features\n", r.Backend, r.Device, r.FeatureDim)
	fmt.Printf("Classifier:   C=%g gamma=%g, %d support vectors\n", r.C, r.Gamma, r.SupportVectors)
	fmt.Printf("Accuracy:     %.4f\n", r.Accuracy)
	fmt.Printf("Artifacts:    %s, %s\n", r.ClassifierPath, r.ReportPath)
	if r.Drift != nil {
		for _, m := range r.Drift.Methods {
			fmt.Printf("Drift:        %-26s max %.4f (dim %d), %d of %d dims above %.2f\n",
				m.Method, m.Max, m.MaxDim, m.Drifted, r.Drift.Dims, r.Drift.Threshold)
		}
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatal().Err(err).Msg("Failed to encode JSON")
	}
}
