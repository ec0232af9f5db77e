// Package dataset discovers labeled images laid out as
// <root>/<split>/<class>/<image> and serves them as shuffled batches of
// transformed tensors.
package dataset

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"cnnsvm/internal/common"
	"cnnsvm/internal/transforms"

	"github.com/rs/zerolog/log"
)

// Options configures Load.
type Options struct {
	Root            string
	TrainSplit      string
	TestSplit       string
	TrainTransforms *transforms.Pipeline
	TestTransforms  *transforms.Pipeline
}

// Item is one labeled image file.
type Item struct {
	Path  string
	Label int
}

// ImageSet is the ordered list of labeled images of one split.
type ImageSet struct {
	Split      string
	Dir        string
	Items      []Item
	ClassNames []string
	Transform  *transforms.Pipeline
}

// Len returns the number of images in the split.
func (s *ImageSet) Len() int {
	return len(s.Items)
}

// Dataset holds both splits and the class names shared by them.
type Dataset struct {
	Train      *ImageSet
	Test       *ImageSet
	ClassNames []string
	Sizes      map[string]int
}

// Load scans the training split for class directories (sorted by name) and
// builds both image sets with the same class-to-index mapping.
func Load(opts Options) (*Dataset, error) {
	if opts.TrainTransforms == nil || opts.TestTransforms == nil {
		return nil, fmt.Errorf("dataset: both transform pipelines are required")
	}
	if err := requireDir(opts.Root, "root"); err != nil {
		return nil, err
	}

	trainDir := filepath.Join(opts.Root, opts.TrainSplit)
	testDir := filepath.Join(opts.Root, opts.TestSplit)
	if err := requireDir(trainDir, "split"); err != nil {
		return nil, err
	}
	if err := requireDir(testDir, "split"); err != nil {
		return nil, err
	}

	classNames, err := discoverClasses(trainDir)
	if err != nil {
		return nil, err
	}
	if len(classNames) == 0 {
		return nil, &common.EmptyDatasetError{Split: opts.TrainSplit, Path: trainDir}
	}

	train, err := buildSet(opts.TrainSplit, trainDir, classNames, opts.TrainTransforms)
	if err != nil {
		return nil, err
	}
	test, err := buildSet(opts.TestSplit, testDir, classNames, opts.TestTransforms)
	if err != nil {
		return nil, err
	}

	if extra, err := discoverClasses(testDir); err == nil {
		known := make(map[string]bool, len(classNames))
		for _, c := range classNames {
			known[c] = true
		}
		for _, c := range extra {
			if !known[c] {
				log.Warn().Str("split", opts.TestSplit).Str("class", c).Msg("Class missing from training split, skipping")
			}
		}
	}

	ds := &Dataset{
		Train:      train,
		Test:       test,
		ClassNames: classNames,
		Sizes: map[string]int{
			opts.TrainSplit: train.Len(),
			opts.TestSplit:  test.Len(),
		},
	}

	log.Info().
		Str("root", opts.Root).
		Strs("classes", classNames).
		Int(opts.TrainSplit, train.Len()).
		Int(opts.TestSplit, test.Len()).
		Msg("Dataset loaded")

	return ds, nil
}

func requireDir(path, kind string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &common.MissingDirectoryError{Path: path, Kind: kind}
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return &common.MissingDirectoryError{Path: path, Kind: kind}
	}
	return nil
}

func discoverClasses(splitDir string) ([]string, error) {
	entries, err := os.ReadDir(splitDir)
	if err != nil {
		return nil, fmt.Errorf("read split directory %s: %w", splitDir, err)
	}

	var classes []string
	for _, e := range entries {
		if e.IsDir() {
			classes = append(classes, e.Name())
		}
	}
	sort.Strings(classes)
	return classes, nil
}

func buildSet(split, dir string, classNames []string, transform *transforms.Pipeline) (*ImageSet, error) {
	set := &ImageSet{
		Split:      split,
		Dir:        dir,
		ClassNames: classNames,
		Transform:  transform,
	}

	for label, class := range classNames {
		classDir := filepath.Join(dir, class)
		if err := requireDir(classDir, "class"); err != nil {
			return nil, err
		}

		var paths []string
		err := filepath.WalkDir(classDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && IsImageFile(path) {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", classDir, err)
		}
		sort.Strings(paths)

		for _, p := range paths {
			set.Items = append(set.Items, Item{Path: p, Label: label})
		}
		log.Debug().Str("split", split).Str("class", class).Int("label", label).Int("images", len(paths)).Msg("Class scanned")
	}

	if len(set.Items) == 0 {
		return nil, &common.EmptyDatasetError{Split: split, Path: dir}
	}
	return set, nil
}
