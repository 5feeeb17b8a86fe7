package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/recserve/pkg/bundle"
	"github.com/haivivi/recserve/pkg/vecindex"
)

var (
	bundleM     int
	bundleEf    int
	bundleLocal bool
)

var bundleCmd = &cobra.Command{
	Use:   "bundle <vectors.jsonl> <dest>",
	Short: "Pack an index bundle from a JSONL vectors file",
	Long: `Build an index bundle from a JSONL vectors file and publish it.

Each input line is one item:

  {"id": "item-42", "emb": [0.1, -0.3, ...]}

Line order defines the index ordinals. The bundle is written to <dest>
through the store from --config; with --local, <dest> is a plain file path
and no config is needed.

Examples:
  recserve bundle --config recserve.yaml toys.jsonl toys.tar.gz
  recserve bundle --local toys.jsonl /tmp/toys.tar.gz`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBundle(cmd.Context(), args[0], args[1])
	},
}

func init() {
	bundleCmd.Flags().IntVar(&bundleM, "m", 16, "HNSW connectivity (M)")
	bundleCmd.Flags().IntVar(&bundleEf, "ef", 200, "HNSW construction beam width")
	bundleCmd.Flags().BoolVar(&bundleLocal, "local", false, "write dest as a plain file instead of through the configured store")
}

// vectorLine is one JSONL input record.
type vectorLine struct {
	ID  string    `json:"id"`
	Emb []float32 `json:"emb"`
}

func runBundle(ctx context.Context, inputPath, dest string) error {
	in, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()

	ids, index, err := buildIndex(in)
	if err != nil {
		return fmt.Errorf("build index from %s: %w", inputPath, err)
	}

	var buf bytes.Buffer
	meta := bundle.Metadata{
		Dim:     index.Dim(),
		Metric:  bundle.MetricAngular,
		BuiltAt: time.Now().UTC(),
	}
	if err := bundle.Pack(&buf, index, ids, meta); err != nil {
		return err
	}

	if bundleLocal {
		if err := os.WriteFile(dest, buf.Bytes(), 0o644); err != nil {
			return err
		}
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := newFileStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		w, err := store.Write(ctx, dest)
		if err != nil {
			return err
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	}

	fmt.Printf("packed %d items (dim %d) into %s\n", len(ids), index.Dim(), dest)
	return nil
}

// buildIndex reads JSONL records and appends them to a fresh HNSW index in
// line order.
func buildIndex(r io.Reader) ([]string, *vecindex.HNSW, error) {
	var ids []string
	var index *vecindex.HNSW

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<24)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec vectorLine
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if rec.ID == "" || len(rec.Emb) == 0 {
			return nil, nil, fmt.Errorf("line %d: id and emb are required", lineNo)
		}
		if index == nil {
			index = vecindex.NewHNSW(vecindex.HNSWConfig{
				Dim:            len(rec.Emb),
				M:              bundleM,
				EfConstruction: bundleEf,
			})
		}
		if _, err := index.Append(rec.Emb); err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		ids = append(ids, rec.ID)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, err
	}
	if index == nil {
		return nil, nil, fmt.Errorf("no vectors in input")
	}
	return ids, index, nil
}
