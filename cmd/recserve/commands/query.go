package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	queryAddr   string
	queryIndex  string
	queryID     string
	queryEmb    string
	queryK      int
	queryDist   bool
	queryScore  bool
	queryThresh float64
	queryVector bool
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "One-shot query against a running server",
	Long: `Send one similarity query to a running recserve instance and print
the JSON response.

Examples:
  recserve query --addr http://localhost:8080 --index toys --id item-42 -k 10
  recserve query --addr http://localhost:8080 --index toys --emb 0.1,0.2,0.3 -k 5 --score
  recserve query --addr http://localhost:8080 --index toys --id item-42 --vector`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery()
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryAddr, "addr", "http://localhost:8080", "server base URL")
	queryCmd.Flags().StringVar(&queryIndex, "index", "", "index name (required)")
	queryCmd.Flags().StringVar(&queryID, "id", "", "query by item identifier")
	queryCmd.Flags().StringVar(&queryEmb, "emb", "", "query by embedding, comma-separated floats")
	queryCmd.Flags().IntVarP(&queryK, "k", "k", 10, "number of neighbors")
	queryCmd.Flags().BoolVar(&queryDist, "dist", false, "include distances")
	queryCmd.Flags().BoolVar(&queryScore, "score", false, "include scores")
	queryCmd.Flags().Float64Var(&queryThresh, "thresh", -1, "minimum score, exclusive (negative disables)")
	queryCmd.Flags().BoolVar(&queryVector, "vector", false, "fetch the stored vector for --id instead of querying")
	_ = queryCmd.MarkFlagRequired("index")
}

func runQuery() error {
	client := &http.Client{Timeout: 30 * time.Second}
	route := strings.TrimRight(queryAddr, "/") + "/ann/" + queryIndex

	if queryVector {
		if queryID == "" {
			return fmt.Errorf("--vector requires --id")
		}
		resp, err := client.Get(route + "?id=" + url.QueryEscape(queryID))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return printResponse(resp)
	}

	payload := map[string]any{"k": queryK}
	if queryID != "" {
		payload["id"] = queryID
	}
	if queryEmb != "" {
		emb, err := parseEmb(queryEmb)
		if err != nil {
			return err
		}
		payload["emb"] = emb
	}
	if queryDist {
		payload["incl_dist"] = true
	}
	if queryScore {
		payload["incl_score"] = true
	}
	if queryThresh >= 0 {
		payload["thresh_score"] = queryThresh
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := client.Post(route, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func parseEmb(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	emb := make([]float32, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid embedding component %q: %w", p, err)
		}
		emb = append(emb, float32(v))
	}
	return emb, nil
}

func printResponse(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	_, err = os.Stdout.Write(data)
	return err
}
