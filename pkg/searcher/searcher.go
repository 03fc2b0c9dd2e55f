// Package searcher runs queries against image indexes and joins each
// hit back to the files allocated at its offset.
package searcher

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/google/dfdewey/pkg/datastore"
	"github.com/google/dfdewey/pkg/errors"
	"github.com/google/dfdewey/pkg/resolver"
)

const (
	dataColumnWidth     = 110
	filenameColumnWidth = 50
)

// Hit is one formatted search result.
type Hit struct {
	Offset   string `json:"offset"`
	Filename string `json:"filename"`
	Data     string `json:"data"`
}

// offsetResolver maps an image offset back to the filenames allocated
// there.
type offsetResolver interface {
	Resolve(imagePath, imageHash string, offset uint64) ([]string, error)
}

// Searcher queries the indexes of one image or of every image in a
// case.
type Searcher struct {
	caseID     string
	store      *datastore.SQLiteDataStore
	index      *datastore.BleveDataStore
	resolver   offsetResolver
	searchSize int
	jsonOutput bool
	out        io.Writer

	// image hash -> image path
	images map[string]string
}

// New returns a searcher over one image, or over all images in the
// case when imagePath is "all".
func New(store *datastore.SQLiteDataStore, index *datastore.BleveDataStore,
	caseID, imageID, imagePath string, searchSize int, jsonOutput bool, out io.Writer) (*Searcher, error) {
	s := &Searcher{
		caseID:     caseID,
		store:      store,
		index:      index,
		resolver:   resolver.New(store),
		searchSize: searchSize,
		jsonOutput: jsonOutput,
		out:        out,
		images:     make(map[string]string),
	}

	if imagePath != "all" {
		abs, err := filepath.Abs(imagePath)
		if err != nil {
			abs = imagePath
		}
		img, err := store.GetImage(imageID)
		if err != nil {
			return nil, err
		}
		if img == nil {
			return nil, errors.Wrapf(os.ErrNotExist, "image %s not found in datastore", imagePath)
		}
		s.images[img.Hash] = abs
	} else {
		images, err := store.CaseImages(caseID)
		if err != nil {
			return nil, err
		}
		for _, img := range images {
			s.images[img.Hash] = img.Path
		}
	}
	return s, nil
}

// Search runs a single query against each image and prints a table of
// hits, or JSON keyed by image hash.
func (s *Searcher) Search(query string, highlight bool) error {
	jsonResults := make(map[string]map[string]interface{})

	for imageHash, imagePath := range s.images {
		slog.Info("search_start",
			"image_path", imagePath, "image_hash", imageHash, "query", query)

		start := time.Now()
		results, err := s.index.Search(datastore.IndexName(imageHash), query, s.searchSize, highlight)
		if err != nil {
			return errors.Wrapf(err, "failed to search image %s", imagePath)
		}
		elapsed := time.Since(start)

		hits := make([]Hit, 0, len(results.Hits))
		for _, match := range results.Hits {
			hit := Hit{Offset: formatOffset(match.Offset, match.FileOffset)}

			filenames, err := s.resolver.Resolve(imagePath, imageHash, match.Offset)
			if err != nil {
				slog.Warn("search_resolve_failed",
					"image_path", imagePath, "offset", match.Offset, "error", err)
			}
			hit.Filename = strings.Join(wrapAll(filenames, filenameColumnWidth), "\n")

			data := strings.TrimSpace(match.Data)
			if highlight && match.Fragment != "" {
				data = strings.TrimSpace(match.Fragment)
			}
			hit.Data = strings.Join(wrap(data, dataColumnWidth), "\n")
			hits = append(hits, hit)
		}

		if s.jsonOutput {
			jsonResults[imageHash] = map[string]interface{}{
				"image": imagePath,
				query:   hits,
			}
			continue
		}

		slog.Info("search_done",
			"image_path", imagePath, "results", results.Total,
			"time_ms", elapsed.Milliseconds())
		s.renderHits(hits)
	}

	if s.jsonOutput {
		return json.NewEncoder(s.out).Encode(jsonResults)
	}
	return nil
}

// ListSearch reads newline-delimited terms from queryList and reports
// the hit count of each term as a quoted-phrase query.
func (s *Searcher) ListSearch(queryList string) error {
	jsonResults := make(map[string]map[string]interface{})

	for imageHash, imagePath := range s.images {
		f, err := os.Open(queryList)
		if err != nil {
			return errors.Wrap(err, "failed to open search term list")
		}

		counts := make(map[string]uint64)
		var table [][]string
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			term := strings.TrimSpace(scanner.Text())
			if term == "" {
				continue
			}
			term = `"` + term + `"`
			results, err := s.index.Search(datastore.IndexName(imageHash), term, 0, false)
			if err != nil {
				f.Close()
				return errors.Wrapf(err, "failed to search image %s", imagePath)
			}
			if results.Total > 0 {
				counts[term] = results.Total
				table = append(table, []string{term, strconv.FormatUint(results.Total, 10)})
			}
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return errors.Wrap(err, "failed to read search term list")
		}

		if s.jsonOutput {
			jsonResults[imageHash] = map[string]interface{}{
				"image":   imagePath,
				"results": counts,
			}
			continue
		}

		slog.Info("list_search_done",
			"image_path", imagePath, "image_hash", imageHash, "query_list", queryList)
		if len(table) == 0 {
			io.WriteString(s.out, "No results.\n")
			continue
		}
		w := tablewriter.NewWriter(s.out)
		w.SetHeader([]string{"Search term", "Hits"})
		w.SetAutoWrapText(false)
		w.AppendBulk(table)
		w.Render()
	}

	if s.jsonOutput {
		return json.NewEncoder(s.out).Encode(jsonResults)
	}
	return nil
}

func (s *Searcher) renderHits(hits []Hit) {
	if len(hits) == 0 {
		io.WriteString(s.out, "No results.\n")
		return
	}
	w := tablewriter.NewWriter(s.out)
	w.SetHeader([]string{"Offset", "Filename (inode)", "String"})
	w.SetAutoWrapText(false)
	for _, hit := range hits {
		w.Append([]string{hit.Offset, hit.Filename, hit.Data})
	}
	w.Render()
}

// formatOffset renders the image offset and, for strings found inside
// decoded content, each decoded-stream offset pair on its own line.
func formatOffset(offset uint64, fileOffset string) string {
	lines := []string{strconv.FormatUint(offset, 10)}
	if fileOffset != "" {
		parts := strings.Split(fileOffset, "-")
		for i := 0; i+1 < len(parts); i += 2 {
			lines = append(lines, parts[i]+"-"+parts[i+1])
		}
		if len(parts)%2 != 0 {
			lines = append(lines, parts[len(parts)-1])
		}
	}
	return strings.Join(lines, "\n")
}

// wrap splits s into lines of at most width bytes, breaking on spaces
// where possible.
func wrap(s string, width int) []string {
	if s == "" {
		return nil
	}
	var lines []string
	for len(s) > width {
		cut := strings.LastIndex(s[:width+1], " ")
		if cut <= 0 {
			cut = width
		}
		lines = append(lines, strings.TrimRight(s[:cut], " "))
		s = strings.TrimLeft(s[cut:], " ")
	}
	if s != "" {
		lines = append(lines, s)
	}
	return lines
}

func wrapAll(items []string, width int) []string {
	wrapped := make([]string, 0, len(items))
	for _, item := range items {
		wrapped = append(wrapped, strings.Join(wrap(item, width), "\n"))
	}
	return wrapped
}
