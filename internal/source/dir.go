package source

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// PartitionExtensions are the file types DirReader treats as partitions.
var PartitionExtensions = []string{".csv", ".yaml", ".yml", ".json"}

// DirReader reads partitions from files. The dataset id names a directory
// under Root; every partition file inside it is one partition.
//
// CSV files carry a header row. YAML and JSON files hold either a list of
// row maps or a document of the form:
//
//	name: C6 - Capital
//	rows:
//	  - Data: 05/01/2024
//	    CNPJ: "12345678000190"
type DirReader struct {
	Root string
}

// NewDirReader returns a reader rooted at root.
func NewDirReader(root string) (*DirReader, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source path %s is not a directory", root)
	}
	return &DirReader{Root: root}, nil
}

// DatasetDir returns the directory holding a dataset's partition files.
func (r *DirReader) DatasetDir(datasetID string) string {
	return filepath.Join(r.Root, datasetID)
}

// IsPartitionFile reports whether path has a partition extension.
func IsPartitionFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range PartitionExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ListPartitions returns partition files sorted by file name. The
// partition id is the file name; the name is the file name without its
// extension (YAML documents may override it).
func (r *DirReader) ListPartitions(ctx context.Context, datasetID string) ([]PartitionInfo, error) {
	entries, err := os.ReadDir(r.DatasetDir(datasetID))
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset directory: %w", err)
	}

	var partitions []PartitionInfo
	for _, entry := range entries {
		if entry.IsDir() || !IsPartitionFile(entry.Name()) || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		partitions = append(partitions, PartitionInfo{ID: entry.Name(), Name: name})
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i].ID < partitions[j].ID })

	return partitions, nil
}

// FetchPartition parses one partition file.
func (r *DirReader) FetchPartition(ctx context.Context, datasetID, partitionID string) (*Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, &FetchError{PartitionID: partitionID, Err: err}
	}
	if partitionID != filepath.Base(partitionID) {
		return nil, &FetchError{PartitionID: partitionID, Err: fmt.Errorf("invalid partition id")}
	}

	path := filepath.Join(r.DatasetDir(datasetID), partitionID)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &FetchError{PartitionID: partitionID, Err: err}
	}

	partition := &Partition{
		ID:   partitionID,
		Name: strings.TrimSuffix(partitionID, filepath.Ext(partitionID)),
	}

	switch strings.ToLower(filepath.Ext(partitionID)) {
	case ".csv":
		partition.Rows, err = parseCSV(data)
	case ".yaml", ".yml", ".json":
		var name string
		name, partition.Rows, err = parseYAML(data)
		if name != "" {
			partition.Name = name
		}
	default:
		err = fmt.Errorf("unsupported partition file type")
	}
	if err != nil {
		return nil, &FetchError{PartitionID: partitionID, Err: err}
	}

	return partition, nil
}

func parseCSV(data []byte) ([]map[string]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var values [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse csv: %w", err)
		}
		values = append(values, record)
	}
	return rowsFromValues(values), nil
}

type partitionDoc struct {
	Name string              `yaml:"name"`
	Rows []map[string]string `yaml:"rows"`
}

func parseYAML(data []byte) (string, []map[string]string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return "", nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	if len(root.Content) == 0 {
		return "", nil, nil
	}

	node := root.Content[0]
	switch node.Kind {
	case yaml.SequenceNode:
		var rows []map[string]string
		if err := node.Decode(&rows); err != nil {
			return "", nil, fmt.Errorf("failed to decode rows: %w", err)
		}
		return "", rows, nil
	case yaml.MappingNode:
		var doc partitionDoc
		if err := node.Decode(&doc); err != nil {
			return "", nil, fmt.Errorf("failed to decode partition: %w", err)
		}
		return doc.Name, doc.Rows, nil
	default:
		return "", nil, fmt.Errorf("partition must be a list of rows or a mapping with rows")
	}
}
