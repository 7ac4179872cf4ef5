package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/qafeedback/internal/model"
)

func testExport() *model.DatasetExport {
	return &model.DatasetExport{
		Dataset: model.Dataset{ID: 1, Name: "DS1"},
		Pairs: []model.PairWithFeedback{{
			Pair: model.QAPair{ID: 1, DatasetID: 1, Question: "Q1", Answer: "A1",
				CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		}},
	}
}

func TestWriteExportFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, writeExportFile(path, model.FormatJSON, testExport(), model.ExportOptions{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out, 1)
	assert.Equal(t, "Q1", out[0]["question"])
}

func TestWriteExportFileErrors(t *testing.T) {
	dir := t.TempDir()

	err := writeExportFile(filepath.Join(dir, "missing", "out.json"), model.FormatJSON, testExport(), model.ExportOptions{})
	assert.ErrorContains(t, err, "create output file")

	err = writeExportFile(filepath.Join(dir, "out.xml"), "xml", testExport(), model.ExportOptions{})
	assert.ErrorContains(t, err, "write output")
}
