package store

import (
	"fmt"

	"github.com/pavelanni/qafeedback/internal/model"
)

// LoadDatasetExport collects a dataset's pairs and all their feedback.
func (s *Store) LoadDatasetExport(datasetID int64) (*model.DatasetExport, error) {
	ds, err := s.GetDataset(datasetID)
	if err != nil {
		return nil, err
	}
	pairs, err := s.ListQAPairs(datasetID)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	feedback, err := s.ListDatasetFeedback(datasetID)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}

	out := &model.DatasetExport{Dataset: ds}
	for _, p := range pairs {
		out.Pairs = append(out.Pairs, model.PairWithFeedback{Pair: p, Feedback: feedback[p.ID]})
	}
	return out, nil
}

// ExportPipeline builds the full feedback dump across all datasets.
func (s *Store) ExportPipeline() ([]model.PipelineRecord, error) {
	datasets, err := s.ListDatasets()
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}

	records := []model.PipelineRecord{}
	for _, d := range datasets {
		exp, err := s.LoadDatasetExport(d.ID)
		if err != nil {
			return nil, fmt.Errorf("load dataset %d: %w", d.ID, err)
		}
		for _, pf := range exp.Pairs {
			rec := model.PipelineRecord{
				ID:           pf.Pair.ID,
				DatasetID:    d.ID,
				Question:     pf.Pair.Question,
				SystemAnswer: pf.Pair.Answer,
				Feedback:     []model.PipelineFeedback{},
			}
			for _, f := range pf.Feedback {
				rec.Feedback = append(rec.Feedback, model.PipelineFeedback{
					TextFeedback:           f.TextFeedback,
					AccuracyScore:          f.Accuracy,
					CompletenessScore:      f.Completeness,
					ClarityScore:           f.Clarity,
					ClinicalRelevanceScore: f.ClinicalRelevance,
					GoldStandardAnswer:     f.GoldStandardAnswer,
					SubmittedAt:            f.SubmittedAt,
				})
			}
			records = append(records, rec)
		}
	}
	return records, nil
}
