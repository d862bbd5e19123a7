package ranker

import (
	"context"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/screening-state/internal/state"
)

// ErrBadPayload reports a request or response that does not decode.
var ErrBadPayload = errors.New("bad ranker payload")

// #region types
// Request asks a model to score every record in RecordIDs given the labels so far.
type Request struct {
	RecordIDs         []state.RecordID
	LabeledIDs        []state.RecordID
	Labels            []int
	Model             string
	FeatureExtraction string
	BalanceStrategy   string
}

// Response carries one relevance probability per requested record, in request order.
type Response struct {
	Probabilities []float64
}

// Ranker scores records. Client, Centroid and any registered server satisfy it.
type Ranker interface {
	Rank(ctx context.Context, req Request) (Response, error)
}

// #endregion types

// #region wire
const (
	fieldRecordIDs         = "record_ids"
	fieldLabeledIDs        = "labeled_ids"
	fieldLabels            = "labels"
	fieldModel             = "model"
	fieldFeatureExtraction = "feature_extraction"
	fieldBalanceStrategy   = "balance_strategy"
	fieldProbabilities     = "probabilities"
)

func (r Request) toStruct() (*structpb.Struct, error) {
	ids := make([]interface{}, len(r.RecordIDs))
	for i, id := range r.RecordIDs {
		ids[i] = int64(id)
	}
	labeled := make([]interface{}, len(r.LabeledIDs))
	for i, id := range r.LabeledIDs {
		labeled[i] = int64(id)
	}
	labels := make([]interface{}, len(r.Labels))
	for i, l := range r.Labels {
		labels[i] = l
	}
	s, err := structpb.NewStruct(map[string]interface{}{
		fieldRecordIDs:         ids,
		fieldLabeledIDs:        labeled,
		fieldLabels:            labels,
		fieldModel:             r.Model,
		fieldFeatureExtraction: r.FeatureExtraction,
		fieldBalanceStrategy:   r.BalanceStrategy,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return s, nil
}

func requestFromStruct(s *structpb.Struct) (Request, error) {
	var req Request
	var err error
	if req.RecordIDs, err = recordList(s, fieldRecordIDs); err != nil {
		return Request{}, err
	}
	if req.LabeledIDs, err = recordList(s, fieldLabeledIDs); err != nil {
		return Request{}, err
	}
	nums, err := numberList(s, fieldLabels)
	if err != nil {
		return Request{}, err
	}
	req.Labels = make([]int, len(nums))
	for i, n := range nums {
		if n != state.Irrelevant && n != state.Relevant {
			return Request{}, fmt.Errorf("%s[%d] = %g: %w", fieldLabels, i, n, ErrBadPayload)
		}
		req.Labels[i] = int(n)
	}
	if len(req.Labels) != len(req.LabeledIDs) {
		return Request{}, fmt.Errorf("%d labels for %d labeled ids: %w", len(req.Labels), len(req.LabeledIDs), ErrBadPayload)
	}
	req.Model = s.GetFields()[fieldModel].GetStringValue()
	req.FeatureExtraction = s.GetFields()[fieldFeatureExtraction].GetStringValue()
	req.BalanceStrategy = s.GetFields()[fieldBalanceStrategy].GetStringValue()
	return req, nil
}

func (r Response) toStruct() (*structpb.Struct, error) {
	probs := make([]interface{}, len(r.Probabilities))
	for i, p := range r.Probabilities {
		probs[i] = p
	}
	s, err := structpb.NewStruct(map[string]interface{}{fieldProbabilities: probs})
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return s, nil
}

func responseFromStruct(s *structpb.Struct) (Response, error) {
	probs, err := numberList(s, fieldProbabilities)
	if err != nil {
		return Response{}, err
	}
	return Response{Probabilities: probs}, nil
}

func numberList(s *structpb.Struct, key string) ([]float64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, fmt.Errorf("missing %s: %w", key, ErrBadPayload)
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%s is not a list: %w", key, ErrBadPayload)
	}
	out := make([]float64, len(list.GetValues()))
	for i, item := range list.GetValues() {
		n, ok := item.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("%s[%d] is not a number: %w", key, i, ErrBadPayload)
		}
		out[i] = n.NumberValue
	}
	return out, nil
}

// recordList decodes ids sent as JSON numbers; they must be integral.
func recordList(s *structpb.Struct, key string) ([]state.RecordID, error) {
	nums, err := numberList(s, key)
	if err != nil {
		return nil, err
	}
	ids := make([]state.RecordID, len(nums))
	for i, n := range nums {
		if n != math.Trunc(n) {
			return nil, fmt.Errorf("%s[%d] = %g is not an integer: %w", key, i, n, ErrBadPayload)
		}
		ids[i] = state.RecordID(n)
	}
	return ids, nil
}

// #endregion wire
