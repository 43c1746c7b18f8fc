package graph

import (
	"fmt"
	"maps"
	"reflect"
)

// Reducer defines how a channel value is updated: it takes the current
// value and the patch value and returns the merged value.
type Reducer func(current, patch any) (any, error)

// Schema declares the state channels and the reducer per channel. Channels
// without a registered reducer are overwritten by patches.
type Schema struct {
	Reducers map[string]Reducer
}

// NewSchema creates an empty schema.
func NewSchema() *Schema {
	return &Schema{Reducers: make(map[string]Reducer)}
}

// RegisterReducer sets the reducer for one channel.
func (s *Schema) RegisterReducer(key string, reducer Reducer) {
	s.Reducers[key] = reducer
}

// Init returns the initial empty state.
func (s *Schema) Init() map[string]any {
	return make(map[string]any)
}

// Update merges a patch into the current state without mutating it.
func (s *Schema) Update(current, patch map[string]any) (map[string]any, error) {
	result := make(map[string]any, len(current)+len(patch))
	maps.Copy(result, current)

	for k, v := range patch {
		if reducer, ok := s.Reducers[k]; ok {
			merged, err := reducer(result[k], v)
			if err != nil {
				return nil, fmt.Errorf("failed to reduce channel %s: %w", k, err)
			}
			result[k] = merged
			continue
		}
		result[k] = v
	}
	return result, nil
}

// OverwriteReducer replaces the old value with the new one.
func OverwriteReducer(current, patch any) (any, error) {
	return patch, nil
}

// AppendReducer appends the patch to the current slice. It accepts a slice
// or a single element on either side and falls back to []any when element
// types differ (which happens after a JSON round trip through the
// checkpoint store).
func AppendReducer(current, patch any) (any, error) {
	if patch == nil {
		return current, nil
	}
	if current == nil {
		patchVal := reflect.ValueOf(patch)
		if patchVal.Kind() == reflect.Slice {
			return patch, nil
		}
		slice := reflect.MakeSlice(reflect.SliceOf(reflect.TypeOf(patch)), 0, 1)
		return reflect.Append(slice, patchVal).Interface(), nil
	}

	currVal := reflect.ValueOf(current)
	patchVal := reflect.ValueOf(patch)

	if currVal.Kind() != reflect.Slice {
		return nil, fmt.Errorf("current value is not a slice: %T", current)
	}

	if patchVal.Kind() == reflect.Slice {
		if currVal.Type().Elem() != patchVal.Type().Elem() {
			result := make([]any, 0, currVal.Len()+patchVal.Len())
			for i := 0; i < currVal.Len(); i++ {
				result = append(result, currVal.Index(i).Interface())
			}
			for i := 0; i < patchVal.Len(); i++ {
				result = append(result, patchVal.Index(i).Interface())
			}
			return result, nil
		}
		return reflect.AppendSlice(currVal, patchVal).Interface(), nil
	}

	if currVal.Type().Elem() != patchVal.Type() {
		result := make([]any, 0, currVal.Len()+1)
		for i := 0; i < currVal.Len(); i++ {
			result = append(result, currVal.Index(i).Interface())
		}
		return append(result, patch), nil
	}
	return reflect.Append(currVal, patchVal).Interface(), nil
}
