package api

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/types/known/structpb"

	"fillsim/internal/runner"
)

// Request fields carried in a Run call.
const (
	FieldRunID         = "run_id"
	FieldArtifactsRoot = "artifacts_root"
	FieldIntents       = "intents"
	FieldBars          = "bars"
	FieldPositions     = "positions"
	FieldExits         = "exits"
	FieldSavePositions = "save_positions"
)

// EncodeRequest converts req into the message sent on the wire. Empty
// fields are omitted.
func EncodeRequest(req runner.Request) (*structpb.Struct, error) {
	m := map[string]any{}
	for k, v := range map[string]string{
		FieldRunID:         req.RunID,
		FieldArtifactsRoot: req.ArtifactsRoot,
		FieldIntents:       req.IntentsPath,
		FieldBars:          req.BarsDir,
		FieldPositions:     req.PositionsPath,
		FieldExits:         req.ExitsPath,
	} {
		if v != "" {
			m[k] = v
		}
	}
	if req.SavePositions {
		m[FieldSavePositions] = true
	}
	return structpb.NewStruct(m)
}

// DecodeRequest validates and converts a wire message into a run request.
// Unknown fields and wrongly typed values are rejected.
func DecodeRequest(s *structpb.Struct) (runner.Request, error) {
	var req runner.Request
	targets := map[string]*string{
		FieldRunID:         &req.RunID,
		FieldArtifactsRoot: &req.ArtifactsRoot,
		FieldIntents:       &req.IntentsPath,
		FieldBars:          &req.BarsDir,
		FieldPositions:     &req.PositionsPath,
		FieldExits:         &req.ExitsPath,
	}

	fields := s.GetFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := fields[k]
		if k == FieldSavePositions {
			b, ok := v.GetKind().(*structpb.Value_BoolValue)
			if !ok {
				return runner.Request{}, fmt.Errorf("field %s: want bool", k)
			}
			req.SavePositions = b.BoolValue
			continue
		}
		dst, ok := targets[k]
		if !ok {
			return runner.Request{}, fmt.Errorf("unknown field %s", k)
		}
		sv, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return runner.Request{}, fmt.Errorf("field %s: want string", k)
		}
		*dst = sv.StringValue
	}

	if req.IntentsPath == "" {
		return runner.Request{}, fmt.Errorf("field %s is required", FieldIntents)
	}
	if req.RunID != "" && !runner.ValidRunID(req.RunID) {
		return runner.Request{}, fmt.Errorf("invalid run_id %q", req.RunID)
	}
	return req, nil
}

// EncodeStatus converts a run status into its wire message.
func EncodeStatus(st runner.Status) (*structpb.Struct, error) {
	failures := make([]any, 0, len(st.Failures))
	for _, f := range st.Failures {
		failures = append(failures, map[string]any{
			"intent_id":    f.IntentID,
			"oco_group_id": f.GroupID,
			"symbol":       f.Symbol,
			"error":        f.Error,
		})
	}
	violations := make([]any, 0, len(st.Violations))
	for _, v := range st.Violations {
		violations = append(violations, v)
	}
	return structpb.NewStruct(map[string]any{
		"run_id":       st.RunID,
		"status":       string(st.Code),
		"reason":       st.Reason,
		"error_id":     st.ErrorID,
		"rows":         st.Rows,
		"audit_sha256": st.AuditSHA256,
		"failures":     failures,
		"violations":   violations,
	})
}

// DecodeStatus converts a wire message back into a run status.
func DecodeStatus(s *structpb.Struct) (runner.Status, error) {
	f := s.GetFields()
	st := runner.Status{
		RunID:       f["run_id"].GetStringValue(),
		Code:        runner.Code(f["status"].GetStringValue()),
		Reason:      f["reason"].GetStringValue(),
		ErrorID:     f["error_id"].GetStringValue(),
		Rows:        int(f["rows"].GetNumberValue()),
		AuditSHA256: f["audit_sha256"].GetStringValue(),
	}
	switch st.Code {
	case runner.CodeSuccess, runner.CodeFailedPrecondition, runner.CodeError:
	default:
		return runner.Status{}, fmt.Errorf("unknown status %q", st.Code)
	}
	for _, v := range f["failures"].GetListValue().GetValues() {
		ff := v.GetStructValue().GetFields()
		st.Failures = append(st.Failures, runner.Failure{
			IntentID: ff["intent_id"].GetStringValue(),
			GroupID:  ff["oco_group_id"].GetStringValue(),
			Symbol:   ff["symbol"].GetStringValue(),
			Error:    ff["error"].GetStringValue(),
		})
	}
	for _, v := range f["violations"].GetListValue().GetValues() {
		st.Violations = append(st.Violations, v.GetStringValue())
	}
	return st, nil
}
