package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BaSui01/cohortdiag/types"
)

// TaskSchemaVersion 中心到站点的任务信封版本
const TaskSchemaVersion = "cohortdiag.task/v1"

// TaskEnvelope 发往单个组织的任务
type TaskEnvelope struct {
	SchemaVersion       string             `json:"schema_version"`
	TaskID              string             `json:"task_id"`
	OrganizationID      string             `json:"organization_id"`
	ExecutionID         string             `json:"execution_id"`
	OrganizationOrdinal int                `json:"organization_ordinal,omitempty"`
	TaskOrdinal         int                `json:"task_ordinal,omitempty"`
	Request             *types.TaskRequest `json:"request"`
}

// EncodeTask 编码任务信封
func EncodeTask(env TaskEnvelope) ([]byte, error) {
	env.SchemaVersion = TaskSchemaVersion
	if env.Request == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "task envelope carries no request")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode task envelope: %w", err)
	}
	return data, nil
}

// DecodeTask 解码任务信封并校验请求
func DecodeTask(data []byte) (*TaskEnvelope, error) {
	var head struct {
		SchemaVersion string `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "malformed task envelope").WithCause(err)
	}
	if head.SchemaVersion != TaskSchemaVersion {
		return nil, types.Errorf(types.ErrIncompatibleSchema,
			"task schema version %q is not supported, expected %q", head.SchemaVersion, TaskSchemaVersion)
	}
	var env TaskEnvelope
	if err := types.DecodeStrict(data, &env); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "malformed task envelope").WithCause(err)
	}
	if env.TaskID == "" || env.OrganizationID == "" || env.ExecutionID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "task envelope requires task_id, organization_id and execution_id")
	}
	if env.Request == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "task envelope carries no request")
	}
	if err := env.Request.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Failure 站点本地失败在线上的形式
type Failure struct {
	Code    types.ErrorCode `json:"code"`
	Message string          `json:"message"`
}

// FailureOf 提取错误码与消息；非结构化错误记为 INTERNAL_ERROR
func FailureOf(err error) Failure {
	if e, ok := types.AsError(err); ok {
		return Failure{Code: e.Code, Message: e.Message}
	}
	return Failure{Code: types.ErrInternalError, Message: err.Error()}
}

// Err 还原为 *types.Error
func (f Failure) Err() *types.Error {
	return types.NewError(f.Code, f.Message)
}

// EncodeFailure 将错误编码为 {code,message}
func EncodeFailure(err error) []byte {
	data, _ := json.Marshal(FailureOf(err))
	return data
}

// DecodeFailure 将 {code,message} 还原为 *types.Error
func DecodeFailure(data []byte) error {
	var f Failure
	if err := json.Unmarshal(data, &f); err != nil || f.Code == "" {
		return types.NewError(types.ErrTransport, "unrecognized failure payload").WithCause(errors.Join(err, fmt.Errorf("%.200s", data)))
	}
	return f.Err()
}
